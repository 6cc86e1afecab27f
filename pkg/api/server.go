// Package api is the collector's HTTP surface: the Breakpad submission
// endpoint, the Dockerflow health endpoints, and Prometheus exposition.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/crashworks/collector/internal/logger"
)

// Server wraps the HTTP server for the collector endpoints.
//
// Endpoints:
//   - POST /submit: Breakpad crash submission
//   - GET /__lbheartbeat__, /__heartbeat__, /__version__, /__broken__
//   - GET /metrics: Prometheus exposition (when enabled)
//
// The server supports graceful shutdown; in-flight submissions complete
// before Stop returns.
type Server struct {
	server       *http.Server
	config       ServerConfig
	shutdownOnce sync.Once
}

// NewServer creates the HTTP server around an already-built router. The
// server is created in a stopped state; call Start to begin serving.
func NewServer(config ServerConfig, handler http.Handler) *Server {
	config.applyDefaults()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return &Server{
		server: server,
		config: config,
	}
}

// Start runs the server and blocks until the context is cancelled or the
// listener fails. Cancellation triggers graceful shutdown bounded by the
// context passed to Stop.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("collector listening", "host", s.config.Host, "port", s.config.Port)

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("server shutdown signal received")
		return nil
	case err := <-errChan:
		return fmt.Errorf("server failed: %w", err)
	}
}

// Stop gracefully shuts the server down, waiting for in-flight requests
// up to the context deadline. Safe to call multiple times.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		logger.Debug("server shutdown initiated")

		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
			logger.Error("server shutdown error", "error", err)
		} else {
			logger.Info("server stopped gracefully")
		}
	})
	return shutdownErr
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}
