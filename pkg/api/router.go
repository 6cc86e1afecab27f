package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/crashworks/collector/internal/errorreport"
	"github.com/crashworks/collector/internal/logger"
	"github.com/crashworks/collector/internal/versioninfo"
	"github.com/crashworks/collector/pkg/api/handlers"
	"github.com/crashworks/collector/pkg/breakpad"
	"github.com/crashworks/collector/pkg/crashmover"
	"github.com/crashworks/collector/pkg/metrics"
	"github.com/crashworks/collector/pkg/publish"
	"github.com/crashworks/collector/pkg/storage"
	"github.com/crashworks/collector/pkg/throttler"
)

// Deps carries everything the route handlers need. All fields except
// MetricsEnabled are required.
type Deps struct {
	Parser    *breakpad.Parser
	Throttler *throttler.Throttler
	Mover     *crashmover.Mover
	Storage   storage.CrashStorage
	Publisher publish.CrashPublisher
	Stats     metrics.Sink
	Version   versioninfo.Info
	DumpField string

	// MetricsEnabled mounts GET /metrics
	MetricsEnabled bool
}

// NewRouter creates the chi router with all middleware and routes.
//
// Middleware stack - order matters:
//   - Request ID for request tracking
//   - Real IP extraction behind the load balancer
//   - Request logging through the internal logger
//   - Panic recovery with Sentry reporting
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(recoverer)

	submitHandler := handlers.NewSubmitHandler(handlers.SubmitDeps{
		Parser:    deps.Parser,
		Throttler: deps.Throttler,
		Mover:     deps.Mover,
		Stats:     deps.Stats,
		DumpField: deps.DumpField,
	})
	healthHandler := handlers.NewHealthHandler(deps.Storage, deps.Publisher, deps.Version)

	r.Post("/submit", submitHandler.Submit)

	r.Get("/__lbheartbeat__", healthHandler.LBHeartbeat)
	r.Get("/__heartbeat__", healthHandler.Heartbeat)
	r.Get("/__version__", healthHandler.Version)
	r.Get("/__broken__", healthHandler.Broken)

	if deps.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	return r
}

// requestLogger logs request start at DEBUG and completion at INFO using
// the internal logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Info("request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}

// recoverer converts handler panics into 500 responses and reports them
// to Sentry. The deliberate /__broken__ panic goes through here too.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					panic(recovered)
				}

				errorreport.CapturePanic(recovered)
				logger.Error("handler panic",
					"request_id", middleware.GetReqID(r.Context()),
					"path", r.URL.Path,
					"panic", recovered,
				)
				http.Error(w, http.StatusText(http.StatusInternalServerError),
					http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
