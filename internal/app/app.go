// Package app wires the collector together: configuration in, a verified
// and running HTTP ingestion service out. The cmd layer maps the errors
// this package returns onto process exit codes.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/crashworks/collector/internal/errorreport"
	"github.com/crashworks/collector/internal/logger"
	"github.com/crashworks/collector/internal/versioninfo"
	"github.com/crashworks/collector/pkg/api"
	"github.com/crashworks/collector/pkg/breakpad"
	"github.com/crashworks/collector/pkg/config"
	"github.com/crashworks/collector/pkg/crashmover"
	"github.com/crashworks/collector/pkg/metrics"
	"github.com/crashworks/collector/pkg/publish"
	publishnoop "github.com/crashworks/collector/pkg/publish/noop"
	"github.com/crashworks/collector/pkg/publish/pubsub"
	"github.com/crashworks/collector/pkg/publish/sqs"
	"github.com/crashworks/collector/pkg/storage"
	"github.com/crashworks/collector/pkg/storage/fs"
	"github.com/crashworks/collector/pkg/storage/gcs"
	storagenoop "github.com/crashworks/collector/pkg/storage/noop"
	"github.com/crashworks/collector/pkg/storage/s3"
	"github.com/crashworks/collector/pkg/throttler"
)

// Sentinel errors the cmd layer maps to exit codes.
var (
	// ErrVerificationFailed means a storage or publish backend failed its
	// startup check. Exit code 3.
	ErrVerificationFailed = errors.New("backend verification failed")

	// ErrDrainTimeout means queued crashes remained after the shutdown
	// drain deadline. Exit code 1.
	ErrDrainTimeout = errors.New("shutdown drain deadline exceeded")
)

// App is the assembled collector.
type App struct {
	cfg       *config.Config
	stats     metrics.Sink
	store     storage.CrashStorage
	publisher publish.CrashPublisher
	mover     *crashmover.Mover
	server    *api.Server

	closers []func() error
}

// New assembles the collector from configuration. Remote clients are
// constructed here (and may fail on bad settings), but nothing is
// verified or started yet.
func New(ctx context.Context, cfg *config.Config, version versioninfo.Info) (*App, error) {
	a := &App{cfg: cfg}

	hostID := cfg.HostID
	if hostID == "" {
		hostID, _ = os.Hostname()
	}

	if err := errorreport.Init(errorreport.Config{
		DSN:     cfg.SecretSentryDSN,
		Release: version.Commit,
		HostID:  hostID,
	}); err != nil {
		return nil, fmt.Errorf("initializing error reporting: %w", err)
	}

	stats, err := metrics.New(metrics.Config{
		StatsdHost:        cfg.Statsd.Host,
		StatsdPort:        cfg.Statsd.Port,
		StatsdNamespace:   cfg.Statsd.Namespace,
		PrometheusEnabled: cfg.MetricsEnabled,
		LogEmissions:      cfg.LocalDevEnv,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	a.stats = stats
	a.closers = append(a.closers, stats.Close)

	a.store, err = newCrashStorage(ctx, cfg.CrashMover.CrashStorage)
	if err != nil {
		return nil, fmt.Errorf("building crash storage: %w", err)
	}
	if closer, ok := a.store.(interface{ Close() error }); ok {
		a.closers = append(a.closers, closer.Close)
	}

	a.publisher, err = newCrashPublisher(ctx, cfg.CrashMover.CrashPublish)
	if err != nil {
		return nil, fmt.Errorf("building crash publisher: %w", err)
	}
	if closer, ok := a.publisher.(interface{ Close() error }); ok {
		a.closers = append(a.closers, closer.Close)
	}

	thr, err := throttler.NewFromConfig(cfg.Breakpad.ThrottlerRules, cfg.Breakpad.ThrottlerProducts)
	if err != nil {
		return nil, fmt.Errorf("building throttler: %w", err)
	}

	a.mover = crashmover.New(crashmover.Config{
		Workers:        cfg.CrashMover.ConcurrentCrashmovers,
		QueueSize:      cfg.CrashMover.MaxQueueSize,
		EnqueueTimeout: cfg.CrashMover.EnqueueTimeout,
		RetryAttempts:  cfg.CrashMover.RetryAttempts,
	}, a.store, a.publisher, a.stats)

	router := api.NewRouter(api.Deps{
		Parser:         breakpad.New(cfg.Breakpad.MaxCrashSize, cfg.Breakpad.MaxAnnotationSize),
		Throttler:      thr,
		Mover:          a.mover,
		Storage:        a.store,
		Publisher:      a.publisher,
		Stats:          a.stats,
		Version:        version,
		DumpField:      cfg.Breakpad.DumpField,
		MetricsEnabled: cfg.MetricsEnabled,
	})

	a.server = api.NewServer(api.ServerConfig{
		Host: cfg.Host,
		Port: cfg.Port,
	}, router)

	return a, nil
}

// Verify proves both backends are usable, each checked exactly once.
// Failures are reported to Sentry; the process must not take traffic it
// cannot store.
func (a *App) Verify(ctx context.Context) error {
	logger.Info("verifying crash storage", "class", a.cfg.CrashMover.CrashStorage.Class)
	if err := a.store.Verify(ctx); err != nil {
		errorreport.CaptureError(err)
		logger.Error("crash storage verification failed", "error", err)
		return fmt.Errorf("%w: crash storage: %v", ErrVerificationFailed, err)
	}

	logger.Info("verifying crash publisher", "class", a.cfg.CrashMover.CrashPublish.Class)
	if err := a.publisher.Verify(ctx); err != nil {
		errorreport.CaptureError(err)
		logger.Error("crash publisher verification failed", "error", err)
		return fmt.Errorf("%w: crash publisher: %v", ErrVerificationFailed, err)
	}

	return nil
}

// Run verifies the backends, starts the worker pool and the HTTP server,
// and blocks until ctx is cancelled. It then shuts down in order: stop
// accepting connections, drain the hand-off queue, close the backends.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if err := a.Verify(ctx); err != nil {
		return err
	}

	a.mover.Start()

	serverDone := make(chan error, 1)
	serverCtx, cancelServer := context.WithCancel(ctx)
	defer cancelServer()
	go func() {
		serverDone <- a.server.Start(serverCtx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serverDone:
		if err != nil {
			_ = a.mover.Stop(a.cfg.CrashMover.ShutdownTimeout)
			return err
		}
	}

	// Stop taking new crashes first, then drain what was acknowledged.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.CrashMover.ShutdownTimeout)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	if err := a.mover.Stop(a.cfg.CrashMover.ShutdownTimeout); err != nil {
		logger.Error("crash drain failed", "error", err)
		return fmt.Errorf("%w: %v", ErrDrainTimeout, err)
	}

	logger.Info("collector stopped cleanly")
	return nil
}

// close releases backend clients and flushes error reporting.
func (a *App) close() {
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error during shutdown", "error", err)
		}
	}
	errorreport.Flush(2 * time.Second)
}

// newCrashStorage builds the storage backend selected by class.
func newCrashStorage(ctx context.Context, cfg config.CrashStorageConfig) (storage.CrashStorage, error) {
	switch cfg.Class {
	case "s3":
		return s3.New(ctx, s3.Config{
			Bucket:          cfg.BucketName,
			Region:          cfg.Region,
			EndpointURL:     cfg.EndpointURL,
			AccessKey:       cfg.AccessKey,
			SecretAccessKey: cfg.SecretAccessKey,
			Timeout:         cfg.Timeout,
		})
	case "gcs":
		return gcs.New(ctx, gcs.Config{
			Bucket:  cfg.BucketName,
			Timeout: cfg.Timeout,
		})
	case "fs":
		return fs.New(cfg.Root)
	case "noop":
		return storagenoop.New(), nil
	default:
		return nil, fmt.Errorf("unknown crash storage class %q", cfg.Class)
	}
}

// newCrashPublisher builds the publish backend selected by class.
func newCrashPublisher(ctx context.Context, cfg config.CrashPublishConfig) (publish.CrashPublisher, error) {
	switch cfg.Class {
	case "sqs":
		return sqs.New(ctx, sqs.Config{
			QueueName:       cfg.QueueName,
			Region:          cfg.Region,
			EndpointURL:     cfg.EndpointURL,
			AccessKey:       cfg.AccessKey,
			SecretAccessKey: cfg.SecretAccessKey,
			Timeout:         cfg.Timeout,
		})
	case "pubsub":
		return pubsub.New(ctx, pubsub.Config{
			ProjectID: cfg.ProjectID,
			TopicName: cfg.TopicName,
			Timeout:   cfg.Timeout,
		})
	case "noop":
		return publishnoop.New(), nil
	default:
		return nil, fmt.Errorf("unknown crash publish class %q", cfg.Class)
	}
}
