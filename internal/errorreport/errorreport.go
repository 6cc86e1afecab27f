// Package errorreport wires the collector to Sentry. With no DSN
// configured every call is a no-op, so call sites never branch on whether
// reporting is enabled.
package errorreport

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/crashworks/collector/internal/logger"
)

// Config controls Sentry reporting.
type Config struct {
	// DSN enables reporting when non-empty.
	DSN string

	// Release tags every event, normally the deployed commit.
	Release string

	// HostID identifies this replica.
	HostID string
}

var enabled bool

// Init configures the Sentry client. Returns an error only on a malformed
// DSN; an empty DSN disables reporting silently.
func Init(cfg Config) error {
	if cfg.DSN == "" {
		logger.Info("error reporting disabled: no DSN configured")
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:        cfg.DSN,
		Release:    cfg.Release,
		ServerName: cfg.HostID,
	})
	if err != nil {
		return fmt.Errorf("initializing sentry: %w", err)
	}

	enabled = true
	logger.Info("error reporting enabled")
	return nil
}

// CaptureError reports err with a short description of where it happened.
func CaptureError(err error) {
	if !enabled || err == nil {
		return
	}
	sentry.CaptureException(err)
}

// CapturePanic reports a recovered panic value.
func CapturePanic(recovered any) {
	if !enabled {
		return
	}
	sentry.CurrentHub().Recover(recovered)
}

// Flush drains buffered events before process exit.
func Flush(timeout time.Duration) {
	if !enabled {
		return
	}
	sentry.Flush(timeout)
}
