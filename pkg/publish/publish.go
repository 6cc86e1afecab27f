// Package publish defines the crash publish capability: announcing an
// accepted crash's identifier to the downstream processing pipeline. The
// message body is the bare 36-character identifier; processors look up
// everything else in crash storage.
package publish

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// CrashPublisher announces crash identifiers downstream.
//
// PublishCrash sends one identifier; delivery is at-least-once, with the
// crash-mover retrying transient failures. Verify proves the queue or
// topic is reachable at startup without sending a message.
type CrashPublisher interface {
	PublishCrash(ctx context.Context, crashID string) error
	Verify(ctx context.Context) error
}

// TransientError marks a publish failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient publish error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is worth retrying. Deadline overruns
// count: the per-call timeout is the main way a slow queue shows up.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
