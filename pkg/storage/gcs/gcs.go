// Package gcs is the crash storage backend for Google Cloud Storage. Same
// object layout as the S3 backend; the client honours
// STORAGE_EMULATOR_HOST, so local dev runs against fake-gcs-server without
// code changes.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	gstorage "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"

	"github.com/crashworks/collector/internal/logger"
	"github.com/crashworks/collector/pkg/crash"
	"github.com/crashworks/collector/pkg/storage"
)

// Config holds the GCS backend settings.
type Config struct {
	// Bucket is the bucket crashes are written to. Required.
	Bucket string

	// Timeout bounds each object write.
	Timeout time.Duration
}

// Storage writes crash objects to one GCS bucket.
type Storage struct {
	bucket  *gstorage.BucketHandle
	client  *gstorage.Client
	timeout time.Duration
}

// New builds the GCS client and backend. Credentials come from the
// ambient chain (service account, GOOGLE_APPLICATION_CREDENTIALS, or the
// emulator).
func New(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs storage: bucket name is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	client, err := gstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs storage: building client: %w", err)
	}

	return &Storage{
		bucket:  client.Bucket(cfg.Bucket),
		client:  client,
		timeout: cfg.Timeout,
	}, nil
}

// SaveCrash writes the report's object set. Objects already written
// before a failure stay in place and are overwritten on retry.
func (s *Storage) SaveCrash(ctx context.Context, report *crash.Report) error {
	objects, err := storage.CrashObjects(report)
	if err != nil {
		return err
	}

	for _, object := range objects {
		if err := s.writeObject(ctx, object.Key, object.Body); err != nil {
			return fmt.Errorf("saving %s: %w", object.Key, err)
		}
	}
	return nil
}

// Verify writes a scratch object and deletes it.
func (s *Storage) Verify(ctx context.Context) error {
	key := storage.VerifyKey(uuid.New().String())
	if err := s.writeObject(ctx, key, []byte("verification\n")); err != nil {
		return fmt.Errorf("gcs verification write: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.bucket.Object(key).Delete(callCtx); err != nil {
		logger.Warn("gcs verification cleanup failed", "key", key, "error", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) writeObject(ctx context.Context, key string, body []byte) error {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	w := s.bucket.Object(key).NewWriter(callCtx)
	// Small objects; a single chunk avoids resumable-session overhead.
	w.ChunkSize = 0

	_, writeErr := w.Write(body)
	closeErr := w.Close()

	err := writeErr
	if err == nil {
		err = closeErr
	}
	if err == nil {
		return nil
	}
	if retryable(err) {
		return storage.Transient(err)
	}
	return err
}

// retryable classifies a GCS failure: 5xx and 429 responses and network
// flake are transient.
func retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}
	return false
}
