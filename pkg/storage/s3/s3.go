// Package s3 is the crash storage backend for Amazon S3 and S3-compatible
// stores (minio, localstack). One PutObject per crash object; overwrites
// are the idempotency mechanism, so a retried save simply re-puts.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/crashworks/collector/internal/logger"
	"github.com/crashworks/collector/pkg/crash"
	"github.com/crashworks/collector/pkg/storage"
)

// Config holds the S3 backend settings, bound from the
// CRASHMOVER_CRASHSTORAGE_* environment.
type Config struct {
	// Bucket is the bucket crashes are written to. Required; the bucket
	// must already exist.
	Bucket string

	// Region for the AWS client.
	Region string

	// EndpointURL points the client at an S3-compatible emulator when set.
	EndpointURL string

	// AccessKey and SecretAccessKey select static credentials. When empty
	// the SDK's ambient credential chain applies (instance role, env).
	AccessKey       string
	SecretAccessKey string

	// Timeout bounds each PutObject call.
	Timeout time.Duration
}

// Storage writes crash objects to one S3 bucket.
type Storage struct {
	client  *awss3.Client
	bucket  string
	timeout time.Duration
}

// New builds the S3 client and backend. It does not touch the network;
// reachability is proven by Verify at startup.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 storage: bucket name is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 storage: loading AWS config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			// Emulators route by path, not virtual host.
			o.UsePathStyle = true
		}
	})

	return &Storage{
		client:  client,
		bucket:  cfg.Bucket,
		timeout: cfg.Timeout,
	}, nil
}

// SaveCrash writes the report's object set. The first failing put aborts
// the save; objects already written stay in place and are overwritten on
// retry.
func (s *Storage) SaveCrash(ctx context.Context, report *crash.Report) error {
	objects, err := storage.CrashObjects(report)
	if err != nil {
		return err
	}

	for _, object := range objects {
		if err := s.putObject(ctx, object.Key, object.Body); err != nil {
			return fmt.Errorf("saving %s: %w", object.Key, err)
		}
	}
	return nil
}

// Verify writes a scratch object and deletes it, proving credentials,
// bucket existence, and write capability in one pass.
func (s *Storage) Verify(ctx context.Context) error {
	key := storage.VerifyKey(uuid.New().String())
	if err := s.putObject(ctx, key, []byte("verification\n")); err != nil {
		return fmt.Errorf("s3 verification write: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.client.DeleteObject(callCtx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		// The scratch object stays behind, which is harmless; a failed
		// delete still proves write capability.
		logger.Warn("s3 verification cleanup failed", "key", key, "error", err)
	}
	return nil
}

func (s *Storage) putObject(ctx context.Context, key string, body []byte) error {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.PutObject(callCtx, &awss3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err == nil {
		return nil
	}
	if retryable(err) {
		return storage.Transient(err)
	}
	return err
}

// retryable classifies an S3 failure. Throttling, 5xx, and network flake
// are worth retrying; everything else (bad credentials, missing bucket)
// will not heal on its own.
func retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestThrottled", "SlowDown":
			return true
		case "InternalError", "ServiceUnavailable":
			return true
		case "AccessDenied", "Forbidden", "NoSuchBucket", "InvalidAccessKeyId",
			"SignatureDoesNotMatch":
			return false
		}
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "i/o timeout")
}
