// Package sqs is the publish backend for Amazon SQS: one SendMessage per
// accepted crash, body equal to the crash identifier.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/smithy-go"

	"github.com/crashworks/collector/pkg/publish"
)

// Config holds the SQS backend settings, bound from the
// CRASHMOVER_CRASHPUBLISH_* environment.
type Config struct {
	// QueueName names the queue; the URL is resolved at construction.
	QueueName string

	// Region for the AWS client.
	Region string

	// EndpointURL points the client at an emulator when set.
	EndpointURL string

	// AccessKey and SecretAccessKey select static credentials; empty means
	// the ambient chain.
	AccessKey       string
	SecretAccessKey string

	// Timeout bounds each SendMessage call.
	Timeout time.Duration
}

// Publisher sends crash identifiers to one SQS queue.
type Publisher struct {
	client   *awssqs.Client
	queueURL string
	timeout  time.Duration
}

// New builds the SQS client and resolves the queue URL. Resolution is the
// only network call; it doubles as an early configuration check but
// Verify remains the startup gate.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("sqs publish: queue name is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
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
		return nil, fmt.Errorf("sqs publish: loading AWS config: %w", err)
	}

	client := awssqs.NewFromConfig(awsCfg, func(o *awssqs.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	})

	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	out, err := client.GetQueueUrl(callCtx, &awssqs.GetQueueUrlInput{
		QueueName: aws.String(cfg.QueueName),
	})
	if err != nil {
		return nil, fmt.Errorf("sqs publish: resolving queue %q: %w", cfg.QueueName, err)
	}

	return &Publisher{
		client:   client,
		queueURL: aws.ToString(out.QueueUrl),
		timeout:  cfg.Timeout,
	}, nil
}

// PublishCrash sends the identifier as the whole message body.
func (p *Publisher) PublishCrash(ctx context.Context, crashID string) error {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.client.SendMessage(callCtx, &awssqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(crashID),
	})
	if err == nil {
		return nil
	}
	if retryable(err) {
		return publish.Transient(err)
	}
	return err
}

// Verify re-resolves the queue URL, proving credentials and queue
// existence without enqueueing anything.
func (p *Publisher) Verify(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.client.GetQueueAttributes(callCtx, &awssqs.GetQueueAttributesInput{
		QueueUrl: aws.String(p.queueURL),
	})
	if err != nil {
		return fmt.Errorf("sqs verification: %w", err)
	}
	return nil
}

// retryable classifies an SQS failure the same way the S3 backend does.
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
		case "Throttling", "ThrottlingException", "RequestThrottled":
			return true
		case "InternalError", "ServiceUnavailable":
			return true
		case "AccessDenied", "InvalidAccessKeyId",
			"AWS.SimpleQueueService.NonExistentQueue":
			return false
		}
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "i/o timeout")
}
