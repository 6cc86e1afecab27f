// Package pubsub is the publish backend for Google Cloud Pub/Sub: one
// message per accepted crash, data equal to the crash identifier. The
// client honours PUBSUB_EMULATOR_HOST for local dev.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/crashworks/collector/pkg/publish"
)

// Config holds the Pub/Sub backend settings.
type Config struct {
	// ProjectID and TopicName identify the topic. Both required.
	ProjectID string
	TopicName string

	// Timeout bounds each publish.
	Timeout time.Duration
}

// Publisher sends crash identifiers to one Pub/Sub topic.
type Publisher struct {
	client  *gpubsub.Client
	topic   *gpubsub.Topic
	timeout time.Duration
}

// New builds the Pub/Sub client. The topic must already exist; Verify
// checks that at startup.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.ProjectID == "" || cfg.TopicName == "" {
		return nil, fmt.Errorf("pubsub publish: project id and topic name are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	client, err := gpubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub publish: building client: %w", err)
	}

	return &Publisher{
		client:  client,
		topic:   client.Topic(cfg.TopicName),
		timeout: cfg.Timeout,
	}, nil
}

// PublishCrash publishes the identifier and waits for the server ack
// within the configured deadline. An unacknowledged publish counts as
// transient; the crash-mover retries and downstream dedups.
func (p *Publisher) PublishCrash(ctx context.Context, crashID string) error {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result := p.topic.Publish(callCtx, &gpubsub.Message{Data: []byte(crashID)})
	if _, err := result.Get(callCtx); err != nil {
		if retryable(err) {
			return publish.Transient(err)
		}
		return err
	}
	return nil
}

// Verify checks the topic exists without publishing.
func (p *Publisher) Verify(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	exists, err := p.topic.Exists(callCtx)
	if err != nil {
		return fmt.Errorf("pubsub verification: %w", err)
	}
	if !exists {
		return fmt.Errorf("pubsub verification: topic %s does not exist", p.topic.ID())
	}
	return nil
}

// Close flushes pending publishes and releases the client.
func (p *Publisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}

// retryable classifies a Pub/Sub failure by gRPC status code.
func retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted,
		codes.Internal, codes.DeadlineExceeded:
		return true
	}
	return false
}
