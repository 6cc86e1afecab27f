// Package config binds the collector's configuration from the process
// environment. Every setting has a default, so a bare `collector serve`
// starts with noop storage and noop publishing; production deployments
// override through environment variables only (no config files).
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the collector's complete static configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (LOGGING_LEVEL, CRASHMOVER_*, BREAKPAD_*, ...)
//  2. Default values
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Host is the listen address for the HTTP server
	Host string `mapstructure:"host" validate:"required"`

	// Port is the listen port for the HTTP server
	Port int `mapstructure:"port" validate:"min=1,max=65535"`

	// HostID identifies this instance in logs and metric tags.
	// Empty means use the hostname.
	HostID string `mapstructure:"host_id"`

	// LocalDevEnv switches on local-development affordances (text logs)
	LocalDevEnv bool `mapstructure:"local_dev_env"`

	// SecretSentryDSN enables Sentry error reporting when non-empty
	SecretSentryDSN string `mapstructure:"secret_sentry_dsn"`

	// Statsd configures the dogstatsd metrics backend
	Statsd StatsdConfig `mapstructure:"statsd"`

	// MetricsEnabled controls the Prometheus /metrics endpoint
	MetricsEnabled bool `mapstructure:"metrics_enabled"`

	// CrashMover configures the worker pool, crash storage, and the
	// downstream publish queue
	CrashMover CrashMoverConfig `mapstructure:"crashmover"`

	// Breakpad configures the submission parser and the throttler
	Breakpad BreakpadConfig `mapstructure:"breakpad"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format.
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
}

// StatsdConfig configures the dogstatsd emission target.
type StatsdConfig struct {
	Host string `mapstructure:"host" validate:"required"`
	Port int    `mapstructure:"port" validate:"min=1,max=65535"`

	// Namespace is prepended to every metric name
	Namespace string `mapstructure:"namespace"`
}

// CrashMoverConfig configures the crash-mover worker pool and its two
// sinks.
type CrashMoverConfig struct {
	// ConcurrentCrashmovers is the worker pool size
	ConcurrentCrashmovers int `mapstructure:"concurrent_crashmovers" validate:"min=1"`

	// MaxQueueSize is the hand-off queue capacity
	MaxQueueSize int `mapstructure:"max_queue_size" validate:"min=1"`

	// EnqueueTimeout bounds how long a submission blocks on a full queue.
	// Zero waits until the client goes away.
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`

	// ShutdownTimeout is the queue drain deadline during shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`

	// RetryAttempts is the retry budget for each save and publish
	RetryAttempts int `mapstructure:"retry_attempts" validate:"min=0"`

	// CrashStorage selects and configures the crash storage backend
	CrashStorage CrashStorageConfig `mapstructure:"crashstorage"`

	// CrashPublish selects and configures the publish backend
	CrashPublish CrashPublishConfig `mapstructure:"crashpublish"`
}

// CrashStorageConfig configures where raw crashes are saved.
type CrashStorageConfig struct {
	// Class selects the backend implementation
	Class string `mapstructure:"class" validate:"oneof=s3 gcs fs noop"`

	// BucketName is the S3/GCS bucket (required for those classes)
	BucketName string `mapstructure:"bucket_name"`

	// EndpointURL points the S3 client at an emulator when set
	EndpointURL string `mapstructure:"endpoint_url"`

	// Region for the S3 client
	Region string `mapstructure:"region"`

	// AccessKey and SecretAccessKey select static S3 credentials;
	// empty means the ambient credential chain
	AccessKey       string `mapstructure:"access_key"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// Root is the directory root for the fs class
	Root string `mapstructure:"root"`

	// Timeout bounds each storage call
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// CrashPublishConfig configures where accepted crash IDs are announced.
type CrashPublishConfig struct {
	// Class selects the backend implementation
	Class string `mapstructure:"class" validate:"oneof=sqs pubsub noop"`

	// Region for the SQS client
	Region string `mapstructure:"region"`

	// AccessKey and SecretAccessKey select static SQS credentials
	AccessKey       string `mapstructure:"access_key"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// EndpointURL points the SQS client at an emulator when set
	EndpointURL string `mapstructure:"endpoint_url"`

	// QueueName is the SQS queue (required for the sqs class)
	QueueName string `mapstructure:"queue_name"`

	// ProjectID and TopicName identify the Pub/Sub topic (required for
	// the pubsub class)
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`

	// SubscriptionName is accepted for deployment parity with consumers;
	// the collector itself never subscribes
	SubscriptionName string `mapstructure:"subscription_name"`

	// Timeout bounds each publish call
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// BreakpadConfig configures crash payload parsing and throttling.
type BreakpadConfig struct {
	// DumpField is the primary minidump field name in submissions
	DumpField string `mapstructure:"dump_field" validate:"required"`

	// ThrottlerRules names the rule set: mozilla or accept_all
	ThrottlerRules string `mapstructure:"throttler_rules" validate:"oneof=mozilla accept_all"`

	// ThrottlerProducts names the allowed product list: mozilla or all
	ThrottlerProducts string `mapstructure:"throttler_products" validate:"oneof=mozilla all"`

	// MaxCrashSize caps the decompressed payload size in bytes
	MaxCrashSize int64 `mapstructure:"max_crash_size" validate:"min=1"`

	// MaxAnnotationSize caps a single annotation value in bytes
	MaxAnnotationSize int `mapstructure:"max_annotation_size" validate:"min=1"`
}

// Load builds the configuration from environment variables over the
// built-in defaults, then validates it.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variables map viper's dotted keys with underscores:
	// crashmover.crashstorage.bucket_name becomes
	// CRASHMOVER_CRASHSTORAGE_BUCKET_NAME. No prefix.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	normalize(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every known key with its default. Registration
// also makes AutomaticEnv pick the key up.
func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8000)
	v.SetDefault("host_id", "")
	v.SetDefault("local_dev_env", false)
	v.SetDefault("secret_sentry_dsn", "")
	v.SetDefault("metrics_enabled", true)

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "json")

	v.SetDefault("statsd.host", "localhost")
	v.SetDefault("statsd.port", 8125)
	v.SetDefault("statsd.namespace", "")

	v.SetDefault("crashmover.concurrent_crashmovers", 8)
	v.SetDefault("crashmover.max_queue_size", 32)
	v.SetDefault("crashmover.enqueue_timeout", time.Duration(0))
	v.SetDefault("crashmover.shutdown_timeout", 30*time.Second)
	v.SetDefault("crashmover.retry_attempts", 5)

	v.SetDefault("crashmover.crashstorage.class", "noop")
	v.SetDefault("crashmover.crashstorage.bucket_name", "")
	v.SetDefault("crashmover.crashstorage.endpoint_url", "")
	v.SetDefault("crashmover.crashstorage.region", "us-west-2")
	v.SetDefault("crashmover.crashstorage.access_key", "")
	v.SetDefault("crashmover.crashstorage.secret_access_key", "")
	v.SetDefault("crashmover.crashstorage.root", "/tmp/crashes")
	v.SetDefault("crashmover.crashstorage.timeout", 10*time.Second)

	v.SetDefault("crashmover.crashpublish.class", "noop")
	v.SetDefault("crashmover.crashpublish.region", "us-west-2")
	v.SetDefault("crashmover.crashpublish.access_key", "")
	v.SetDefault("crashmover.crashpublish.secret_access_key", "")
	v.SetDefault("crashmover.crashpublish.endpoint_url", "")
	v.SetDefault("crashmover.crashpublish.queue_name", "")
	v.SetDefault("crashmover.crashpublish.project_id", "")
	v.SetDefault("crashmover.crashpublish.topic_name", "")
	v.SetDefault("crashmover.crashpublish.subscription_name", "")
	v.SetDefault("crashmover.crashpublish.timeout", 5*time.Second)

	v.SetDefault("breakpad.dump_field", "upload_file_minidump")
	v.SetDefault("breakpad.throttler_rules", "mozilla")
	v.SetDefault("breakpad.throttler_products", "mozilla")
	v.SetDefault("breakpad.max_crash_size", int64(20*1024*1024))
	v.SetDefault("breakpad.max_annotation_size", 1024*1024)
}

// normalize canonicalizes values after binding.
func normalize(cfg *Config) {
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)
	cfg.CrashMover.CrashStorage.Class = strings.ToLower(cfg.CrashMover.CrashStorage.Class)
	cfg.CrashMover.CrashPublish.Class = strings.ToLower(cfg.CrashMover.CrashPublish.Class)
	cfg.Breakpad.ThrottlerRules = strings.ToLower(cfg.Breakpad.ThrottlerRules)
	cfg.Breakpad.ThrottlerProducts = strings.ToLower(cfg.Breakpad.ThrottlerProducts)

	// Local dev reads better in text
	if cfg.LocalDevEnv {
		cfg.Logging.Format = "text"
	}
}

// Validate checks struct tags plus the cross-field requirements the tags
// cannot express: each backend class needs its own settings.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}

	switch cfg.CrashMover.CrashStorage.Class {
	case "s3", "gcs":
		if cfg.CrashMover.CrashStorage.BucketName == "" {
			return fmt.Errorf("%s crash storage requires CRASHMOVER_CRASHSTORAGE_BUCKET_NAME",
				cfg.CrashMover.CrashStorage.Class)
		}
	case "fs":
		if cfg.CrashMover.CrashStorage.Root == "" {
			return fmt.Errorf("fs crash storage requires CRASHMOVER_CRASHSTORAGE_ROOT")
		}
	}

	switch cfg.CrashMover.CrashPublish.Class {
	case "sqs":
		if cfg.CrashMover.CrashPublish.QueueName == "" {
			return fmt.Errorf("sqs crash publish requires CRASHMOVER_CRASHPUBLISH_QUEUE_NAME")
		}
	case "pubsub":
		if cfg.CrashMover.CrashPublish.ProjectID == "" || cfg.CrashMover.CrashPublish.TopicName == "" {
			return fmt.Errorf("pubsub crash publish requires CRASHMOVER_CRASHPUBLISH_PROJECT_ID and CRASHMOVER_CRASHPUBLISH_TOPIC_NAME")
		}
	}

	return nil
}

// configDecodeHooks returns the combined decode hook for custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook converts strings like "30s" or "5m" to
// time.Duration. Bare integers are taken as nanoseconds, matching
// time.Duration's unit, so CRASHMOVER_ENQUEUE_TIMEOUT=0 still works.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return time.Duration(0), nil
			}
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}
