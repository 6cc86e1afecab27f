package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/crashworks/collector/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Display the effective configuration",
	Long: `Display the configuration the collector would run with: environment
variables applied over the built-in defaults. Secrets are redacted.`,
	RunE: runConfig,
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Setting", "Value"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, row := range configRows(cfg) {
		table.Append(row)
	}

	table.Render()
	return nil
}

// configRows flattens the configuration into display rows, redacting
// credentials.
func configRows(cfg *config.Config) [][]string {
	return [][]string{
		{"HOST", cfg.Host},
		{"PORT", strconv.Itoa(cfg.Port)},
		{"HOST_ID", cfg.HostID},
		{"LOCAL_DEV_ENV", strconv.FormatBool(cfg.LocalDevEnv)},
		{"SECRET_SENTRY_DSN", redact(cfg.SecretSentryDSN)},
		{"LOGGING_LEVEL", cfg.Logging.Level},
		{"LOGGING_FORMAT", cfg.Logging.Format},
		{"STATSD_HOST", cfg.Statsd.Host},
		{"STATSD_PORT", strconv.Itoa(cfg.Statsd.Port)},
		{"STATSD_NAMESPACE", cfg.Statsd.Namespace},
		{"METRICS_ENABLED", strconv.FormatBool(cfg.MetricsEnabled)},
		{"CRASHMOVER_CONCURRENT_CRASHMOVERS", strconv.Itoa(cfg.CrashMover.ConcurrentCrashmovers)},
		{"CRASHMOVER_MAX_QUEUE_SIZE", strconv.Itoa(cfg.CrashMover.MaxQueueSize)},
		{"CRASHMOVER_ENQUEUE_TIMEOUT", cfg.CrashMover.EnqueueTimeout.String()},
		{"CRASHMOVER_SHUTDOWN_TIMEOUT", cfg.CrashMover.ShutdownTimeout.String()},
		{"CRASHMOVER_RETRY_ATTEMPTS", strconv.Itoa(cfg.CrashMover.RetryAttempts)},
		{"CRASHMOVER_CRASHSTORAGE_CLASS", cfg.CrashMover.CrashStorage.Class},
		{"CRASHMOVER_CRASHSTORAGE_BUCKET_NAME", cfg.CrashMover.CrashStorage.BucketName},
		{"CRASHMOVER_CRASHSTORAGE_ENDPOINT_URL", cfg.CrashMover.CrashStorage.EndpointURL},
		{"CRASHMOVER_CRASHSTORAGE_REGION", cfg.CrashMover.CrashStorage.Region},
		{"CRASHMOVER_CRASHSTORAGE_ACCESS_KEY", redact(cfg.CrashMover.CrashStorage.AccessKey)},
		{"CRASHMOVER_CRASHSTORAGE_SECRET_ACCESS_KEY", redact(cfg.CrashMover.CrashStorage.SecretAccessKey)},
		{"CRASHMOVER_CRASHSTORAGE_ROOT", cfg.CrashMover.CrashStorage.Root},
		{"CRASHMOVER_CRASHSTORAGE_TIMEOUT", cfg.CrashMover.CrashStorage.Timeout.String()},
		{"CRASHMOVER_CRASHPUBLISH_CLASS", cfg.CrashMover.CrashPublish.Class},
		{"CRASHMOVER_CRASHPUBLISH_REGION", cfg.CrashMover.CrashPublish.Region},
		{"CRASHMOVER_CRASHPUBLISH_ACCESS_KEY", redact(cfg.CrashMover.CrashPublish.AccessKey)},
		{"CRASHMOVER_CRASHPUBLISH_SECRET_ACCESS_KEY", redact(cfg.CrashMover.CrashPublish.SecretAccessKey)},
		{"CRASHMOVER_CRASHPUBLISH_ENDPOINT_URL", cfg.CrashMover.CrashPublish.EndpointURL},
		{"CRASHMOVER_CRASHPUBLISH_QUEUE_NAME", cfg.CrashMover.CrashPublish.QueueName},
		{"CRASHMOVER_CRASHPUBLISH_PROJECT_ID", cfg.CrashMover.CrashPublish.ProjectID},
		{"CRASHMOVER_CRASHPUBLISH_TOPIC_NAME", cfg.CrashMover.CrashPublish.TopicName},
		{"CRASHMOVER_CRASHPUBLISH_SUBSCRIPTION_NAME", cfg.CrashMover.CrashPublish.SubscriptionName},
		{"CRASHMOVER_CRASHPUBLISH_TIMEOUT", cfg.CrashMover.CrashPublish.Timeout.String()},
		{"BREAKPAD_DUMP_FIELD", cfg.Breakpad.DumpField},
		{"BREAKPAD_THROTTLER_RULES", cfg.Breakpad.ThrottlerRules},
		{"BREAKPAD_THROTTLER_PRODUCTS", cfg.Breakpad.ThrottlerProducts},
		{"BREAKPAD_MAX_CRASH_SIZE", strconv.FormatInt(cfg.Breakpad.MaxCrashSize, 10)},
		{"BREAKPAD_MAX_ANNOTATION_SIZE", strconv.Itoa(cfg.Breakpad.MaxAnnotationSize)},
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "*****"
}
