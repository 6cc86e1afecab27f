package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crashworks/collector/internal/app"
	"github.com/crashworks/collector/internal/logger"
	"github.com/crashworks/collector/internal/versioninfo"
	"github.com/crashworks/collector/pkg/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collector",
	Long: `Run the collector: verify the storage and publish backends, then
serve crash submissions until SIGTERM or SIGINT.

On shutdown the collector stops accepting connections first, then drains
the hand-off queue within CRASHMOVER_SHUTDOWN_TIMEOUT.

Examples:
  # Local dev: noop backends, text logs
  LOCAL_DEV_ENV=true collector serve

  # Against minio and a local SQS emulator
  CRASHMOVER_CRASHSTORAGE_CLASS=s3 \
  CRASHMOVER_CRASHSTORAGE_BUCKET_NAME=crashes \
  CRASHMOVER_CRASHSTORAGE_ENDPOINT_URL=http://localhost:9000 \
  CRASHMOVER_CRASHPUBLISH_CLASS=sqs \
  CRASHMOVER_CRASHPUBLISH_QUEUE_NAME=crash-ids \
  collector serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	if err := initLogger(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	logger.Info("collector starting",
		"version", Version, "commit", Commit,
		"storage", cfg.CrashMover.CrashStorage.Class,
		"publish", cfg.CrashMover.CrashPublish.Class,
	)

	version, err := versioninfo.Load("")
	if err != nil {
		logger.Warn("version document unreadable", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, version)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	return a.Run(ctx)
}

// initLogger configures the process logger from config.
func initLogger(cfg *config.Config) error {
	hostID := cfg.HostID
	if hostID == "" {
		hostID, _ = os.Hostname()
	}

	return logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: "stdout",
		HostID: hostID,
	})
}
