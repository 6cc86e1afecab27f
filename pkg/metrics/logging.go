package metrics

import (
	"time"

	"github.com/crashworks/collector/internal/logger"
)

// logSink prints every emission through the structured logger at debug
// level. Used in local dev to see what the collector would emit without
// running a statsd agent.
type logSink struct{}

func (logSink) Incr(name string, value int64, tags ...string) {
	logger.Debug("metric incr", "name", name, "value", value, "tags", tags)
}

func (logSink) Gauge(name string, value float64, tags ...string) {
	logger.Debug("metric gauge", "name", name, "value", value, "tags", tags)
}

func (logSink) Timing(name string, d time.Duration, tags ...string) {
	logger.Debug("metric timing", "name", name, "ms", float64(d.Microseconds())/1000.0, "tags", tags)
}

func (logSink) Histogram(name string, value float64, tags ...string) {
	logger.Debug("metric histogram", "name", name, "value", value, "tags", tags)
}

func (logSink) Close() error { return nil }
