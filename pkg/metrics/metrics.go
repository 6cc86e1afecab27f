// Package metrics provides the collector's metric facade: dogstatsd-style
// counters, gauges, and timers with "key:value" tags, fanned out to one or
// more backends. The statsd backend emits to a dogstatsd agent; the
// Prometheus backend keeps the same instruments in a registry served at
// /metrics; the logging backend prints each emission for local dev.
package metrics

import (
	"fmt"
	"time"
)

// Sink receives metric emissions. Implementations must be safe for
// concurrent use.
type Sink interface {
	// Incr increments the named counter by value.
	Incr(name string, value int64, tags ...string)

	// Gauge sets the named gauge to value.
	Gauge(name string, value float64, tags ...string)

	// Timing records a duration for the named timer.
	Timing(name string, d time.Duration, tags ...string)

	// Histogram records a value distribution (payload sizes and the like).
	Histogram(name string, value float64, tags ...string)

	// Close flushes and releases the backend.
	Close() error
}

// Config selects and configures the metric backends.
type Config struct {
	// Statsd backend; disabled when Host is empty.
	StatsdHost      string
	StatsdPort      int
	StatsdNamespace string

	// Prometheus registry backend.
	PrometheusEnabled bool

	// LogEmissions prints every emission through the logger. Local dev only.
	LogEmissions bool
}

// New builds a Sink from configuration. With no backend configured it
// returns a no-op sink, so call sites never need a nil check.
func New(cfg Config) (Sink, error) {
	var sinks []Sink

	if cfg.StatsdHost != "" {
		s, err := newStatsdSink(cfg.StatsdHost, cfg.StatsdPort, cfg.StatsdNamespace)
		if err != nil {
			return nil, fmt.Errorf("statsd backend: %w", err)
		}
		sinks = append(sinks, s)
	}
	if cfg.PrometheusEnabled {
		sinks = append(sinks, newPrometheusSink(cfg.StatsdNamespace))
	}
	if cfg.LogEmissions {
		sinks = append(sinks, logSink{})
	}

	switch len(sinks) {
	case 0:
		return NopSink{}, nil
	case 1:
		return sinks[0], nil
	default:
		return multiSink(sinks), nil
	}
}

// NopSink discards every emission.
type NopSink struct{}

func (NopSink) Incr(string, int64, ...string)           {}
func (NopSink) Gauge(string, float64, ...string)        {}
func (NopSink) Timing(string, time.Duration, ...string) {}
func (NopSink) Histogram(string, float64, ...string)    {}
func (NopSink) Close() error                            { return nil }

// multiSink fans every emission out to all backends.
type multiSink []Sink

func (m multiSink) Incr(name string, value int64, tags ...string) {
	for _, s := range m {
		s.Incr(name, value, tags...)
	}
}

func (m multiSink) Gauge(name string, value float64, tags ...string) {
	for _, s := range m {
		s.Gauge(name, value, tags...)
	}
}

func (m multiSink) Timing(name string, d time.Duration, tags ...string) {
	for _, s := range m {
		s.Timing(name, d, tags...)
	}
}

func (m multiSink) Histogram(name string, value float64, tags ...string) {
	for _, s := range m {
		s.Histogram(name, value, tags...)
	}
}

func (m multiSink) Close() error {
	var firstErr error
	for _, s := range m {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
