package metrics

import (
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// statsdSink emits to a dogstatsd agent over UDP. Emission failures are
// silently dropped; metrics are best-effort by design and the client
// buffers internally.
type statsdSink struct {
	client *statsd.Client
}

func newStatsdSink(host string, port int, namespace string) (*statsdSink, error) {
	opts := []statsd.Option{}
	if namespace != "" {
		opts = append(opts, statsd.WithNamespace(namespace))
	}

	client, err := statsd.New(fmt.Sprintf("%s:%d", host, port), opts...)
	if err != nil {
		return nil, err
	}
	return &statsdSink{client: client}, nil
}

func (s *statsdSink) Incr(name string, value int64, tags ...string) {
	_ = s.client.Count(name, value, tags, 1)
}

func (s *statsdSink) Gauge(name string, value float64, tags ...string) {
	_ = s.client.Gauge(name, value, tags, 1)
}

func (s *statsdSink) Timing(name string, d time.Duration, tags ...string) {
	_ = s.client.Timing(name, d, tags, 1)
}

func (s *statsdSink) Histogram(name string, value float64, tags ...string) {
	_ = s.client.Histogram(name, value, tags, 1)
}

func (s *statsdSink) Close() error {
	return s.client.Close()
}
