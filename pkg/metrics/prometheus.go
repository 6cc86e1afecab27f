package metrics

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registry holds every Prometheus instrument the collector creates. It is
// package-global so the /metrics endpoint can serve it regardless of how
// the sink was assembled.
var registry = func() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewGoCollector())
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}()

// Handler returns the Prometheus exposition handler for the collector's
// registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// prometheusSink mirrors the dogstatsd instruments into a Prometheus
// registry. Instruments are created lazily on first emission, keyed by
// metric name plus the sorted set of tag keys; a metric must always be
// emitted with the same tag keys, which holds for every collector metric.
type prometheusSink struct {
	namespace string

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func newPrometheusSink(namespace string) *prometheusSink {
	return &prometheusSink{
		namespace:  sanitizeMetricName(namespace),
		counters:   map[string]*prometheus.CounterVec{},
		gauges:     map[string]*prometheus.GaugeVec{},
		histograms: map[string]*prometheus.HistogramVec{},
	}
}

// sanitizeMetricName maps dogstatsd dotted names onto the Prometheus
// alphabet.
func sanitizeMetricName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// splitTags converts "key:value" tags into parallel label name/value
// slices, sorted by name for a stable vector identity.
func splitTags(tags []string) (names, values []string) {
	if len(tags) == 0 {
		return nil, nil
	}
	pairs := make([][2]string, 0, len(tags))
	for _, tag := range tags {
		k, v, found := strings.Cut(tag, ":")
		if !found {
			v = "true"
		}
		pairs = append(pairs, [2]string{sanitizeMetricName(k), v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][0] < pairs[j][0] })

	names = make([]string, len(pairs))
	values = make([]string, len(pairs))
	for i, p := range pairs {
		names[i] = p[0]
		values[i] = p[1]
	}
	return names, values
}

// register adds a collector to the shared registry. Two sinks in one
// process (tests build several) land on the same instruments, so an
// already-registered collector is reused instead of panicking.
func register[C prometheus.Collector](c C) C {
	err := registry.Register(c)
	if err == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return already.ExistingCollector.(C)
	}
	panic(err)
}

func (p *prometheusSink) fullName(name string) string {
	name = sanitizeMetricName(name)
	if p.namespace != "" {
		return p.namespace + "_" + name
	}
	return name
}

func (p *prometheusSink) counter(name string, labels []string) *prometheus.CounterVec {
	key := name + "|" + strings.Join(labels, ",")
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.counters[key]
	if !ok {
		c = register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: p.fullName(name),
			Help: "Collector counter " + name,
		}, labels))
		p.counters[key] = c
	}
	return c
}

func (p *prometheusSink) gauge(name string, labels []string) *prometheus.GaugeVec {
	key := name + "|" + strings.Join(labels, ",")
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.gauges[key]
	if !ok {
		g = register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: p.fullName(name),
			Help: "Collector gauge " + name,
		}, labels))
		p.gauges[key] = g
	}
	return g
}

func (p *prometheusSink) histogram(name string, labels []string, buckets []float64) *prometheus.HistogramVec {
	key := name + "|" + strings.Join(labels, ",")
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.histograms[key]
	if !ok {
		h = register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    p.fullName(name),
			Help:    "Collector histogram " + name,
			Buckets: buckets,
		}, labels))
		p.histograms[key] = h
	}
	return h
}

// timingBuckets covers the latencies of object-store and publish calls,
// in milliseconds.
var timingBuckets = []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000}

func (p *prometheusSink) Incr(name string, value int64, tags ...string) {
	labels, values := splitTags(tags)
	p.counter(name, labels).WithLabelValues(values...).Add(float64(value))
}

func (p *prometheusSink) Gauge(name string, value float64, tags ...string) {
	labels, values := splitTags(tags)
	p.gauge(name, labels).WithLabelValues(values...).Set(value)
}

func (p *prometheusSink) Timing(name string, d time.Duration, tags ...string) {
	labels, values := splitTags(tags)
	ms := float64(d.Microseconds()) / 1000.0
	p.histogram(name, labels, timingBuckets).WithLabelValues(values...).Observe(ms)
}

func (p *prometheusSink) Histogram(name string, value float64, tags ...string) {
	labels, values := splitTags(tags)
	p.histogram(name, labels, prometheus.DefBuckets).WithLabelValues(values...).Observe(value)
}

func (p *prometheusSink) Close() error {
	return nil
}
