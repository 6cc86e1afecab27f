// Package crashmover moves accepted crashes from the submit handler's
// hand-off queue to durable storage and the downstream queue. It is the
// decoupling that lets the collector acknowledge a crash in milliseconds
// while the actual fan-out happens on a fixed pool of workers.
//
// The hand-off queue is a bounded channel; a full queue blocks the submit
// handler, which is the collector's only backpressure mechanism. Workers
// save to crash storage first, then publish the identifier, each with
// bounded retry. A crash that exhausts its save retries is dropped; a
// crash that saves but cannot publish stays saved and a reaper reconciles
// it later, outside this process.
package crashmover

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/crashworks/collector/internal/errorreport"
	"github.com/crashworks/collector/internal/logger"
	"github.com/crashworks/collector/pkg/crash"
	"github.com/crashworks/collector/pkg/metrics"
	"github.com/crashworks/collector/pkg/publish"
	"github.com/crashworks/collector/pkg/storage"
	"github.com/crashworks/collector/pkg/throttler"
)

// ErrQueueFull is returned by Enqueue when the hand-off queue stays full
// past the enqueue deadline. The submit handler maps it to a 503.
var ErrQueueFull = errors.New("crashmover: hand-off queue full")

// Config holds the mover settings, bound from the CRASHMOVER_*
// environment.
type Config struct {
	// Workers is the number of concurrent crash-mover workers.
	// Default: 8.
	Workers int

	// QueueSize is the hand-off queue capacity. Default: 4x Workers.
	QueueSize int

	// EnqueueTimeout bounds how long Enqueue blocks on a full queue.
	// Zero means wait until the request context is cancelled.
	EnqueueTimeout time.Duration

	// RetryAttempts is how many times a failed save or publish is retried
	// after the initial attempt. Default: 5.
	RetryAttempts int

	// RetryBase is the first backoff interval; each retry doubles it.
	// Default: 100ms. Tests shrink it.
	RetryBase time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4 * c.Workers
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
}

// outcome is the terminal state of one crash inside the mover.
type outcome int

const (
	outcomeDone outcome = iota
	outcomeDiscarded
	outcomeDroppedSave
	outcomeDroppedPublish
)

// Mover runs the worker pool over the hand-off queue.
type Mover struct {
	cfg       Config
	storage   storage.CrashStorage
	publisher publish.CrashPublisher
	stats     metrics.Sink

	queue     chan *crash.Report
	wg        sync.WaitGroup
	stopCh    chan struct{}
	stoppedCh chan struct{}

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once

	// observe, when set, is called with every crash's terminal state.
	// Tests use it; production leaves it nil.
	observe func(*crash.Report, outcome)
}

// New builds a stopped Mover. Call Start to run the workers.
func New(cfg Config, store storage.CrashStorage, publisher publish.CrashPublisher, stats metrics.Sink) *Mover {
	cfg.applyDefaults()
	if stats == nil {
		stats = metrics.NopSink{}
	}

	return &Mover{
		cfg:       cfg,
		storage:   store,
		publisher: publisher,
		stats:     stats,
		queue:     make(chan *crash.Report, cfg.QueueSize),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start launches the worker pool. Idempotent.
func (m *Mover) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	logger.Info("starting crashmover", "workers", m.cfg.Workers, "queue_size", m.cfg.QueueSize)

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}

	go func() {
		m.wg.Wait()
		close(m.stoppedCh)
	}()
}

// Enqueue hands a crash to the worker pool. It blocks while the queue is
// full, up to the configured enqueue deadline or the request context,
// whichever ends first. The crash belongs to the mover once Enqueue
// returns nil.
func (m *Mover) Enqueue(ctx context.Context, report *crash.Report) error {
	var deadline <-chan time.Time
	if m.cfg.EnqueueTimeout > 0 {
		timer := time.NewTimer(m.cfg.EnqueueTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case m.queue <- report:
		m.stats.Gauge("work_queue_size", float64(len(m.queue)))
		return nil
	case <-deadline:
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth returns how many crashes are waiting for a worker.
func (m *Mover) QueueDepth() int {
	return len(m.queue)
}

// Stop drains the hand-off queue and waits for in-flight work, up to
// timeout. On a clean drain it returns nil; otherwise it returns an error
// carrying the number of crashes still queued. Safe to call repeatedly.
func (m *Mover) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.stopOnce.Do(func() {
		logger.Info("stopping crashmover", "queued", len(m.queue))
		close(m.stopCh)
	})

	select {
	case <-m.stoppedCh:
		logger.Info("crashmover drained")
		return nil
	case <-time.After(timeout):
		remaining := len(m.queue)
		logger.Error("crashmover drain deadline exceeded", "remaining", remaining)
		return fmt.Errorf("crashmover: drain deadline exceeded with %d crashes queued", remaining)
	}
}

// worker consumes the hand-off queue until stopped, then drains whatever
// is left.
func (m *Mover) worker(id int) {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopCh:
			m.drain(id)
			return
		case report := <-m.queue:
			m.stats.Gauge("work_queue_size", float64(len(m.queue)))
			m.handle(id, report)
		}
	}
}

// drain empties the queue during shutdown without blocking on it.
func (m *Mover) drain(id int) {
	for {
		select {
		case report := <-m.queue:
			m.handle(id, report)
		default:
			return
		}
	}
}

// handle processes one crash to a terminal state, isolating panics so a
// poisoned crash cannot take the worker down with it.
func (m *Mover) handle(id int, report *crash.Report) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.stats.Incr("worker_panic.count", 1)
			errorreport.CapturePanic(recovered)
			logger.Error("crashmover worker panic; crash dropped",
				"worker", id, "crash_id", report.ID, "panic", recovered)
		}
	}()

	m.process(report)
}

// process drives one crash through save and publish.
func (m *Mover) process(report *crash.Report) {
	// The client was already answered; downstream deadlines are the only
	// cancellation that applies from here on.
	ctx := context.Background()

	if report.Verdict == throttler.FakeAccept {
		logger.Info("fake accept; crash discarded", "crash_id", report.ID)
		m.finish(report, outcomeDiscarded)
		return
	}

	saveStart := time.Now()
	err := m.withRetry(ctx, report, "save", func() error {
		return m.storage.SaveCrash(ctx, report)
	}, storage.IsTransient)
	m.stats.Timing("crash_save.time", time.Since(saveStart))

	if err != nil {
		m.stats.Incr("save_crash_dropped.count", 1)
		logger.Error("crash dropped: save failed", "crash_id", report.ID, "error", err)
		m.finish(report, outcomeDroppedSave)
		return
	}
	m.stats.Incr("save_crash.count", 1)

	if report.Verdict == throttler.Accept {
		publishStart := time.Now()
		err = m.withRetry(ctx, report, "publish", func() error {
			return m.publisher.PublishCrash(ctx, report.ID)
		}, publish.IsTransient)
		m.stats.Timing("crash_publish.time", time.Since(publishStart))

		if err != nil {
			// The crash is saved but unannounced; the reaper reconciles
			// unpublished saves out of band.
			m.stats.Incr("publish_crash_dropped.count", 1)
			logger.Error("crash saved but publish failed", "crash_id", report.ID, "error", err)
			m.finish(report, outcomeDroppedPublish)
			return
		}
	}

	m.stats.Timing("crash_handling.time", time.Since(report.ReceivedAt))
	logger.Info("crash saved", "crash_id", report.ID)
	m.finish(report, outcomeDone)
}

// finish is the terminal-state hook; tests override observe to assert on
// outcomes.
func (m *Mover) finish(report *crash.Report, result outcome) {
	if m.observe != nil {
		m.observe(report, result)
	}
}

// withRetry runs op, retrying transient failures with exponential backoff
// and ±10% jitter. Permanent failures abort immediately.
func (m *Mover) withRetry(ctx context.Context, report *crash.Report, what string, op func() error, transient func(error) bool) error {
	var lastErr error

	for attempt := 0; attempt <= m.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := jitter(m.cfg.RetryBase << (attempt - 1))
			logger.Debug("retrying", "what", what, "crash_id", report.ID,
				"attempt", attempt, "backoff", backoff)
			report.AddNote(fmt.Sprintf("%s retry %d", what, attempt))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !transient(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", what, m.cfg.RetryAttempts+1, lastErr)
}

// jitter spreads a backoff interval by ±10% so workers retrying against
// the same struggling backend don't synchronise.
func jitter(d time.Duration) time.Duration {
	spread := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(d) * spread)
}
