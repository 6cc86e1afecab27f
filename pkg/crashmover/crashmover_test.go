package crashmover

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crashworks/collector/pkg/crash"
	"github.com/crashworks/collector/pkg/publish"
	"github.com/crashworks/collector/pkg/storage"
	"github.com/crashworks/collector/pkg/throttler"
)

// scriptedStorage fails with the scripted errors in order, then succeeds.
type scriptedStorage struct {
	mu     sync.Mutex
	script []error
	calls  int
	saved  []string
	panics bool
}

func (s *scriptedStorage) SaveCrash(_ context.Context, report *crash.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.panics {
		s.panics = false
		panic("scripted storage panic")
	}

	s.calls++
	if len(s.script) > 0 {
		err := s.script[0]
		s.script = s.script[1:]
		if err != nil {
			return err
		}
	}
	s.saved = append(s.saved, report.ID)
	return nil
}

func (s *scriptedStorage) Verify(context.Context) error { return nil }

func (s *scriptedStorage) savedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.saved...)
}

// scriptedPublisher mirrors scriptedStorage for the publish side.
type scriptedPublisher struct {
	mu        sync.Mutex
	script    []error
	published []string
}

func (p *scriptedPublisher) PublishCrash(_ context.Context, crashID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.script) > 0 {
		err := p.script[0]
		p.script = p.script[1:]
		if err != nil {
			return err
		}
	}
	p.published = append(p.published, crashID)
	return nil
}

func (p *scriptedPublisher) Verify(context.Context) error { return nil }

func (p *scriptedPublisher) publishedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}

const testCrashID = "de1bb258-cbbf-4589-a673-34f801809180"

func testReport(verdict throttler.Verdict) *crash.Report {
	report := crash.NewReport(time.Now())
	report.ID = testCrashID
	report.Verdict = verdict
	report.Annotations["ProductName"] = "Firefox"
	return report
}

// runOne processes a single report synchronously through an unstarted
// mover and returns its terminal outcome.
func runOne(t *testing.T, m *Mover, report *crash.Report) outcome {
	t.Helper()

	var (
		got  outcome
		seen bool
	)
	m.observe = func(_ *crash.Report, result outcome) {
		got = result
		seen = true
	}
	m.process(report)
	if !seen {
		t.Fatal("process finished without reaching a terminal state")
	}
	return got
}

func fastConfig() Config {
	return Config{Workers: 1, QueueSize: 4, RetryAttempts: 2, RetryBase: time.Millisecond}
}

func TestAcceptSavesAndPublishes(t *testing.T) {
	store := &scriptedStorage{}
	pub := &scriptedPublisher{}
	m := New(fastConfig(), store, pub, nil)

	if got := runOne(t, m, testReport(throttler.Accept)); got != outcomeDone {
		t.Errorf("outcome = %v, want done", got)
	}
	if ids := store.savedIDs(); len(ids) != 1 || ids[0] != testCrashID {
		t.Errorf("saved = %v", ids)
	}
	if ids := pub.publishedIDs(); len(ids) != 1 || ids[0] != testCrashID {
		t.Errorf("published = %v", ids)
	}
}

func TestDeferSavesWithoutPublishing(t *testing.T) {
	store := &scriptedStorage{}
	pub := &scriptedPublisher{}
	m := New(fastConfig(), store, pub, nil)

	if got := runOne(t, m, testReport(throttler.Defer)); got != outcomeDone {
		t.Errorf("outcome = %v, want done", got)
	}
	if len(store.savedIDs()) != 1 {
		t.Error("deferred crash not saved")
	}
	if len(pub.publishedIDs()) != 0 {
		t.Error("deferred crash was published")
	}
}

func TestFakeAcceptDiscards(t *testing.T) {
	store := &scriptedStorage{}
	pub := &scriptedPublisher{}
	m := New(fastConfig(), store, pub, nil)

	if got := runOne(t, m, testReport(throttler.FakeAccept)); got != outcomeDiscarded {
		t.Errorf("outcome = %v, want discarded", got)
	}
	if store.calls != 0 {
		t.Error("fake-accepted crash hit storage")
	}
}

func TestSaveTransientErrorIsRetried(t *testing.T) {
	store := &scriptedStorage{script: []error{
		storage.Transient(errors.New("500")),
		storage.Transient(errors.New("500")),
	}}
	pub := &scriptedPublisher{}
	m := New(fastConfig(), store, pub, nil)

	if got := runOne(t, m, testReport(throttler.Accept)); got != outcomeDone {
		t.Errorf("outcome = %v, want done", got)
	}
	if store.calls != 3 {
		t.Errorf("storage calls = %d, want 3", store.calls)
	}
	if len(pub.publishedIDs()) != 1 {
		t.Error("crash not published after retried save")
	}
}

func TestSavePermanentErrorDropsImmediately(t *testing.T) {
	store := &scriptedStorage{script: []error{errors.New("access denied")}}
	pub := &scriptedPublisher{}
	m := New(fastConfig(), store, pub, nil)

	if got := runOne(t, m, testReport(throttler.Accept)); got != outcomeDroppedSave {
		t.Errorf("outcome = %v, want dropped save", got)
	}
	if store.calls != 1 {
		t.Errorf("storage calls = %d, want 1 (no retry on permanent error)", store.calls)
	}
	if len(pub.publishedIDs()) != 0 {
		t.Error("dropped crash was published")
	}
}

func TestSaveRetriesExhausted(t *testing.T) {
	transient := storage.Transient(errors.New("503"))
	store := &scriptedStorage{script: []error{transient, transient, transient}}
	pub := &scriptedPublisher{}
	m := New(fastConfig(), store, pub, nil) // 2 retries -> 3 attempts

	if got := runOne(t, m, testReport(throttler.Accept)); got != outcomeDroppedSave {
		t.Errorf("outcome = %v, want dropped save", got)
	}
	if store.calls != 3 {
		t.Errorf("storage calls = %d, want 3", store.calls)
	}
}

func TestPublishFailureKeepsSave(t *testing.T) {
	store := &scriptedStorage{}
	pub := &scriptedPublisher{script: []error{
		publish.Transient(errors.New("down")),
		publish.Transient(errors.New("down")),
		publish.Transient(errors.New("down")),
	}}
	m := New(fastConfig(), store, pub, nil)

	if got := runOne(t, m, testReport(throttler.Accept)); got != outcomeDroppedPublish {
		t.Errorf("outcome = %v, want dropped publish", got)
	}
	if len(store.savedIDs()) != 1 {
		t.Error("save was lost when publish failed")
	}
}

func TestEnqueueBackpressure(t *testing.T) {
	// No workers running: the queue fills and stays full.
	m := New(Config{Workers: 1, QueueSize: 2, EnqueueTimeout: 20 * time.Millisecond},
		&scriptedStorage{}, &scriptedPublisher{}, nil)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := m.Enqueue(ctx, testReport(throttler.Accept)); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}

	err := m.Enqueue(ctx, testReport(throttler.Accept))
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("third enqueue = %v, want ErrQueueFull", err)
	}
	if depth := m.QueueDepth(); depth != 2 {
		t.Errorf("queue depth = %d, want 2", depth)
	}
}

func TestEnqueueHonoursContext(t *testing.T) {
	m := New(Config{Workers: 1, QueueSize: 1}, &scriptedStorage{}, &scriptedPublisher{}, nil)

	if err := m.Enqueue(context.Background(), testReport(throttler.Accept)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Enqueue(ctx, testReport(throttler.Accept)); !errors.Is(err, context.Canceled) {
		t.Errorf("enqueue on cancelled context = %v, want context.Canceled", err)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	store := &scriptedStorage{}
	pub := &scriptedPublisher{}
	m := New(Config{Workers: 2, QueueSize: 8, RetryAttempts: 1, RetryBase: time.Millisecond},
		store, pub, nil)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := m.Enqueue(ctx, testReport(throttler.Accept)); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}

	m.Start()
	if err := m.Stop(5 * time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if got := len(store.savedIDs()); got != 5 {
		t.Errorf("saved %d crashes, want 5", got)
	}
	if m.QueueDepth() != 0 {
		t.Errorf("queue depth after drain = %d", m.QueueDepth())
	}
}

func TestStopReportsUndrainedQueue(t *testing.T) {
	// Storage blocks forever, so queued crashes cannot drain.
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	store := blockingStorage{block: block}

	m := New(Config{Workers: 1, QueueSize: 4}, store, &scriptedPublisher{}, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := m.Enqueue(ctx, testReport(throttler.Accept)); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}

	m.Start()
	if err := m.Stop(50 * time.Millisecond); err == nil {
		t.Error("Stop succeeded with an undrainable queue, want drain error")
	}
}

type blockingStorage struct {
	block chan struct{}
}

func (b blockingStorage) SaveCrash(context.Context, *crash.Report) error {
	<-b.block
	return nil
}

func (b blockingStorage) Verify(context.Context) error { return nil }

func TestWorkerPanicIsolation(t *testing.T) {
	store := &scriptedStorage{panics: true}
	pub := &scriptedPublisher{}
	m := New(Config{Workers: 1, QueueSize: 4, RetryAttempts: 1, RetryBase: time.Millisecond},
		store, pub, nil)

	ctx := context.Background()
	if err := m.Enqueue(ctx, testReport(throttler.Accept)); err != nil {
		t.Fatal(err)
	}
	if err := m.Enqueue(ctx, testReport(throttler.Accept)); err != nil {
		t.Fatal(err)
	}

	m.Start()
	if err := m.Stop(5 * time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// First crash panicked and was dropped; the worker survived to save
	// the second.
	if got := len(store.savedIDs()); got != 1 {
		t.Errorf("saved %d crashes after panic, want 1", got)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	if cfg.Workers != 8 || cfg.QueueSize != 32 || cfg.RetryAttempts != 5 || cfg.RetryBase != 100*time.Millisecond {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestJitterStaysWithinSpread(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 100; i++ {
		d := jitter(base)
		if d < 90*time.Millisecond || d > 110*time.Millisecond {
			t.Fatalf("jitter(%v) = %v, outside +-10%%", base, d)
		}
	}
}
