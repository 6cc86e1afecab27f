package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashworks/collector/internal/versioninfo"
	"github.com/crashworks/collector/pkg/api"
	"github.com/crashworks/collector/pkg/breakpad"
	"github.com/crashworks/collector/pkg/breakpad/minipost"
	"github.com/crashworks/collector/pkg/crash"
	"github.com/crashworks/collector/pkg/crashmover"
	publishnoop "github.com/crashworks/collector/pkg/publish/noop"
	storagenoop "github.com/crashworks/collector/pkg/storage/noop"
	"github.com/crashworks/collector/pkg/throttler"
)

// harness wires a router around noop backends and a started mover so
// submissions run the whole path.
type harness struct {
	router    http.Handler
	mover     *crashmover.Mover
	storage   *storagenoop.Storage
	publisher *publishnoop.Publisher
}

func newHarness(t *testing.T, rules []throttler.Rule) *harness {
	t.Helper()

	thr, err := throttler.New(rules, nil, nil)
	require.NoError(t, err)

	store := storagenoop.New()
	pub := publishnoop.New()
	mover := crashmover.New(crashmover.Config{
		Workers:        2,
		QueueSize:      8,
		EnqueueTimeout: 100 * time.Millisecond,
		RetryAttempts:  1,
		RetryBase:      time.Millisecond,
	}, store, pub, nil)
	mover.Start()
	t.Cleanup(func() {
		_ = mover.Stop(5 * time.Second)
	})

	router := api.NewRouter(api.Deps{
		Parser:    breakpad.New(1<<20, 64<<10),
		Throttler: thr,
		Mover:     mover,
		Storage:   store,
		Publisher: pub,
		Version:   versioninfo.Info{Commit: "abcdef0"},
		DumpField: crash.DefaultDumpField,
	})

	return &harness{router: router, mover: mover, storage: store, publisher: pub}
}

func acceptAll() []throttler.Rule {
	return []throttler.Rule{
		{Name: "accept_everything", Match: throttler.Always(), Result: throttler.Fixed(throttler.Accept)},
	}
}

func (h *harness) post(t *testing.T, payload minipost.Payload) *httptest.ResponseRecorder {
	t.Helper()

	req, err := payload.NewRequest("/submit")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

// waitForSaves polls until the mover has drained count crashes to storage.
func (h *harness) waitForSaves(t *testing.T, count int) []storagenoop.Saved {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if saved := h.storage.Saved(); len(saved) >= count {
			return saved
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d saves", count)
	return nil
}

func TestSubmitAcceptedCrash(t *testing.T) {
	h := newHarness(t, acceptAll())

	rec := h.post(t, minipost.Payload{
		Annotations: map[string]string{"ProductName": "Firefox", "Version": "130.0"},
		Dumps: map[string]minipost.Dump{
			crash.DefaultDumpField: {Filename: "crash.dmp", Body: []byte("MDMP dump bytes")},
		},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))

	crashID, err := minipost.ParseCrashID(rec.Body)
	require.NoError(t, err)
	assert.True(t, crash.ValidateID(crashID), "crash id %q", crashID)

	digit, err := crash.ThrottleFromID(crashID)
	require.NoError(t, err)
	assert.Equal(t, 0, digit)

	saved := h.waitForSaves(t, 1)
	assert.Equal(t, crashID, saved[0].CrashID)
	assert.Equal(t, []string{crashID}, h.publisher.Published())
}

func TestSubmitDeferredCrashIsNotPublished(t *testing.T) {
	h := newHarness(t, []throttler.Rule{
		{Name: "defer_everything", Match: throttler.Always(), Result: throttler.Fixed(throttler.Defer)},
	})

	rec := h.post(t, minipost.Payload{
		Annotations: map[string]string{"ProductName": "Firefox"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	crashID, err := minipost.ParseCrashID(rec.Body)
	require.NoError(t, err)

	digit, err := crash.ThrottleFromID(crashID)
	require.NoError(t, err)
	assert.Equal(t, 1, digit)

	h.waitForSaves(t, 1)
	assert.Empty(t, h.publisher.Published())
}

func TestSubmitRejectedCrash(t *testing.T) {
	h := newHarness(t, []throttler.Rule{
		{Name: "reject_everything", Match: throttler.Always(), Result: throttler.Fixed(throttler.Reject)},
	})

	rec := h.post(t, minipost.Payload{
		Annotations: map[string]string{"ProductName": "Firefox"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Discarded=1\n", rec.Body.String())
	assert.Empty(t, h.storage.Saved())
}

func TestSubmitFakeAcceptReturnsIDButDiscards(t *testing.T) {
	h := newHarness(t, []throttler.Rule{
		{Name: "fake_everything", Match: throttler.Always(), Result: throttler.Fixed(throttler.FakeAccept)},
	})

	rec := h.post(t, minipost.Payload{
		Annotations: map[string]string{"ProductName": "Scraper"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	crashID, err := minipost.ParseCrashID(rec.Body)
	require.NoError(t, err)
	assert.True(t, crash.ValidateID(crashID))

	// Give the mover a moment; the crash must never reach storage.
	require.NoError(t, h.mover.Stop(5*time.Second))
	assert.Empty(t, h.storage.Saved())
}

func TestSubmitMalformedPayload(t *testing.T) {
	h := newHarness(t, acceptAll())

	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader("not multipart"))
	req.Header.Set("Content-Type", "text/plain")
	req.ContentLength = 13

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_content_type", rec.Header().Get("X-Collector-Reason"))
	assert.Equal(t, "bad_content_type\n", rec.Body.String())
}

func TestSubmitAdoptsClientCrashID(t *testing.T) {
	h := newHarness(t, acceptAll())

	// Deferred resubmission: the embedded digit decides the verdict and
	// the random prefix survives.
	clientID := "de1bb258-cbbf-4589-a673-34f802408151"

	rec := h.post(t, minipost.Payload{
		Annotations: map[string]string{
			"ProductName": "Firefox",
			"uuid":        clientID,
		},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	crashID, err := minipost.ParseCrashID(rec.Body)
	require.NoError(t, err)

	assert.Equal(t, clientID[:29], crashID[:29])

	digit, err := crash.ThrottleFromID(crashID)
	require.NoError(t, err)
	assert.Equal(t, 1, digit, "verdict digit adopted from the client id")

	h.waitForSaves(t, 1)
	assert.Empty(t, h.publisher.Published(), "deferred resubmission must not publish")
}

func TestSubmitAlreadyThrottled(t *testing.T) {
	// Rules accept, but the upstream collector already deferred this crash;
	// its decision is adopted and stored with the raw crash.
	h := newHarness(t, acceptAll())

	rec := h.post(t, minipost.Payload{
		Annotations: map[string]string{
			"ProductName":       "Firefox",
			"legacy_processing": "1",
			"throttle_rate":     "10",
		},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	crashID, err := minipost.ParseCrashID(rec.Body)
	require.NoError(t, err)

	digit, err := crash.ThrottleFromID(crashID)
	require.NoError(t, err)
	assert.Equal(t, 1, digit, "upstream defer decides the verdict digit")

	saved := h.waitForSaves(t, 1)
	require.Equal(t, crashID, saved[0].CrashID)
	assert.Empty(t, h.publisher.Published(), "adopted defer must not publish")

	// The adopted decision rides along in the raw crash.
	rawCrash := string(saved[0].Objects[0].Body)
	assert.Contains(t, rawCrash, `"legacy_processing":"1"`)
	assert.Contains(t, rawCrash, `"throttle_rate":"10"`)
}

func TestSubmitRejectedCrashIgnoresClientThrottleData(t *testing.T) {
	// Client-supplied throttle data can flip accept and defer, but it can
	// never resurrect a crash the rules reject.
	h := newHarness(t, []throttler.Rule{
		{Name: "reject_everything", Match: throttler.Always(), Result: throttler.Fixed(throttler.Reject)},
	})

	rec := h.post(t, minipost.Payload{
		Annotations: map[string]string{
			"ProductName": "Firefox",
			"uuid":        "de1bb258-cbbf-4589-a673-34f802408150",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Discarded=1\n", rec.Body.String())

	rec = h.post(t, minipost.Payload{
		Annotations: map[string]string{
			"ProductName":       "Firefox",
			"legacy_processing": "0",
			"throttle_rate":     "100",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Discarded=1\n", rec.Body.String())

	assert.Empty(t, h.storage.Saved())
	assert.Empty(t, h.publisher.Published())
}

func TestSubmitQueueFull(t *testing.T) {
	thr, err := throttler.New(acceptAll(), nil, nil)
	require.NoError(t, err)

	// Unstarted mover with a single slot: the second submission overflows.
	store := storagenoop.New()
	pub := publishnoop.New()
	mover := crashmover.New(crashmover.Config{
		Workers:        1,
		QueueSize:      1,
		EnqueueTimeout: 10 * time.Millisecond,
	}, store, pub, nil)

	router := api.NewRouter(api.Deps{
		Parser:    breakpad.New(1<<20, 64<<10),
		Throttler: thr,
		Mover:     mover,
		Storage:   store,
		Publisher: pub,
		DumpField: crash.DefaultDumpField,
	})

	payload := minipost.Payload{Annotations: map[string]string{"ProductName": "Firefox"}}

	req, err := payload.NewRequest("/submit")
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req, err = payload.NewRequest("/submit")
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Discarded=1\n", rec.Body.String())
}

func TestSubmitGzippedPayload(t *testing.T) {
	h := newHarness(t, acceptAll())

	rec := h.post(t, minipost.Payload{
		Annotations: map[string]string{"ProductName": "Firefox"},
		Dumps: map[string]minipost.Dump{
			crash.DefaultDumpField: {Filename: "crash.dmp", Body: []byte("dump")},
		},
		Gzip: true,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	_, err := minipost.ParseCrashID(rec.Body)
	require.NoError(t, err)
}

func TestSubmitJSONExtraPayload(t *testing.T) {
	h := newHarness(t, acceptAll())

	rec := h.post(t, minipost.Payload{
		Annotations: map[string]string{"ProductName": "Firefox", "Version": "130.0"},
		JSONExtra:   true,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	crashID, err := minipost.ParseCrashID(rec.Body)
	require.NoError(t, err)

	saved := h.waitForSaves(t, 1)
	require.Equal(t, crashID, saved[0].CrashID)
	assert.Contains(t, string(saved[0].Objects[0].Body), `"payload":"json"`)
}
