// Package handlers holds the collector's HTTP handlers: the Breakpad
// submission endpoint and the Dockerflow health endpoints.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/crashworks/collector/internal/logger"
	"github.com/crashworks/collector/pkg/breakpad"
	"github.com/crashworks/collector/pkg/crash"
	"github.com/crashworks/collector/pkg/crashmover"
	"github.com/crashworks/collector/pkg/metrics"
	"github.com/crashworks/collector/pkg/throttler"
)

// Annotations carrying a throttle decision. An upstream collector sets
// them on the way in; this collector overwrites them with its own verdict
// and rate so downstream processors always see the final decision.
const (
	annotationLegacyProcessing = "legacy_processing"
	annotationThrottleRate     = "throttle_rate"
)

// discardedBody is the response body for crashes the client should not
// resubmit: rejects and queue overflows.
const discardedBody = "Discarded=1\n"

// SubmitDeps carries the submit handler's collaborators.
type SubmitDeps struct {
	Parser    *breakpad.Parser
	Throttler *throttler.Throttler
	Mover     *crashmover.Mover
	Stats     metrics.Sink
	DumpField string
}

// SubmitHandler handles POST /submit, the Breakpad crash submission
// endpoint. It parses, throttles, and assigns an identifier inline, then
// hands the crash to the mover and answers the client without waiting for
// storage.
type SubmitHandler struct {
	parser    *breakpad.Parser
	throttler *throttler.Throttler
	mover     *crashmover.Mover
	stats     metrics.Sink
	dumpField string
}

// NewSubmitHandler creates the submission handler.
func NewSubmitHandler(deps SubmitDeps) *SubmitHandler {
	stats := deps.Stats
	if stats == nil {
		stats = metrics.NopSink{}
	}
	dumpField := deps.DumpField
	if dumpField == "" {
		dumpField = crash.DefaultDumpField
	}

	return &SubmitHandler{
		parser:    deps.Parser,
		throttler: deps.Throttler,
		mover:     deps.Mover,
		stats:     stats,
		dumpField: dumpField,
	}
}

// Submit handles POST /submit.
func (h *SubmitHandler) Submit(w http.ResponseWriter, r *http.Request) {
	receivedAt := time.Now().UTC()

	report, err := h.parser.Parse(r, receivedAt)
	if err != nil {
		h.rejectMalformed(w, err)
		return
	}

	h.stats.Histogram("crash_size", float64(report.PayloadSize),
		"payload:"+report.PayloadKind,
		"compressed:"+strconv.FormatBool(report.PayloadCompressed))

	report.Cleanup()
	h.stats.Incr("incoming_crash", 1)

	h.throttle(report)
	h.stats.Incr("throttle_rule", 1, "rule:"+report.RuleName)
	h.stats.Incr("throttle", 1, "result:"+report.Verdict.String())

	if report.Verdict == throttler.Reject {
		logger.Info("crash rejected",
			"rule", report.RuleName, "percentage", report.Percentage)
		writeText(w, http.StatusOK, discardedBody)
		return
	}

	h.assignID(report, receivedAt)
	report.Finalize(h.dumpField)

	if err := h.mover.Enqueue(r.Context(), report); err != nil {
		if errors.Is(err, crashmover.ErrQueueFull) {
			logger.Warn("hand-off queue full; crash discarded", "crash_id", report.ID)
			writeText(w, http.StatusServiceUnavailable, discardedBody)
			return
		}
		// The client went away while we waited for queue space; nobody is
		// reading the response, but finish the exchange anyway.
		logger.Info("client gone before enqueue; crash discarded",
			"crash_id", report.ID, "error", err)
		writeText(w, http.StatusServiceUnavailable, discardedBody)
		return
	}

	writeText(w, http.StatusOK, fmt.Sprintf("CrashID=%s-%s\n", crash.TypeTag, report.ID))
}

// rejectMalformed answers a parse failure with 400 and the failure reason
// in both the body and the X-Collector-Reason header.
func (h *SubmitHandler) rejectMalformed(w http.ResponseWriter, err error) {
	reason := "unknown"
	var malformed *breakpad.MalformedError
	if errors.As(err, &malformed) {
		reason = malformed.Reason
	}

	logger.Info("malformed crash rejected", "reason", reason, "error", err)
	h.stats.Incr("malformed", 1, "reason:"+reason)

	w.Header().Set("X-Collector-Reason", reason)
	writeText(w, http.StatusBadRequest, reason+"\n")
}

// throttle decides the report's verdict. The rule set runs first; two
// client-supplied overrides can then flip the result between accept and
// defer, but a crash the rules discard stays discarded:
//
//  1. A uuid annotation with a valid identifier shape means a
//     resubmission; the verdict digit embedded in it is reused.
//  2. Otherwise, legacy_processing and throttle_rate annotations of valid
//     form mean an upstream collector already throttled this crash; its
//     verdict and rate are adopted.
//
// The final verdict and rate are written back into the annotations for
// downstream processors.
func (h *SubmitHandler) throttle(report *crash.Report) {
	report.Verdict, report.RuleName, report.Percentage =
		h.throttler.Throttle(report.Annotations)

	if report.Verdict != throttler.Reject && report.Verdict != throttler.FakeAccept {
		h.applyThrottleOverrides(report)
	}

	report.Annotations[annotationLegacyProcessing] = strconv.Itoa(int(report.Verdict))
	report.Annotations[annotationThrottleRate] = strconv.Itoa(report.Percentage)
}

// applyThrottleOverrides adopts a client-carried throttle decision. A uuid
// annotation, even an unusable one, takes the upstream-decision path out
// of consideration.
func (h *SubmitHandler) applyThrottleOverrides(report *crash.Report) {
	if candidate, ok := report.Annotations[crash.AnnotationUUID]; ok {
		if crash.ValidateID(candidate) {
			if digit, err := crash.ThrottleFromID(candidate); err == nil {
				report.Verdict = throttler.Verdict(digit)
				report.RuleName = throttler.RuleFromCrashID
				report.Percentage = 100
			}
		}
		return
	}

	rawVerdict, okVerdict := report.Annotations[annotationLegacyProcessing]
	rawRate, okRate := report.Annotations[annotationThrottleRate]
	if !okVerdict || !okRate {
		return
	}

	verdict, errVerdict := strconv.Atoi(rawVerdict)
	rate, errRate := strconv.Atoi(rawRate)
	if errVerdict != nil || errRate != nil ||
		(verdict != int(throttler.Accept) && verdict != int(throttler.Defer)) ||
		rate < 0 || rate > 100 {
		h.stats.Incr("throttle.bad_throttle_values", 1)
		return
	}

	report.Verdict = throttler.Verdict(verdict)
	report.RuleName = throttler.RuleAlreadyThrottled
	report.Percentage = rate
}

// assignID generates the crash identifier, reusing a valid client uuid
// when present. The date and throttle digits are always the collector's.
func (h *SubmitHandler) assignID(report *crash.Report, now time.Time) {
	digit := 0
	if report.Verdict == throttler.Defer {
		digit = 1
	}

	if candidate, ok := report.Annotations[crash.AnnotationUUID]; ok {
		if id, adopted := crash.AdoptID(candidate, now, digit); adopted {
			report.ID = id
			return
		}
	}

	report.ID = crash.GenerateID(now, digit)
}

// writeText writes a plain-text response body.
func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
