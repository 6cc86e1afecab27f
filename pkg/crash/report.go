// Package crash holds the crash report aggregate that flows through the
// collector, the crash identifier scheme, and the sanitisation rules for
// annotation and dump names.
package crash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/crashworks/collector/pkg/throttler"
)

// Annotation names with collector semantics.
const (
	AnnotationUUID              = "uuid"
	AnnotationSubmittedTime     = "submitted_timestamp"
	AnnotationTimestamp         = "timestamp"
	AnnotationTypeTag           = "type_tag"
	AnnotationDumpChecksums     = "dump_checksums"
	AnnotationMinidumpSha256    = "MinidumpSha256Hash"
	AnnotationPayload           = "payload"
	AnnotationPayloadCompressed = "payload_compressed"
	AnnotationPayloadSize       = "payload_size"
	AnnotationCollectorNotes    = "collector_notes"
	AnnotationThrottleRule      = "throttle_rule"
	AnnotationUserAgent         = "user_agent"
)

// TypeTag marks crashes collected here as Breakpad submissions. It is also
// the prefix on client-facing crash ids ("bp-<id>").
const TypeTag = "bp"

// DefaultDumpField is the multipart field carrying the primary minidump.
const DefaultDumpField = "upload_file_minidump"

// DumpRewriteName is the stored object name for the primary minidump.
const DumpRewriteName = "dump"

// Annotations removed from every crash before storage.
var scrubAnnotations = []string{
	"TelemetryClientId",
	"TelemetryServerURL",
}

// Payload kinds.
const (
	PayloadMultipart = "multipart"
	PayloadJSON      = "json"
)

// submittedTimestampLayout matches the upstream pipeline's expectation:
// ISO-8601 with microseconds and an explicit +00:00 offset.
const submittedTimestampLayout = "2006-01-02T15:04:05.000000+00:00"

// Report is the in-memory crash aggregate. It is owned exclusively by the
// submit handler until enqueued, then by a single crash-mover worker until
// terminal success or drop.
type Report struct {
	ID          string
	Annotations map[string]string

	// Dumps maps dump name to raw minidump bytes; DumpFilenames keeps the
	// original part filename for the dump-names index object.
	Dumps         map[string][]byte
	DumpFilenames map[string]string

	ReceivedAt        time.Time
	PayloadKind       string
	PayloadCompressed bool
	PayloadSize       int64
	UserAgent         string

	// Notes records collector actions taken on this crash (dropped fields,
	// truncations). Stored as the collector_notes annotation.
	Notes []string

	// Throttle outcome, set by the submit handler before enqueue.
	Verdict    throttler.Verdict
	RuleName   string
	Percentage int
}

// NewReport returns an empty report stamped with the receive time.
func NewReport(receivedAt time.Time) *Report {
	return &Report{
		Annotations:   map[string]string{},
		Dumps:         map[string][]byte{},
		DumpFilenames: map[string]string{},
		ReceivedAt:    receivedAt.UTC(),
	}
}

// AddNote appends a collector note.
func (r *Report) AddNote(note string) {
	r.Notes = append(r.Notes, note)
}

// HasAnnotations reports whether any client annotations survived parsing.
func (r *Report) HasAnnotations() bool {
	return len(r.Annotations) > 0
}

// DumpChecksums returns the lowercase hex SHA-256 of every dump, keyed by
// dump name.
func (r *Report) DumpChecksums() map[string]string {
	checksums := make(map[string]string, len(r.Dumps))
	for name, body := range r.Dumps {
		sum := sha256.Sum256(body)
		checksums[name] = hex.EncodeToString(sum[:])
	}
	return checksums
}

// Cleanup drops annotations the pipeline must never store, noting each
// removal.
func (r *Report) Cleanup() {
	for _, name := range scrubAnnotations {
		if _, ok := r.Annotations[name]; ok {
			delete(r.Annotations, name)
			r.AddNote(fmt.Sprintf("Removed %s from raw crash.", name))
		}
	}
}

// Finalize populates the collector-added annotations once the identifier
// and throttle outcome are known. dumpField names the primary minidump
// field (normally upload_file_minidump).
func (r *Report) Finalize(dumpField string) {
	r.Annotations[AnnotationUUID] = r.ID
	r.Annotations[AnnotationSubmittedTime] = r.ReceivedAt.Format(submittedTimestampLayout)
	r.Annotations[AnnotationTimestamp] = strconv.FormatFloat(
		float64(r.ReceivedAt.UnixMicro())/1e6, 'f', 6, 64)
	r.Annotations[AnnotationTypeTag] = TypeTag
	r.Annotations[AnnotationPayload] = r.PayloadKind
	if r.PayloadCompressed {
		r.Annotations[AnnotationPayloadCompressed] = "1"
	} else {
		r.Annotations[AnnotationPayloadCompressed] = "0"
	}
	r.Annotations[AnnotationPayloadSize] = strconv.FormatInt(r.PayloadSize, 10)
	if r.RuleName != "" {
		r.Annotations[AnnotationThrottleRule] = r.RuleName
	}
	if r.UserAgent != "" {
		r.Annotations[AnnotationUserAgent] = r.UserAgent
	}

	checksums := r.DumpChecksums()
	if sum, ok := checksums[dumpField]; ok {
		r.Annotations[AnnotationMinidumpSha256] = sum
	} else {
		r.Annotations[AnnotationMinidumpSha256] = ""
	}
}

// RawCrash returns the JSON-serialisable form of the annotations for the
// raw-annotations object. encoding/json emits map keys in sorted order,
// which the downstream pipeline relies on.
func (r *Report) RawCrash() map[string]any {
	raw := make(map[string]any, len(r.Annotations)+2)
	for k, v := range r.Annotations {
		raw[k] = v
	}
	raw[AnnotationDumpChecksums] = r.DumpChecksums()
	notes := r.Notes
	if notes == nil {
		notes = []string{}
	}
	raw[AnnotationCollectorNotes] = notes
	return raw
}

// SortedDumpNames returns the dump names in lexicographic order. Used for
// deterministic iteration when writing dump objects.
func (r *Report) SortedDumpNames() []string {
	names := make([]string, 0, len(r.Dumps))
	for name := range r.Dumps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DumpNamesIndex returns the body of the dump-names index object: a map of
// dump name to the original part filename, or nil when the part carried no
// filename.
func (r *Report) DumpNamesIndex() map[string]*string {
	index := make(map[string]*string, len(r.Dumps))
	for name := range r.Dumps {
		if filename, ok := r.DumpFilenames[name]; ok && filename != "" {
			f := filename
			index[name] = &f
		} else {
			index[name] = nil
		}
	}
	return index
}
