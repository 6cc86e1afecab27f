package breakpad

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/crashworks/collector/pkg/breakpad/minipost"
	"github.com/crashworks/collector/pkg/crash"
)

var testTime = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

// parsePayload encodes the payload and runs it through a parser with
// generous caps.
func parsePayload(t *testing.T, payload minipost.Payload) (*crash.Report, error) {
	t.Helper()

	req, err := payload.NewRequest("http://localhost/submit")
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("User-Agent", "Breakpad/1.0")

	rec := httptest.NewRequest(req.Method, req.URL.String(), req.Body)
	rec.Header = req.Header
	rec.ContentLength = req.ContentLength

	return New(20<<20, 1<<20).Parse(rec, testTime)
}

func reason(t *testing.T, err error) string {
	t.Helper()
	var malformed *MalformedError
	if !errors.As(err, &malformed) {
		t.Fatalf("error %v is not a MalformedError", err)
	}
	return malformed.Reason
}

func TestParseFormFields(t *testing.T) {
	report, err := parsePayload(t, minipost.Payload{
		Annotations: map[string]string{
			"ProductName": "Firefox",
			"Version":     "139.0",
		},
		Dumps: map[string]minipost.Dump{
			"upload_file_minidump": {Filename: "x.dmp", Body: []byte("ABC")},
		},
	})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if report.PayloadKind != crash.PayloadMultipart {
		t.Errorf("PayloadKind = %q, want multipart", report.PayloadKind)
	}
	if report.PayloadCompressed {
		t.Error("PayloadCompressed = true for uncompressed body")
	}
	if got := report.Annotations["ProductName"]; got != "Firefox" {
		t.Errorf("ProductName = %q", got)
	}
	if got := string(report.Dumps["upload_file_minidump"]); got != "ABC" {
		t.Errorf("dump body = %q, want ABC", got)
	}
	if got := report.DumpFilenames["upload_file_minidump"]; got != "x.dmp" {
		t.Errorf("dump filename = %q, want x.dmp", got)
	}
	if report.UserAgent != "Breakpad/1.0" {
		t.Errorf("UserAgent = %q", report.UserAgent)
	}
	if report.PayloadSize <= 0 {
		t.Error("PayloadSize not recorded")
	}
}

func TestParseGzip(t *testing.T) {
	report, err := parsePayload(t, minipost.Payload{
		Annotations: map[string]string{"ProductName": "Firefox"},
		Gzip:        true,
	})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !report.PayloadCompressed {
		t.Error("PayloadCompressed = false for gzipped body")
	}
	if got := report.Annotations["ProductName"]; got != "Firefox" {
		t.Errorf("ProductName = %q", got)
	}
}

func TestParseBadGzip(t *testing.T) {
	req := httptest.NewRequest("POST", "/submit", strings.NewReader("definitely not gzip"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")
	req.Header.Set("Content-Encoding", "gzip")
	req.ContentLength = 19

	_, err := New(0, 0).Parse(req, testTime)
	if got := reason(t, err); got != ReasonBadGzip {
		t.Errorf("reason = %q, want bad_gzip", got)
	}
}

func TestParseJSONExtra(t *testing.T) {
	report, err := parsePayload(t, minipost.Payload{
		Annotations: map[string]string{
			"ProductName": "Firefox",
			"Version":     "139.0",
		},
		Dumps: map[string]minipost.Dump{
			"upload_file_minidump": {Filename: "x.dmp", Body: []byte("ABC")},
		},
		JSONExtra: true,
	})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if report.PayloadKind != crash.PayloadJSON {
		t.Errorf("PayloadKind = %q, want json", report.PayloadKind)
	}
	if got := report.Annotations["Version"]; got != "139.0" {
		t.Errorf("Version = %q", got)
	}
	if _, ok := report.Dumps["upload_file_minidump"]; !ok {
		t.Error("dump missing from JSON-extra payload")
	}
}

func TestParseJSONExtraNonStringValue(t *testing.T) {
	body := &bytes.Buffer{}
	boundary := writeRawMultipart(t, body, map[string]string{
		"extra": `{"ProductName":"Firefox","Count":3}`,
	})

	req := httptest.NewRequest("POST", "/submit", body)
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
	req.ContentLength = int64(body.Len())

	_, err := New(0, 0).Parse(req, testTime)
	if got := reason(t, err); got != ReasonInvalidJSONValue {
		t.Errorf("reason = %q, want invalid_json_value", got)
	}
}

func TestParseJSONExtraInvalid(t *testing.T) {
	body := &bytes.Buffer{}
	boundary := writeRawMultipart(t, body, map[string]string{"extra": `{broken`})

	req := httptest.NewRequest("POST", "/submit", body)
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
	req.ContentLength = int64(body.Len())

	_, err := New(0, 0).Parse(req, testTime)
	if got := reason(t, err); got != ReasonInvalidJSON {
		t.Errorf("reason = %q, want invalid_json", got)
	}
}

func TestParseJSONExtraWinsOverFormFields(t *testing.T) {
	body := &bytes.Buffer{}
	boundary := writeRawMultipart(t, body, map[string]string{
		"extra":       `{"ProductName":"Firefox"}`,
		"ProductName": "Thunderbird",
	})

	req := httptest.NewRequest("POST", "/submit", body)
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
	req.ContentLength = int64(body.Len())

	report, err := New(0, 0).Parse(req, testTime)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := report.Annotations["ProductName"]; got != "Firefox" {
		t.Errorf("ProductName = %q, want the JSON extra value", got)
	}
	if !slices.Contains(report.Notes, "includes annotations in both json-encoded extra and formdata parts") {
		t.Errorf("missing mixed-shape note, notes = %v", report.Notes)
	}
}

func TestParseRejections(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		length      int64
		wantReason  string
	}{
		{
			name:       "missing content type",
			body:       "x",
			length:     1,
			wantReason: ReasonBadContentType,
		},
		{
			name:        "wrong content type",
			contentType: "application/json",
			body:        "{}",
			length:      2,
			wantReason:  ReasonBadContentType,
		},
		{
			name:        "missing boundary",
			contentType: "multipart/form-data",
			body:        "x",
			length:      1,
			wantReason:  ReasonBadBoundary,
		},
		{
			name:        "no content length",
			contentType: "multipart/form-data; boundary=xyz",
			body:        "",
			length:      0,
			wantReason:  ReasonNoContentLength,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/submit", strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			req.ContentLength = tt.length

			_, err := New(0, 0).Parse(req, testTime)
			if got := reason(t, err); got != tt.wantReason {
				t.Errorf("reason = %q, want %q", got, tt.wantReason)
			}
		})
	}
}

func TestParseTooLarge(t *testing.T) {
	payload := minipost.Payload{
		Annotations: map[string]string{"ProductName": "Firefox"},
		Dumps: map[string]minipost.Dump{
			"upload_file_minidump": {Filename: "x.dmp", Body: bytes.Repeat([]byte("a"), 4096)},
		},
	}
	req, err := payload.NewRequest("http://localhost/submit")
	if err != nil {
		t.Fatal(err)
	}

	parsed := httptest.NewRequest("POST", "/submit", req.Body)
	parsed.Header = req.Header
	parsed.ContentLength = req.ContentLength

	_, perr := New(128, 0).Parse(parsed, testTime)
	if got := reason(t, perr); got != ReasonTooLarge {
		t.Errorf("reason = %q, want too_large", got)
	}
}

func TestParseNoAnnotations(t *testing.T) {
	_, err := parsePayload(t, minipost.Payload{
		Dumps: map[string]minipost.Dump{
			"upload_file_minidump": {Filename: "x.dmp", Body: []byte("ABC")},
		},
	})
	if got := reason(t, err); got != ReasonNoAnnotations {
		t.Errorf("reason = %q, want no_annotations", got)
	}
}

func TestParseSanitisation(t *testing.T) {
	report, err := parsePayload(t, minipost.Payload{
		Annotations: map[string]string{
			"ProductName":    "Fire\x00fox",
			"bad name!":      "dropped",
			"dump_checksums": `{"upload_file_minidump":"forged"}`,
		},
	})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if got := report.Annotations["ProductName"]; got != "Firefox" {
		t.Errorf("ProductName = %q, want NUL removed", got)
	}
	if _, ok := report.Annotations["bad name!"]; ok {
		t.Error("invalid annotation name kept")
	}
	if _, ok := report.Annotations["dump_checksums"]; ok {
		t.Error("client dump_checksums kept")
	}
	if !slices.Contains(report.Notes, "dropped annotation with invalid name: bad name!") {
		t.Errorf("missing dropped-name note, notes = %v", report.Notes)
	}
}

func TestParseTruncation(t *testing.T) {
	req, err := minipost.Payload{
		Annotations: map[string]string{"Comments": strings.Repeat("x", 100)},
	}.NewRequest("http://localhost/submit")
	if err != nil {
		t.Fatal(err)
	}

	parsed := httptest.NewRequest("POST", "/submit", req.Body)
	parsed.Header = req.Header
	parsed.ContentLength = req.ContentLength

	report, perr := New(0, 10).Parse(parsed, testTime)
	if perr != nil {
		t.Fatalf("Parse failed: %v", perr)
	}
	if got := report.Annotations["Comments"]; got != strings.Repeat("x", 10) {
		t.Errorf("Comments = %q, want 10 bytes", got)
	}
	if !slices.Contains(report.Notes, "truncated:Comments") {
		t.Errorf("missing truncation note, notes = %v", report.Notes)
	}
}

func TestParseInvalidDumpName(t *testing.T) {
	report, err := parsePayload(t, minipost.Payload{
		Annotations: map[string]string{"ProductName": "Firefox"},
		Dumps: map[string]minipost.Dump{
			"bad dump name": {Filename: "x.dmp", Body: []byte("ABC")},
		},
	})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(report.Dumps) != 0 {
		t.Errorf("invalid dump name kept: %v", report.Dumps)
	}
	if !slices.Contains(report.Notes, "dropped dump with invalid name: bad dump name") {
		t.Errorf("missing dropped-dump note, notes = %v", report.Notes)
	}
}

// writeRawMultipart writes fields in sorted order and returns the
// boundary. Used for payload shapes minipost deliberately cannot produce.
func writeRawMultipart(t *testing.T, buf *bytes.Buffer, fields map[string]string) string {
	t.Helper()

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	slices.Sort(names)

	const boundary = "testboundary"
	for _, name := range names {
		buf.WriteString("--" + boundary + "\r\n")
		buf.WriteString(`Content-Disposition: form-data; name="` + name + `"` + "\r\n\r\n")
		buf.WriteString(fields[name] + "\r\n")
	}
	buf.WriteString("--" + boundary + "--\r\n")
	return boundary
}
