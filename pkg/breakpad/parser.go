// Package breakpad decodes Breakpad crash submissions: multipart/form-data
// HTTP POST bodies, optionally gzip-compressed, carrying textual crash
// annotations and one or more binary minidumps.
//
// Two payload shapes exist in the wild. Older clients send every
// annotation as its own form field; newer clients send a single field
// named "extra" holding a JSON object of all annotations. Both shapes
// carry dumps as file parts alongside the annotations.
package breakpad

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/crashworks/collector/pkg/crash"
)

// extraField is the form field newer clients use for JSON-encoded
// annotations.
const extraField = "extra"

// Parser decodes crash submissions into crash reports. The zero value is
// not usable; construct with New.
type Parser struct {
	// maxBodySize caps the decompressed payload in bytes.
	maxBodySize int64

	// maxAnnotationSize caps a single annotation value in bytes; longer
	// values are clipped with a note.
	maxAnnotationSize int
}

// New returns a Parser with the given size caps. Zero caps disable the
// respective limit.
func New(maxBodySize int64, maxAnnotationSize int) *Parser {
	return &Parser{
		maxBodySize:       maxBodySize,
		maxAnnotationSize: maxAnnotationSize,
	}
}

// Parse decodes the request body into a crash report. The returned error
// is a *MalformedError for every client-caused failure.
//
// The report is not throttled and carries no identifier yet; the submit
// handler owns those steps.
func (p *Parser) Parse(r *http.Request, receivedAt time.Time) (*crash.Report, error) {
	boundary, err := p.boundary(r)
	if err != nil {
		return nil, err
	}

	if r.ContentLength <= 0 {
		return nil, malformed(ReasonNoContentLength, nil)
	}
	if p.maxBodySize > 0 && r.ContentLength > p.maxBodySize {
		return nil, malformed(ReasonTooLarge,
			fmt.Errorf("content length %d exceeds cap %d", r.ContentLength, p.maxBodySize))
	}

	report := crash.NewReport(receivedAt)
	report.PayloadKind = crash.PayloadMultipart
	report.UserAgent = r.UserAgent()

	body, err := p.decodeBody(r, report)
	if err != nil {
		return nil, err
	}
	report.PayloadSize = int64(len(body))

	if err := p.readParts(multipart.NewReader(bytes.NewReader(body), boundary), report); err != nil {
		return nil, err
	}

	if !report.HasAnnotations() {
		return nil, malformed(ReasonNoAnnotations, nil)
	}
	return report, nil
}

// boundary validates the content type and extracts the multipart
// boundary. multipart/mixed is accepted alongside multipart/form-data
// because some very old Breakpad clients send it.
func (p *Parser) boundary(r *http.Request) (string, error) {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return "", malformed(ReasonBadContentType, nil)
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", malformed(ReasonBadContentType, err)
	}
	if mediaType != "multipart/form-data" && mediaType != "multipart/mixed" {
		return "", malformed(ReasonBadContentType, fmt.Errorf("unexpected media type %q", mediaType))
	}

	boundary := params["boundary"]
	if boundary == "" {
		return "", malformed(ReasonBadBoundary, nil)
	}
	return boundary, nil
}

// decodeBody reads the request body, decompressing when the client says
// it is gzipped, and enforces the decompressed size cap.
func (p *Parser) decodeBody(r *http.Request, report *crash.Report) ([]byte, error) {
	limit := p.maxBodySize
	if limit <= 0 {
		limit = 1 << 30
	}

	reader := io.Reader(r.Body)
	if gzipped(r.Header.Get("Content-Encoding")) {
		report.PayloadCompressed = true
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, malformed(ReasonBadGzip, err)
		}
		defer gz.Close()
		reader = gz
	}

	// Read one byte past the cap so an oversized body is distinguishable
	// from one that fits exactly.
	body, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		if report.PayloadCompressed {
			return nil, malformed(ReasonBadGzip, err)
		}
		return nil, malformed(ReasonBadContentType, fmt.Errorf("reading body: %w", err))
	}
	if int64(len(body)) > limit {
		return nil, malformed(ReasonTooLarge, fmt.Errorf("payload exceeds cap %d", limit))
	}
	return body, nil
}

// gzipped reports whether the Content-Encoding header signals gzip.
func gzipped(encoding string) bool {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		return true
	}
	return false
}

// readParts walks the multipart body, filling the report's annotations and
// dumps.
func (p *Parser) readParts(mr *multipart.Reader, report *crash.Report) error {
	// Annotations from plain form fields and from the JSON extra field are
	// collected separately; when both exist the JSON wins.
	formAnnotations := map[string]string{}
	var extraJSON []byte
	sawExtra := false

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return malformed(ReasonBadBoundary, err)
		}

		name := deNull(part.FormName())
		filename := part.FileName()
		contentType := partMediaType(part)

		value, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return malformed(ReasonBadBoundary, fmt.Errorf("reading part %q: %w", name, err))
		}

		switch {
		case name == "":
			report.AddNote("dropped annotation with empty name")

		case name == crash.AnnotationDumpChecksums:
			// Resubmitted crashes carry the previous collector's checksums;
			// this collector computes its own.

		case name == extraField && isTextPart(contentType, filename):
			if sawExtra {
				return malformed(ReasonDuplicateExtra, nil)
			}
			sawExtra = true
			extraJSON = value

		case isTextPart(contentType, filename):
			p.addAnnotation(report, formAnnotations, name, string(value))

		case filename != "" || strings.HasPrefix(contentType, "application/octet-stream"):
			p.addDump(report, name, filename, value)

		default:
			report.AddNote(fmt.Sprintf("unknown content type: %s %s", name, contentType))
		}
	}

	if sawExtra {
		report.PayloadKind = crash.PayloadJSON
		if len(formAnnotations) > 0 {
			report.AddNote("includes annotations in both json-encoded extra and formdata parts")
		}
		return p.parseExtra(report, extraJSON)
	}

	for name, value := range formAnnotations {
		report.Annotations[name] = value
	}
	return nil
}

// parseExtra decodes the JSON extra field into the report's annotations.
// Values must all be strings; structured values indicate a broken client.
func (p *Parser) parseExtra(report *crash.Report, raw []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return malformed(ReasonInvalidJSON, err)
	}

	annotations := map[string]string{}
	for name, rawValue := range fields {
		var value string
		if err := json.Unmarshal(rawValue, &value); err != nil {
			return malformed(ReasonInvalidJSONValue,
				fmt.Errorf("annotation %q has a non-string value", name))
		}
		if name == crash.AnnotationDumpChecksums {
			continue
		}
		p.addAnnotation(report, annotations, name, value)
	}

	for name, value := range annotations {
		report.Annotations[name] = value
	}
	return nil
}

// addAnnotation sanitises and stores one annotation into dst.
func (p *Parser) addAnnotation(report *crash.Report, dst map[string]string, name, value string) {
	name = deNull(name)
	if !crash.ValidAnnotationName(name) {
		report.AddNote(fmt.Sprintf("dropped annotation with invalid name: %s", name))
		return
	}

	scrubbed, clipped := crash.ScrubValue(value, p.maxAnnotationSize)
	if clipped {
		report.AddNote("truncated:" + name)
	}
	dst[name] = scrubbed
}

// addDump validates the dump name and stores the dump body.
func (p *Parser) addDump(report *crash.Report, name, filename string, body []byte) {
	if !crash.ValidDumpName(name) {
		report.AddNote(fmt.Sprintf("dropped dump with invalid name: %s", name))
		return
	}
	report.Dumps[name] = body
	if filename != "" {
		report.DumpFilenames[name] = filename
	}
}

// isTextPart reports whether a part carries an annotation value rather
// than a dump. Parts without an explicit content type and without a
// filename are form fields.
func isTextPart(contentType, filename string) bool {
	if strings.HasPrefix(contentType, "text/") {
		return true
	}
	return contentType == "" && filename == ""
}

// partMediaType extracts the part's media type, without parameters.
func partMediaType(part *multipart.Part) string {
	contentType := part.Header.Get("Content-Type")
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return contentType
	}
	return mediaType
}

// deNull strips NUL bytes from field names; they show up in the wild.
func deNull(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}
