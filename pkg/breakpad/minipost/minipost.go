// Package minipost builds Breakpad crash submission bodies: the inverse of
// the collector's parser. It exists for tests and for the send-crash
// command; it is not used on the ingestion path.
package minipost

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
)

// Dump is a binary part of a crash submission.
type Dump struct {
	// Filename is the client-side file name carried in the part header.
	Filename string
	Body     []byte
}

// Payload assembles a crash submission.
type Payload struct {
	// Annotations become text form fields, or a single JSON "extra" field
	// when JSONExtra is set.
	Annotations map[string]string

	// Dumps maps field name (e.g. upload_file_minidump) to the dump.
	Dumps map[string]Dump

	// JSONExtra selects the newer payload shape: one field named "extra"
	// holding all annotations as a JSON object.
	JSONExtra bool

	// Gzip compresses the body and sets Content-Encoding: gzip.
	Gzip bool
}

// Encode renders the multipart body and its Content-Type header value.
func (p Payload) Encode() (body []byte, contentType string, err error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if p.JSONExtra {
		extra, err := json.Marshal(p.Annotations)
		if err != nil {
			return nil, "", fmt.Errorf("encoding extra: %w", err)
		}
		if err := w.WriteField("extra", string(extra)); err != nil {
			return nil, "", err
		}
	} else {
		// Deterministic field order keeps test fixtures stable.
		names := make([]string, 0, len(p.Annotations))
		for name := range p.Annotations {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := w.WriteField(name, p.Annotations[name]); err != nil {
				return nil, "", err
			}
		}
	}

	dumpNames := make([]string, 0, len(p.Dumps))
	for name := range p.Dumps {
		dumpNames = append(dumpNames, name)
	}
	sort.Strings(dumpNames)
	for _, name := range dumpNames {
		dump := p.Dumps[name]
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`,
			name, dump.Filename))
		header.Set("Content-Type", "application/octet-stream")
		part, err := w.CreatePart(header)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(dump.Body); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	out := buf.Bytes()
	if p.Gzip {
		var zipped bytes.Buffer
		gz := gzip.NewWriter(&zipped)
		if _, err := gz.Write(out); err != nil {
			return nil, "", err
		}
		if err := gz.Close(); err != nil {
			return nil, "", err
		}
		out = zipped.Bytes()
	}

	return out, w.FormDataContentType(), nil
}

// NewRequest builds an http.Request posting the payload at url.
func (p Payload) NewRequest(url string) (*http.Request, error) {
	body, contentType, err := p.Encode()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if p.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	req.ContentLength = int64(len(body))
	return req, nil
}

// ParseCrashID extracts the crash identifier from a successful submit
// response body of the form "CrashID=bp-<id>\n".
func ParseCrashID(body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(data))
	value, found := strings.CutPrefix(line, "CrashID=bp-")
	if !found {
		return "", fmt.Errorf("unexpected submit response %q", line)
	}
	return value, nil
}
