package breakpad

import "fmt"

// Rejection reasons returned to clients in the X-Collector-Reason header.
// Breakpad clients only look at the status code; the reason exists for
// humans debugging submission failures.
const (
	ReasonNoContentLength  = "no_content_length"
	ReasonBadContentType   = "bad_content_type"
	ReasonBadBoundary      = "bad_boundary"
	ReasonBadGzip          = "bad_gzip"
	ReasonNoAnnotations    = "no_annotations"
	ReasonTooLarge         = "too_large"
	ReasonInvalidJSON      = "invalid_json"
	ReasonInvalidJSONValue = "invalid_json_value"
	ReasonDuplicateExtra   = "duplicate_extra"
)

// MalformedError describes a payload the collector refuses to accept. The
// submit handler maps it to a 400 with the reason in X-Collector-Reason.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed crash payload (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed crash payload (%s)", e.Reason)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

func malformed(reason string, err error) *MalformedError {
	return &MalformedError{Reason: reason, Err: err}
}
