package crash

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Crash identifiers are 36 characters: a 29-character random hex prefix in
// UUID grouping, six date digits, and a trailing throttle digit:
//
//	de1bb258-cbbf-4589-a673-34f80 160918 0
//	^ 29 random chars             ^yymmdd^ throttle (0 accept, 1 defer)
//
// A consumer holding only the identifier can recover the collection date
// and whether processing was requested without loading the stored object.
// Uniqueness rests on the randomness of the prefix; there is no collision
// check.

// IDLength is the length of a crash identifier.
const IDLength = 36

// randomPrefixLength is how much of the identifier carries randomness; the
// remainder encodes date and throttle result.
const randomPrefixLength = IDLength - 7

// idRe validates the identifier shape including the date digits and the
// throttle digit.
var idRe = regexp.MustCompile(
	`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{5}` +
		`[0-9]{2}(0[1-9]|1[0-2])(0[1-9]|[12][0-9]|3[01])[01]$`)

// stampID overwrites the last seven characters of a 36-char identifier
// with the date and the throttle digit.
func stampID(id string, now time.Time, throttleResult int) string {
	now = now.UTC()
	return fmt.Sprintf("%s%02d%02d%02d%d",
		id[:randomPrefixLength], now.Year()%100, int(now.Month()), now.Day(), throttleResult)
}

// GenerateID returns a fresh crash identifier carrying the given date and
// throttle result. throttleResult must be 0 (accept) or 1 (defer).
func GenerateID(now time.Time, throttleResult int) string {
	return stampID(uuid.New().String(), now, throttleResult)
}

// AdoptID reuses a client-supplied identifier when it has a valid shape,
// overwriting the date and throttle digits with the collector's values so
// the client cannot dictate routing. Returns false when the candidate
// cannot be adopted.
func AdoptID(candidate string, now time.Time, throttleResult int) (string, bool) {
	if !ValidateID(candidate) {
		return "", false
	}
	return stampID(candidate, now, throttleResult), true
}

// ValidateID reports whether s is a well-formed crash identifier.
func ValidateID(s string) bool {
	return idRe.MatchString(s)
}

// DateFromID extracts the collection date from an identifier as a
// YYYYMMDD string. Storage paths are derived from this.
func DateFromID(id string) (string, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("malformed crash id %q", id)
	}
	return "20" + id[randomPrefixLength:IDLength-1], nil
}

// ThrottleFromID extracts the throttle digit from an identifier: 0 means
// accepted for processing, 1 means deferred.
func ThrottleFromID(id string) (int, error) {
	if !ValidateID(id) {
		return 0, fmt.Errorf("malformed crash id %q", id)
	}
	return int(id[IDLength-1] - '0'), nil
}
