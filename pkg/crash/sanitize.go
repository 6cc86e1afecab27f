package crash

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Annotation names are short ASCII tokens; dump names are tighter still
// because they become object-store path segments.
var (
	annotationNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	dumpNameRe       = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// MaxDumpNameLength bounds dump names; longer names are rejected.
const MaxDumpNameLength = 30

// ValidAnnotationName reports whether name may be kept as an annotation.
func ValidAnnotationName(name string) bool {
	return annotationNameRe.MatchString(name)
}

// ValidDumpName reports whether name may be used as a dump name.
func ValidDumpName(name string) bool {
	return len(name) <= MaxDumpNameLength && dumpNameRe.MatchString(name)
}

// ScrubValue sanitises an annotation value: NUL bytes are removed, invalid
// UTF-8 sequences are replaced with U+FFFD, and the result is clipped to
// maxLen bytes on a rune boundary. The second return reports whether
// clipping happened.
func ScrubValue(value string, maxLen int) (string, bool) {
	value = strings.ReplaceAll(value, "\x00", "")
	value = strings.ToValidUTF8(value, "�")
	if maxLen <= 0 || len(value) <= maxLen {
		return value, false
	}
	return truncateUTF8(value, maxLen), true
}

// truncateUTF8 clips s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
