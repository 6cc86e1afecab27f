package throttler

import (
	"regexp"
	"strings"
)

// Matcher combinators. These cover the predicate vocabulary rule sets are
// built from: equality, regex, set membership, presence, prefix, and
// logical AND. Missing annotations read as the empty string.

// KeyEquals matches when the annotation key equals value.
func KeyEquals(key, value string) MatchFunc {
	return func(_ *Throttler, annotations map[string]string) bool {
		return annotations[key] == value
	}
}

// KeyIn matches when the annotation key is present and its value is one of
// values.
func KeyIn(key string, values ...string) MatchFunc {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return func(_ *Throttler, annotations map[string]string) bool {
		v, ok := annotations[key]
		if !ok {
			return false
		}
		_, hit := set[v]
		return hit
	}
}

// KeyPrefix matches when the annotation key starts with prefix.
func KeyPrefix(key, prefix string) MatchFunc {
	return func(_ *Throttler, annotations map[string]string) bool {
		v, ok := annotations[key]
		return ok && strings.HasPrefix(v, prefix)
	}
}

// KeyMatches matches when the annotation key is present and its value
// matches re.
func KeyMatches(key string, re *regexp.Regexp) MatchFunc {
	return func(_ *Throttler, annotations map[string]string) bool {
		v, ok := annotations[key]
		return ok && re.MatchString(v)
	}
}

// KeyPresent matches when the annotation key exists, whatever its value.
func KeyPresent(key string) MatchFunc {
	return func(_ *Throttler, annotations map[string]string) bool {
		_, ok := annotations[key]
		return ok
	}
}

// AllOf matches when every sub-matcher matches.
func AllOf(matchers ...MatchFunc) MatchFunc {
	return func(thr *Throttler, annotations map[string]string) bool {
		for _, m := range matchers {
			if !m(thr, annotations) {
				return false
			}
		}
		return true
	}
}

// Always matches every crash.
func Always() MatchFunc {
	return func(_ *Throttler, _ map[string]string) bool {
		return true
	}
}
