// Package throttler decides what happens to an incoming crash report based
// on an ordered rule set evaluated against the report's annotations.
//
// Rules are walked in order; the first matching rule decides the verdict,
// except when a sampled rule lands on CONTINUE, in which case evaluation
// proceeds with the next rule. If no rule matches, the crash is rejected.
package throttler

import (
	"fmt"
	"math/rand"
	"regexp"
)

// Verdict is the routing decision for a crash report. The integer values
// are wire-visible: ACCEPT and DEFER are encoded as the final digit of the
// crash identifier.
type Verdict int

const (
	Accept     Verdict = 0 // save and publish for processing
	Defer      Verdict = 1 // save only
	Reject     Verdict = 2 // throw the crash away
	FakeAccept Verdict = 3 // return an ID as if accepted, then throw away
	Continue   Verdict = 4 // no decision; evaluate the next rule
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "ACCEPT"
	case Defer:
		return "DEFER"
	case Reject:
		return "REJECT"
	case FakeAccept:
		return "FAKEACCEPT"
	case Continue:
		return "CONTINUE"
	default:
		return fmt.Sprintf("VERDICT(%d)", int(v))
	}
}

// Rule names reported for decisions that do not come from the rule set.
const (
	RuleNoMatch      = "NO_MATCH"
	RuleThrottleable = "has_throttleable_0"

	// RuleFromCrashID marks a verdict adopted from the throttle digit of a
	// client-supplied crash identifier (crash report resubmission).
	RuleFromCrashID = "FROM_CRASHID"

	// RuleAlreadyThrottled marks a verdict adopted from legacy_processing
	// and throttle_rate annotations set by an upstream collector.
	RuleAlreadyThrottled = "ALREADY_THROTTLED"
)

// MatchFunc is a predicate over a crash report's annotations. Matchers that
// need throttler configuration (the supported product list) receive the
// throttler itself.
type MatchFunc func(thr *Throttler, annotations map[string]string) bool

// Result is the outcome of a matched rule: either a fixed verdict or a
// sampled decision between two verdicts.
//
// For a sampled result a random percentage is drawn; when it is less than
// or equal to Percentage the Within verdict applies, otherwise Outside.
type Result struct {
	Verdict    Verdict
	Sampled    bool
	Percentage int
	Within     Verdict
	Outside    Verdict
}

// Fixed returns a Result that always yields v.
func Fixed(v Verdict) Result {
	return Result{Verdict: v}
}

// Sampled returns a Result that yields within with probability pct percent
// and outside otherwise.
func Sampled(pct int, within, outside Verdict) Result {
	return Result{Sampled: true, Percentage: pct, Within: within, Outside: outside}
}

// Rule pairs a predicate with a result. Name must match [a-z0-9_]+ and is
// used in logs, metrics tags, and the stored throttle_rule annotation.
type Rule struct {
	Name   string
	Match  MatchFunc
	Result Result
}

var ruleNameRe = regexp.MustCompile(`^[a-z0-9_]+$`)

// Throttler evaluates an ordered rule set against crash annotations.
type Throttler struct {
	rules        []Rule
	products     []string
	packageNames map[string][]string

	// sample returns a float in [0, 1); replaced in tests for determinism.
	sample func() float64
}

// New builds a Throttler from an ordered rule set and a supported-product
// configuration. An empty product list disables the product gate. Rule
// names and results are validated eagerly so a bad registry fails at
// startup rather than on the first crash.
func New(rules []Rule, products []string, packageNames map[string][]string) (*Throttler, error) {
	for i, rule := range rules {
		if !ruleNameRe.MatchString(rule.Name) {
			return nil, fmt.Errorf("rule %d: invalid rule name %q", i, rule.Name)
		}
		if rule.Match == nil {
			return nil, fmt.Errorf("rule %q: nil matcher", rule.Name)
		}
		if !rule.Result.Sampled && rule.Result.Verdict == Continue {
			return nil, fmt.Errorf("rule %q: fixed CONTINUE result", rule.Name)
		}
		if rule.Result.Sampled && (rule.Result.Percentage < 0 || rule.Result.Percentage > 100) {
			return nil, fmt.Errorf("rule %q: percentage %d out of range", rule.Name, rule.Result.Percentage)
		}
	}

	return &Throttler{
		rules:        rules,
		products:     products,
		packageNames: packageNames,
		sample:       rand.Float64,
	}, nil
}

// NewFromConfig builds a Throttler from registry names, typically the
// BREAKPAD_THROTTLER_RULES and BREAKPAD_THROTTLER_PRODUCTS settings.
func NewFromConfig(ruleSet, productSet string) (*Throttler, error) {
	rules, err := RuleSet(ruleSet)
	if err != nil {
		return nil, err
	}
	products, packageNames, err := Products(productSet)
	if err != nil {
		return nil, err
	}
	return New(rules, products, packageNames)
}

// Throttle evaluates the annotations and returns the verdict, the name of
// the deciding rule, and the sampling percentage of that rule (100 for
// fixed results, 0 when nothing matched).
//
// A crash carrying Throttleable=0 was submitted manually (about:crashes
// and friends); it bypasses the rule set entirely.
func (t *Throttler) Throttle(annotations map[string]string) (Verdict, string, int) {
	if annotations["Throttleable"] == "0" {
		return Accept, RuleThrottleable, 100
	}

	for _, rule := range t.rules {
		if !rule.Match(t, annotations) {
			continue
		}

		if !rule.Result.Sampled {
			return rule.Result.Verdict, rule.Name, 100
		}

		verdict := rule.Result.Outside
		if t.sample()*100.0 <= float64(rule.Result.Percentage) {
			verdict = rule.Result.Within
		}
		if verdict != Continue {
			return verdict, rule.Name, rule.Result.Percentage
		}
	}

	return Reject, RuleNoMatch, 0
}
