package throttler

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/crashworks/collector/internal/logger"
)

// Compiled-in rule sets and product lists, selected by name from
// configuration. There is deliberately no way to load rules from outside
// the binary.

// RuleSet returns the named rule set. Known names: "mozilla", "accept_all".
func RuleSet(name string) ([]Rule, error) {
	switch name {
	case "mozilla":
		return MozillaRules(), nil
	case "accept_all":
		return AcceptAllRules(), nil
	default:
		return nil, fmt.Errorf("unknown throttler rule set %q", name)
	}
}

// Products returns the named supported-product list together with the
// per-product allowed Android package names. Known names: "mozilla", "all".
func Products(name string) ([]string, map[string][]string, error) {
	switch name {
	case "mozilla":
		return MozillaProducts(), MozillaPackageNames(), nil
	case "all":
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown throttler product list %q", name)
	}
}

// MozillaProducts lists the ProductName values accepted by the mozilla
// rule set. Crashes from other products are rejected by the
// unsupported_product rule.
func MozillaProducts() []string {
	return []string{
		"Fenix",
		"Firefox",
		"Focus",
		"MozillaVPN",
		"ReferenceBrowser",
		"Thunderbird",
	}
}

// MozillaPackageNames maps a ProductName to the Android_PackageName values
// accepted for it. Products missing from the map have no package gate.
func MozillaPackageNames() map[string][]string {
	return map[string][]string{
		"Fenix": {
			"org.mozilla.firefox",
			"org.mozilla.firefox_beta",
			"org.mozilla.fenix",
		},
		"Focus": {
			"org.mozilla.focus",
			"org.mozilla.focus.beta",
			"org.mozilla.focus.nightly",
			"org.mozilla.klar",
		},
		"ReferenceBrowser": {
			"org.mozilla.reference.browser",
		},
	}
}

// AcceptAllRules accepts every crash. Useful for local development and for
// deployments that do their sampling elsewhere.
func AcceptAllRules() []Rule {
	return []Rule{
		{Name: "accept_everything", Match: Always(), Result: Fixed(Accept)},
	}
}

var buildIDRe = regexp.MustCompile(`^20\d{12}$`)

// oldBuildIDAge is how far back a BuildID may date before the crash is
// rejected outright.
const oldBuildIDAge = 730 * 24 * time.Hour

// matchOldBuildID matches build ids more than two years old.
func matchOldBuildID(_ *Throttler, annotations map[string]string) bool {
	buildID := annotations["BuildID"]
	if !buildIDRe.MatchString(buildID) {
		return false
	}

	buildDate, err := time.Parse("20060102", buildID[:8])
	if err != nil {
		return false
	}

	return buildDate.Before(time.Now().Add(-oldBuildIDAge))
}

// matchHangIDAndBrowser matches the browser side of multi-submission hang
// crashes. A missing ProcessType counts as "browser".
func matchHangIDAndBrowser(_ *Throttler, annotations map[string]string) bool {
	if _, ok := annotations["HangID"]; !ok {
		return false
	}
	processType, ok := annotations["ProcessType"]
	if !ok {
		processType = "browser"
	}
	return processType == "browser"
}

var infobarVersionPrefixes = []string{
	"52.", "53.", "54.", "55.", "56.", "57.", "58.", "59.",
}

// matchInfobarTrue matches Firefox desktop crashes submitted through the
// broken infobar flow in the 52-59 release range.
func matchInfobarTrue(_ *Throttler, annotations map[string]string) bool {
	product := annotations["ProductName"]
	infobar := annotations["SubmittedFromInfobar"]
	version := annotations["Version"]
	buildID := annotations["BuildID"]

	if product == "" || infobar == "" || version == "" || buildID == "" {
		return false
	}

	if product != "Firefox" || infobar != "true" {
		return false
	}

	for _, prefix := range infobarVersionPrefixes {
		if strings.HasPrefix(version, prefix) {
			return buildID < "20171226"
		}
	}
	return false
}

// matchB2G matches B2G crash reports. B2G clients retry rejected crashes
// forever, so the rule set fake-accepts them instead.
func matchB2G(thr *Throttler, annotations map[string]string) bool {
	for _, p := range thr.products {
		if p == "B2G" {
			return false
		}
	}
	if !strings.EqualFold(annotations["ProductName"], "b2g") {
		return false
	}
	logger.Info("ProductName B2G: fake accept")
	return true
}

// matchUnsupportedProduct matches products outside the configured product
// list. Does nothing when the list is empty.
func matchUnsupportedProduct(thr *Throttler, annotations map[string]string) bool {
	if len(thr.products) == 0 {
		return false
	}
	product := annotations["ProductName"]
	for _, p := range thr.products {
		if p == product {
			return false
		}
	}
	logger.Info("ProductName rejected", "product", product)
	return true
}

// matchUnsupportedPackageName matches Android_PackageName values outside
// the allowed list for the crash's product. A missing Android_PackageName
// counts as unsupported. Does nothing for products without a package list.
func matchUnsupportedPackageName(thr *Throttler, annotations map[string]string) bool {
	product := annotations["ProductName"]
	packageNames := thr.packageNames[product]
	if len(packageNames) == 0 {
		return false
	}

	packageName, ok := annotations["Android_PackageName"]
	for _, p := range packageNames {
		if ok && p == packageName {
			return false
		}
	}

	if !ok {
		logger.Info("Android_PackageName rejected: missing", "product", product)
	} else {
		logger.Info("Android_PackageName rejected", "product", product, "packagename", packageName)
	}
	return true
}

// windows81BuildNumber is the last Windows build the esr sampling rule
// considers unsupported.
const windows81BuildNumber = 9600

// matchUnsupportedWindows matches crashes whose TelemetryEnvironment
// reports Windows_NT at build 9600 (Windows 8.1) or older.
func matchUnsupportedWindows(_ *Throttler, annotations map[string]string) bool {
	telemetryEnvironment := annotations["TelemetryEnvironment"]
	if telemetryEnvironment == "" {
		return false
	}

	var env map[string]any
	if err := json.Unmarshal([]byte(telemetryEnvironment), &env); err != nil {
		return false
	}

	system, ok := env["system"].(map[string]any)
	if !ok {
		return false
	}
	osData, ok := system["os"].(map[string]any)
	if !ok {
		return false
	}
	if name, ok := osData["name"].(string); !ok || name != "Windows_NT" {
		return false
	}

	buildNumber, ok := osData["windowsBuildNumber"].(float64)
	if !ok || buildNumber == 0 {
		return false
	}
	return buildNumber <= windows81BuildNumber
}

// MozillaRules is the production rule set for Mozilla products. Order
// matters; the first matching rule wins unless sampling lands on CONTINUE.
func MozillaRules() []Rule {
	return []Rule{
		// Old build ids are rejected before anything else.
		{
			Name:   "has_old_buildid",
			Match:  matchOldBuildID,
			Result: Fixed(Reject),
		},
		// Reject the browser side of multi-submission hang crashes.
		{
			Name:   "has_hangid_and_browser",
			Match:  matchHangIDAndBrowser,
			Result: Fixed(Reject),
		},
		// Reject infobar=true crashes from the Firefox 52-59 range.
		{
			Name:   "infobar_is_true",
			Match:  matchInfobarTrue,
			Result: Fixed(Reject),
		},
		// B2G clients retry rejections forever; pretend to accept.
		{
			Name:   "b2g",
			Match:  matchB2G,
			Result: Fixed(FakeAccept),
		},
		{
			Name:   "unsupported_product",
			Match:  matchUnsupportedProduct,
			Result: Fixed(Reject),
		},
		{
			Name:   "unsupported_packagename",
			Match:  matchUnsupportedPackageName,
			Result: Fixed(Reject),
		},
		// Crashes with a user comment are always worth keeping.
		{
			Name:   "has_comments",
			Match:  KeyPresent("Comments"),
			Result: Fixed(Accept),
		},
		// Probabilistic heap checker crashes are rare and valuable.
		{
			Name:   "has_phc",
			Match:  KeyPresent("PHCKind"),
			Result: Fixed(Accept),
		},
		// GPU process crashes are rare enough to keep at 100%.
		{
			Name:   "is_gpu",
			Match:  KeyEquals("ProcessType", "gpu"),
			Result: Fixed(Accept),
		},
		// ShutDownKill reports are not really crashes; sample hard.
		{
			Name:   "is_shutdownkill",
			Match:  KeyEquals("ipc_channel_error", "ShutDownKill"),
			Result: Sampled(10, Continue, Reject),
		},
		// Keep 25% of Firefox ESR on Windows 8.1 and older.
		{
			Name: "is_firefox_esr_unsupported_windows",
			Match: AllOf(
				KeyEquals("ProductName", "Firefox"),
				KeyEquals("ReleaseChannel", "esr"),
				matchUnsupportedWindows,
			),
			Result: Sampled(25, Continue, Reject),
		},
		{
			Name:   "is_alpha_beta_esr",
			Match:  KeyIn("ReleaseChannel", "aurora", "beta", "esr"),
			Result: Fixed(Accept),
		},
		{
			Name:   "is_nightly",
			Match:  KeyPrefix("ReleaseChannel", "nightly"),
			Result: Fixed(Accept),
		},
		// Firefox desktop release volume is huge; keep 10%.
		{
			Name: "is_firefox_desktop",
			Match: AllOf(
				KeyEquals("ProductName", "Firefox"),
				KeyEquals("ReleaseChannel", "release"),
			),
			Result: Sampled(10, Accept, Reject),
		},
		{
			Name:   "accept_everything",
			Match:  Always(),
			Result: Fixed(Accept),
		},
	}
}
