package learn

import (
	"fmt"
	"strings"

	"capforge/internal/logging"
	"capforge/internal/oracle"
)

// FailureCategory classifies a deployed capability's runtime failure.
type FailureCategory string

const (
	CategoryConfiguration     FailureCategory = "configuration"
	CategoryMissingDependency FailureCategory = "missing-dependency"
	CategoryFundamentalLimit  FailureCategory = "fundamental-limitation"
	CategoryAuth              FailureCategory = "auth"
	CategoryNetwork           FailureCategory = "network"
)

// Diagnosis is the analyzer's verdict on a runtime failure.
type Diagnosis struct {
	Capability   string          `json:"capability"`
	RootCause    string          `json:"root_cause"`
	Category     FailureCategory `json:"category"`
	Fixable      bool            `json:"fixable"`
	Requirements []string        `json:"requirements"` // Suggested fixes for resynthesis
}

// FailureAnalyzer classifies runtime failures of deployed capabilities
// and, for fixable ones, produces a requirement that re-enters the
// pipeline.
type FailureAnalyzer struct{}

// NewFailureAnalyzer creates a failure analyzer.
func NewFailureAnalyzer() *FailureAnalyzer {
	return &FailureAnalyzer{}
}

// Keyword tables checked in priority order: the most specific
// categories first, configuration as the broad fallback before giving
// up to fundamental-limitation.
var failureSignals = []struct {
	category FailureCategory
	fixable  bool
	keywords []string
}{
	{CategoryAuth, true, []string{
		"unauthorized", "forbidden", "401", "403", "api key", "apikey",
		"invalid credentials", "authentication", "token expired",
	}},
	{CategoryNetwork, true, []string{
		"no such host", "connection refused", "connection reset",
		"i/o timeout", "dns", "network is unreachable", "tls",
	}},
	{CategoryMissingDependency, true, []string{
		"cannot find package", "undefined:", "no required module",
		"unknown import", "not found in", "missing dependency",
	}},
	{CategoryFundamentalLimit, false, []string{
		"not supported", "unsupported", "not implemented",
		"impossible", "requires hardware", "platform",
	}},
	{CategoryConfiguration, true, []string{
		"permission denied", "no such file", "not set", "missing env",
		"invalid config", "malformed", "empty input", "out of range",
	}},
}

// Analyze inspects a runtime error and the original intent, and
// hypothesizes a root cause.
func (a *FailureAnalyzer) Analyze(capability, runtimeErr, intent string) *Diagnosis {
	lower := strings.ToLower(runtimeErr)

	for _, sig := range failureSignals {
		for _, kw := range sig.keywords {
			if strings.Contains(lower, kw) {
				d := &Diagnosis{
					Capability: capability,
					RootCause:  fmt.Sprintf("%s failure: matched %q in error output", sig.category, kw),
					Category:   sig.category,
					Fixable:    sig.fixable,
				}
				if d.Fixable {
					d.Requirements = suggestions(sig.category, runtimeErr)
				}
				logging.Learn("Diagnosed %s failure for %s (fixable=%v)",
					d.Category, capability, d.Fixable)
				return d
			}
		}
	}

	// Unrecognized failures are treated as fixable configuration
	// issues so the pipeline gets one more attempt with the error
	// attached as feedback.
	return &Diagnosis{
		Capability:   capability,
		RootCause:    "unclassified runtime failure",
		Category:     CategoryConfiguration,
		Fixable:      true,
		Requirements: []string{"handle this error explicitly: " + firstLine(runtimeErr)},
	}
}

// Requirement converts a fixable diagnosis into a synthesis requirement
// that re-enters the pipeline at Plan. Returns false for unfixable
// failures: the orchestrator must not resynthesize those.
func (a *FailureAnalyzer) Requirement(d *Diagnosis, originalRequest string) (oracle.Requirement, bool) {
	if !d.Fixable {
		return oracle.Requirement{}, false
	}
	return oracle.Requirement{
		Name:        d.Capability,
		Description: fmt.Sprintf("fix %s failure in capability %s", d.Category, d.Capability),
		Request:     originalRequest,
		Feedback: fmt.Sprintf("%s\nsuggested fixes: %s",
			d.RootCause, strings.Join(d.Requirements, "; ")),
	}, true
}

func suggestions(category FailureCategory, runtimeErr string) []string {
	switch category {
	case CategoryAuth:
		return []string{"read credentials from input instead of assuming them", "fail with a clear message when credentials are absent"}
	case CategoryNetwork:
		return []string{"remove network dependence or degrade gracefully when unreachable"}
	case CategoryMissingDependency:
		return []string{"restrict imports to the allowlisted packages", "inline the needed logic instead of importing it"}
	default:
		return []string{"validate input before use", "handle this error explicitly: " + firstLine(runtimeErr)}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
