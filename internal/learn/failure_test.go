package learn

import (
	"testing"
)

func TestFailureAnalyzerCategories(t *testing.T) {
	tests := []struct {
		name         string
		runtimeErr   string
		wantCategory FailureCategory
		wantFixable  bool
	}{
		{
			name:         "auth failure",
			runtimeErr:   "request rejected: 401 unauthorized",
			wantCategory: CategoryAuth,
			wantFixable:  true,
		},
		{
			name:         "api key missing",
			runtimeErr:   "no API key configured for provider",
			wantCategory: CategoryAuth,
			wantFixable:  true,
		},
		{
			name:         "network failure",
			runtimeErr:   "dial tcp: lookup example.invalid: no such host",
			wantCategory: CategoryNetwork,
			wantFixable:  true,
		},
		{
			name:         "missing dependency",
			runtimeErr:   `candidate.go:4: cannot find package "left-pad"`,
			wantCategory: CategoryMissingDependency,
			wantFixable:  true,
		},
		{
			name:         "fundamental limitation",
			runtimeErr:   "screen capture is not supported in this environment",
			wantCategory: CategoryFundamentalLimit,
			wantFixable:  false,
		},
		{
			name:         "configuration problem",
			runtimeErr:   "open config.yaml: no such file or directory",
			wantCategory: CategoryConfiguration,
			wantFixable:  true,
		},
		{
			name:         "unclassified defaults to configuration",
			runtimeErr:   "something inexplicable happened",
			wantCategory: CategoryConfiguration,
			wantFixable:  true,
		},
	}

	a := NewFailureAnalyzer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := a.Analyze("some_capability", tt.runtimeErr, "original intent")
			if d.Category != tt.wantCategory {
				t.Errorf("Category = %s, want %s", d.Category, tt.wantCategory)
			}
			if d.Fixable != tt.wantFixable {
				t.Errorf("Fixable = %v, want %v", d.Fixable, tt.wantFixable)
			}
			if d.Capability != "some_capability" {
				t.Errorf("Capability = %q", d.Capability)
			}
			if d.Fixable && len(d.Requirements) == 0 {
				t.Error("fixable diagnosis must carry suggested requirements")
			}
		})
	}
}

func TestFailureAnalyzerRequirement(t *testing.T) {
	a := NewFailureAnalyzer()

	fixable := a.Analyze("fetch_weather", "dial tcp: connection refused", "get the weather")
	req, ok := a.Requirement(fixable, "get the weather")
	if !ok {
		t.Fatal("fixable diagnosis must yield a requirement")
	}
	if req.Name != "fetch_weather" {
		t.Errorf("Name = %q, want fetch_weather", req.Name)
	}
	if req.Feedback == "" {
		t.Error("requirement must carry failure feedback for the oracle")
	}

	unfixable := a.Analyze("capture_screen", "screen capture not supported", "take a screenshot")
	if _, ok := a.Requirement(unfixable, "take a screenshot"); ok {
		t.Error("unfixable diagnosis must not yield a requirement")
	}
}
