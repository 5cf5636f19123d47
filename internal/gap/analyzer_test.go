package gap

import (
	"testing"

	"capforge/internal/registry"
)

func batteryDescriptor() *registry.Descriptor {
	return &registry.Descriptor{
		Name:       "monitor_battery",
		Tags:       []string{"battery", "status", "monitor"},
		SourcePath: "/tmp/monitor_battery.go",
	}
}

func TestAnalyzeCoveredRequest(t *testing.T) {
	a := NewAnalyzer()
	descs := []*registry.Descriptor{batteryDescriptor()}

	report := a.Analyze("check battery percentage", descs)
	if report.GapConfirmed {
		t.Fatalf("expected no gap for covered request, got report %+v", report)
	}
	if report.SatisfiedBy != "monitor_battery" {
		t.Errorf("SatisfiedBy = %q, want monitor_battery", report.SatisfiedBy)
	}
}

func TestAnalyzeConfirmedGap(t *testing.T) {
	a := NewAnalyzer()
	descs := []*registry.Descriptor{batteryDescriptor()}

	report := a.Analyze("translate this document to French", descs)
	if !report.GapConfirmed {
		t.Fatalf("expected gap for unrelated request, matched by %s via %s",
			report.SatisfiedBy, report.MatchedBy)
	}
	if report.Category != "text" {
		t.Errorf("Category = %q, want text", report.Category)
	}
	if report.MissingDescription == "" {
		t.Error("expected a missing-capability description")
	}
}

func TestAnalyzeEmptyRegistry(t *testing.T) {
	a := NewAnalyzer()

	report := a.Analyze("convert json to csv", nil)
	if !report.GapConfirmed {
		t.Fatal("empty registry must confirm every gap")
	}
	if report.Confidence < 0.75 {
		t.Errorf("Confidence = %.2f, want >= 0.75 with no near-misses", report.Confidence)
	}
}

func TestAnalyzeStages(t *testing.T) {
	descs := []*registry.Descriptor{
		{
			Name:       "fetch_url",
			Tags:       []string{"network", "download", "fetch", "url"},
			SourcePath: "/tmp/fetch_url.go",
		},
		batteryDescriptor(),
	}

	tests := []struct {
		name      string
		request   string
		wantGap   bool
		matchedBy string
	}{
		{
			name:      "direct name match",
			request:   "please monitor battery for me",
			wantGap:   false,
			matchedBy: "direct",
		},
		{
			name:      "verb group equivalence in shared domain",
			request:   "watch the battery status",
			wantGap:   false,
			matchedBy: "direct", // two tags appear verbatim
		},
		{
			name:      "synonym verb with shared target",
			request:   "track battery percentage",
			wantGap:   false,
			matchedBy: "verb_noun",
		},
		{
			name:    "disjoint domain never matches",
			request: "send a slack message to the team",
			wantGap: true,
		},
	}

	a := NewAnalyzer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := a.Analyze(tt.request, descs)
			if report.GapConfirmed != tt.wantGap {
				t.Fatalf("GapConfirmed = %v, want %v (matched by %q)",
					report.GapConfirmed, tt.wantGap, report.MatchedBy)
			}
			if !tt.wantGap && report.MatchedBy != tt.matchedBy {
				t.Errorf("MatchedBy = %q, want %q", report.MatchedBy, tt.matchedBy)
			}
		})
	}
}

func TestAnalyzeNearMissLowersConfidence(t *testing.T) {
	a := NewAnalyzer()
	descs := []*registry.Descriptor{
		{
			Name:       "get_page",
			Tags:       []string{"web"},
			SourcePath: "/tmp/get_page.go",
		},
	}

	// Heavy token overlap with get_page but a different action verb: a
	// gap, but a low-confidence one.
	report := a.Analyze("remove web page", descs)
	if !report.GapConfirmed {
		t.Fatalf("expected gap, matched by %s", report.MatchedBy)
	}
	if report.Confidence >= 0.5 {
		t.Errorf("Confidence = %.2f, want < 0.5 for a near-miss gap", report.Confidence)
	}
}

func TestAnalyzeDeterministic(t *testing.T) {
	a := NewAnalyzer()
	descs := []*registry.Descriptor{
		batteryDescriptor(),
		{Name: "save_file", Tags: []string{"file", "save", "storage"}, SourcePath: "/tmp/save_file.go"},
	}

	first := a.Analyze("archive my folder to disk", descs)
	for i := 0; i < 5; i++ {
		again := a.Analyze("archive my folder to disk", descs)
		if again.GapConfirmed != first.GapConfirmed ||
			again.Confidence != first.Confidence ||
			again.Category != first.Category {
			t.Fatalf("run %d diverged: %+v vs %+v", i, again, first)
		}
	}
}

func TestSuggestName(t *testing.T) {
	tests := []struct {
		request string
		want    string
	}{
		{"translate this document to French", "translate_document_french"},
		{"check battery percentage", "check_battery_percentage"},
		{"the and of", "custom_capability"},
	}
	a := NewAnalyzer()
	for _, tt := range tests {
		report := a.Analyze(tt.request, nil)
		if got := SuggestName(report); got != tt.want {
			t.Errorf("SuggestName(%q) = %q, want %q", tt.request, got, tt.want)
		}
	}
}

func TestTokenSimilarity(t *testing.T) {
	tests := []struct {
		a, b []string
		want float64
	}{
		{[]string{"a", "b"}, []string{"a", "b"}, 1.0},
		{[]string{"a", "b"}, []string{"c", "d"}, 0.0},
		{[]string{"a", "b"}, []string{"b", "c"}, 0.5},
		{nil, []string{"a"}, 0.0},
	}
	for _, tt := range tests {
		if got := tokenSimilarity(tt.a, tt.b); got != tt.want {
			t.Errorf("tokenSimilarity(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
