package classify_test

import (
	"testing"

	"github.com/resolvix/collector/internal/classify"
)

// TestClassifyOrderedClasses verifies the class order: a line matching both
// a critical and an error keyword classifies as critical.
func TestClassifyOrderedClasses(t *testing.T) {
	t.Parallel()

	c := classify.Default()
	tests := []struct {
		line     string
		isIssue  bool
		severity classify.Severity
	}{
		{"FATAL error occurred", true, classify.SeverityCritical},
		{"kernel panic - not syncing", true, classify.SeverityCritical},
		{"Connection failed", true, classify.SeverityError},
		{"request exception in handler", true, classify.SeverityError},
		{"Warning: disk space low", true, classify.SeverityHigh},
		{"notice: reloading configuration", true, classify.SeverityMedium},
		{"GET /health 200 OK", false, ""},
		{"", false, ""},
	}
	for _, tt := range tests {
		isIssue, severity := c.Classify(tt.line)
		if isIssue != tt.isIssue || severity != tt.severity {
			t.Errorf("Classify(%q) = (%v, %q), want (%v, %q)",
				tt.line, isIssue, severity, tt.isIssue, tt.severity)
		}
	}
}

// TestClassifyCaseInsensitive verifies matching ignores case.
func TestClassifyCaseInsensitive(t *testing.T) {
	t.Parallel()

	c := classify.Default()
	for _, line := range []string{"ERROR boom", "error boom", "ErRoR boom"} {
		if isIssue, severity := c.Classify(line); !isIssue || severity != classify.SeverityError {
			t.Errorf("Classify(%q) = (%v, %q)", line, isIssue, severity)
		}
	}
}

// TestClassifyCustomKeywords verifies configured lists replace the defaults.
func TestClassifyCustomKeywords(t *testing.T) {
	t.Parallel()

	c := classify.New([]string{"meltdown"}, []string{"oops"}, nil, nil)
	if isIssue, severity := c.Classify("total meltdown imminent"); !isIssue || severity != classify.SeverityCritical {
		t.Errorf("custom critical keyword: (%v, %q)", isIssue, severity)
	}
	if isIssue, _ := c.Classify("ERROR not in any list"); isIssue {
		t.Error("default keyword matched after replacement")
	}
}

// TestEventPriority pins the line priority heuristic fixtures.
func TestEventPriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line         string
		severity     classify.Severity
		filePriority classify.Priority
		want         classify.Priority
	}{
		{"FATAL error occurred", classify.SeverityError, classify.PriorityLow, classify.PriorityCritical},
		{"Connection failed", classify.SeverityError, classify.PriorityLow, classify.PriorityHigh},
		{"Warning: disk space low", classify.SeverityHigh, classify.PriorityLow, classify.PriorityMedium},
		// The file's own priority wins when it is stronger than the line's.
		{"notice: something", classify.SeverityMedium, classify.PriorityHigh, classify.PriorityHigh},
		// The line escalation wins over a weaker file priority.
		{"panic in worker", classify.SeverityError, classify.PriorityMedium, classify.PriorityCritical},
	}
	for _, tt := range tests {
		got := classify.EventPriority(tt.line, tt.severity, tt.filePriority)
		if got != tt.want {
			t.Errorf("EventPriority(%q, %q, %q) = %q, want %q",
				tt.line, tt.severity, tt.filePriority, got, tt.want)
		}
	}
}

// TestParsePriority verifies normalisation and rejection.
func TestParsePriority(t *testing.T) {
	t.Parallel()

	if p, ok := classify.ParsePriority("  High "); !ok || p != classify.PriorityHigh {
		t.Errorf("ParsePriority(\"  High \") = (%q, %v)", p, ok)
	}
	if _, ok := classify.ParsePriority("urgent"); ok {
		t.Error("ParsePriority accepted an unknown value")
	}
	if _, ok := classify.ParsePriority(""); ok {
		t.Error("ParsePriority accepted the empty string")
	}
}

// TestRankOrdering verifies priority comparison, with unknown values ranked
// below low.
func TestRankOrdering(t *testing.T) {
	t.Parallel()

	order := []classify.Priority{classify.PriorityLow, classify.PriorityMedium, classify.PriorityHigh, classify.PriorityCritical}
	for i := 1; i < len(order); i++ {
		if classify.Rank(order[i]) <= classify.Rank(order[i-1]) {
			t.Errorf("Rank(%q) <= Rank(%q)", order[i], order[i-1])
		}
	}
	if classify.Rank(classify.Priority("bogus")) >= classify.Rank(classify.PriorityLow) {
		t.Error("unknown priority ranks at or above low")
	}
}
