// Package classify decides whether a log line is an error-class event and
// what severity and priority it carries. Classification is a static ordered
// keyword scan: severity classes are tested highest first, and within a
// class the first matching keyword wins. Matching is case-insensitive
// substring on the whole line.
package classify

import "strings"

// Severity is the class of the keyword that triggered on a line.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Priority is the urgency attached to a monitored file or a log event.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// priorityRank orders priorities for comparison; higher is more urgent.
var priorityRank = map[Priority]int{
	PriorityLow:      1,
	PriorityMedium:   2,
	PriorityHigh:     3,
	PriorityCritical: 4,
}

// ParsePriority normalises a priority string. It returns ("", false) for
// anything outside the four known values; callers decide the fallback.
func ParsePriority(s string) (Priority, bool) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := priorityRank[p]; !ok {
		return "", false
	}
	return p, true
}

// Rank returns the comparable urgency of p. Unknown priorities rank below
// low so that a malformed subscriber filter never hides events.
func Rank(p Priority) int {
	return priorityRank[p]
}

// Classifier scans lines against ordered keyword classes.
type Classifier struct {
	classes []keywordClass
}

type keywordClass struct {
	severity Severity
	keywords []string // already lowercased
}

// New builds a Classifier from per-class keyword lists, ordered highest
// severity first. Keywords are lowercased once at construction.
func New(critical, errorClass, high, medium []string) *Classifier {
	return &Classifier{classes: []keywordClass{
		{SeverityCritical, lowerAll(critical)},
		{SeverityError, lowerAll(errorClass)},
		{SeverityHigh, lowerAll(high)},
		{SeverityMedium, lowerAll(medium)},
	}}
}

// Default returns a Classifier with the built-in keyword lists.
func Default() *Classifier {
	return New(
		[]string{"emerg", "emergency", "panic", "fatal", "crit", "critical", "alert"},
		[]string{"error", "err", "exception", "fail", "failed", "failure"},
		[]string{"warn", "warning"},
		[]string{"notice"},
	)
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, k := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}

// Classify reports whether line is an issue and, if so, the severity of the
// first keyword class that matched. Lines that hit no keyword are not
// issues.
func (c *Classifier) Classify(line string) (bool, Severity) {
	lower := strings.ToLower(line)
	for _, cls := range c.classes {
		for _, kw := range cls.keywords {
			if strings.Contains(lower, kw) {
				return true, cls.severity
			}
		}
	}
	return false, ""
}

// EventPriority derives the priority of a log event from the line itself,
// the classified severity, and the monitored file's configured priority.
// The line heuristic maps severity to a base priority (critical→critical,
// error→high, high→medium, everything else→low) and escalates to critical
// when the line mentions "fatal" or "panic"; the stronger of that and the
// file's own priority wins.
func EventPriority(line string, severity Severity, filePriority Priority) Priority {
	derived := PriorityLow
	switch severity {
	case SeverityCritical:
		derived = PriorityCritical
	case SeverityError:
		derived = PriorityHigh
	case SeverityHigh:
		derived = PriorityMedium
	}

	lower := strings.ToLower(line)
	if strings.Contains(lower, "fatal") || strings.Contains(lower, "panic") {
		derived = PriorityCritical
	}

	if Rank(filePriority) > Rank(derived) {
		return filePriority
	}
	return derived
}
