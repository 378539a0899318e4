// Package ticket publishes surviving log events and host alerts to the
// backend as tickets. Publication is fire-and-forget from the pipeline's
// perspective: a failure is the publisher's problem to log, never the
// pipeline's problem to retry, because a stuck backend must not stall log
// collection.
package ticket

import (
	"context"
	"log/slog"
	"strings"
)

// Ticket is the payload of one ticket creation request. Log-event tickets
// populate the log fields; alert tickets populate the alert fields.
type Ticket struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Status      string `json:"status"`
	Application string `json:"application"`
	SystemIP    string `json:"system_ip"`

	// Log-event fields.
	LogLabel string `json:"log_label,omitempty"`
	Severity string `json:"severity,omitempty"`
	Line     string `json:"line,omitempty"`

	// Alert-engine fields.
	AlertType   string  `json:"alert_type,omitempty"`
	MetricValue float64 `json:"metric_value,omitempty"`
}

// Publisher delivers one ticket. Implementations log their own failures;
// the returned error exists for the caller's warning line only.
type Publisher interface {
	Publish(ctx context.Context, t Ticket) error
}

// Multi fans one ticket out to several publishers. Each publisher gets its
// chance regardless of the others' failures; the first error is returned.
type Multi struct {
	publishers []Publisher
}

// NewMulti builds a Multi from the non-nil publishers.
func NewMulti(publishers ...Publisher) *Multi {
	m := &Multi{}
	for _, p := range publishers {
		if p != nil {
			m.publishers = append(m.publishers, p)
		}
	}
	return m
}

// Publish delivers t to every publisher.
func (m *Multi) Publish(ctx context.Context, t Ticket) error {
	var first error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, t); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// AlertURL derives the alert-creation endpoint from the configured ticket
// API URL: the known resource suffixes are stripped to recover the backend
// base, then the alerts path is appended.
func AlertURL(apiURL string) string {
	base := strings.TrimSuffix(apiURL, "/")
	base = strings.TrimSuffix(base, "/api/ticket")
	base = strings.TrimSuffix(base, "/api/logs")
	return base + "/api/alerts/create"
}

// logPublishFailure is the shared warning line for failed publications.
func logPublishFailure(logger *slog.Logger, kind string, t Ticket, err error) {
	logger.Warn("ticket: publish failed",
		slog.String("publisher", kind),
		slog.String("title", t.Title),
		slog.Any("error", err))
}
