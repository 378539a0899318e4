package ticket_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/resolvix/collector/internal/ticket"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError + 10,
	}))
}

// TestHTTPPublisherPostsJSON verifies the ticket body arrives intact and a
// 201 counts as success.
func TestHTTPPublisherPostsJSON(t *testing.T) {
	t.Parallel()

	var got ticket.Ticket
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := ticket.NewHTTPPublisher(srv.URL, quietLogger())
	want := ticket.Ticket{
		Title:    "ERROR in apache_errors",
		Priority: "high",
		Status:   "open",
		SystemIP: "192.0.2.10",
		LogLabel: "apache_errors",
		Severity: "error",
		Line:     "ERROR something broke",
	}
	if err := p.Publish(context.Background(), want); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got != want {
		t.Errorf("received ticket = %+v, want %+v", got, want)
	}
}

// TestHTTPPublisherReportsNon2xx verifies a rejecting backend yields an
// error without panicking or retrying.
func TestHTTPPublisherReportsNon2xx(t *testing.T) {
	t.Parallel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := ticket.NewHTTPPublisher(srv.URL, quietLogger())
	if err := p.Publish(context.Background(), ticket.Ticket{Title: "x"}); err == nil {
		t.Fatal("Publish succeeded against a 403 backend")
	}
	if calls != 1 {
		t.Errorf("backend called %d times, want exactly 1 (no retries)", calls)
	}
}

// fakePublisher records publications and optionally fails.
type fakePublisher struct {
	published []ticket.Ticket
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, t ticket.Ticket) error {
	f.published = append(f.published, t)
	return f.err
}

// TestMultiPublishesToAll verifies every publisher sees the ticket even when
// an earlier one fails, and that the first error surfaces.
func TestMultiPublishesToAll(t *testing.T) {
	t.Parallel()

	bad := &fakePublisher{err: errors.New("bus down")}
	good := &fakePublisher{}
	m := ticket.NewMulti(bad, nil, good)

	err := m.Publish(context.Background(), ticket.Ticket{Title: "t"})
	if !errors.Is(err, bad.err) {
		t.Errorf("Publish error = %v, want %v", err, bad.err)
	}
	if len(bad.published) != 1 || len(good.published) != 1 {
		t.Errorf("publications = %d/%d, want 1/1", len(bad.published), len(good.published))
	}
}

// TestAlertURLDerivation pins the base-URL recovery from the ticket API URL.
func TestAlertURLDerivation(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"http://backend:3000/api/logs", "http://backend:3000/api/alerts/create"},
		{"http://backend:3000/api/ticket", "http://backend:3000/api/alerts/create"},
		{"http://backend:3000", "http://backend:3000/api/alerts/create"},
		{"http://backend:3000/", "http://backend:3000/api/alerts/create"},
	}
	for _, c := range cases {
		if got := ticket.AlertURL(c.in); got != c.want {
			t.Errorf("AlertURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
