package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError + 10,
	}))
}

// newTestSender wires a queue and sender against url with fast timings and
// no jitter, so backoff arithmetic is deterministic.
func newTestSender(t *testing.T, url string) (*Queue, *Sender) {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue"), Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	s := NewSender(SenderConfig{
		Queue:       q,
		BackendURL:  url,
		Token:       "test-token",
		IdleSleep:   5 * time.Millisecond,
		PostTimeout: time.Second,
		MaxAttempts: 4,
		BackoffBase: time.Millisecond,
		BackoffMax:  4 * time.Millisecond,
		Logger:      testLogger(),
	})
	s.jitter = func(time.Duration) time.Duration { return 0 }
	return q, s
}

// TestSenderDrainsQueueInOrder verifies that with a healthy backend the
// queue drains to empty, in enqueue order, with the auth header attached.
func TestSenderDrainsQueueInOrder(t *testing.T) {
	t.Parallel()

	var got []string
	received := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/telemetry/snapshot" {
			t.Errorf("POST path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
			t.Errorf("Authorization = %q", auth)
		}
		var body struct {
			N string `json:"n"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		got = append(got, body.N)
		received <- struct{}{}
	}))
	defer srv.Close()

	q, s := newTestSender(t, srv.URL)
	q.Enqueue(json.RawMessage(`{"n":"a"}`))
	q.Enqueue(json.RawMessage(`{"n":"b"}`))
	q.Enqueue(json.RawMessage(`{"n":"c"}`))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	for i := 0; i < 3; i++ {
		select {
		case <-received:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d deliveries within 5s", i)
		}
	}

	deadline := time.After(2 * time.Second)
	for q.Len() != 0 {
		select {
		case <-deadline:
			t.Fatalf("queue did not drain, %d left", q.Len())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if want := []string{"a", "b", "c"}; len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Errorf("delivery order = %v, want %v", got, want)
	}
	if st := q.Stats(); st.Delivered != 3 {
		t.Errorf("Delivered = %d, want 3", st.Delivered)
	}
}

// TestSenderRetriesOn500ThenRecovers verifies the head entry accumulates
// attempts while the backend fails, the queue length holds, and flipping the
// backend to 200 drains everything.
func TestSenderRetriesOn500ThenRecovers(t *testing.T) {
	t.Parallel()

	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	q, s := newTestSender(t, srv.URL)
	s.maxAttempts = 1000 // keep the entry alive through the failure window
	for i := 0; i < 3; i++ {
		q.Enqueue(json.RawMessage(`{}`))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// Wait until the head has been retried a few times.
	deadline := time.After(5 * time.Second)
	for {
		head, ok := q.Head()
		if ok && head.Attempts >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("head never accumulated 3 attempts")
		case <-time.After(2 * time.Millisecond):
		}
	}
	if got := q.Len(); got != 3 {
		t.Errorf("Len during failure = %d, want 3", got)
	}
	if st := q.Stats(); st.LastError == "" {
		t.Error("Stats.LastError empty during failure window")
	}

	failing.Store(false)
	deadline = time.After(5 * time.Second)
	for q.Len() != 0 {
		select {
		case <-deadline:
			t.Fatalf("queue did not drain after recovery, %d left", q.Len())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestSenderDropsEntryAfterMaxAttempts verifies a permanently failing entry
// is eventually dropped and the sender moves on.
func TestSenderDropsEntryAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	q, s := newTestSender(t, srv.URL) // maxAttempts = 4
	q.Enqueue(json.RawMessage(`{}`))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	deadline := time.After(5 * time.Second)
	for q.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("entry never dropped")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if st := q.Stats(); st.DroppedAttempts != 1 {
		t.Errorf("DroppedAttempts = %d, want 1", st.DroppedAttempts)
	}
}

// TestBackoffDoublesAndCaps pins the backoff schedule without jitter.
func TestBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	s := NewSender(SenderConfig{
		BackendURL:  "http://unused",
		BackoffBase: time.Second,
		BackoffMax:  8 * time.Second,
		Logger:      testLogger(),
	})
	s.jitter = func(time.Duration) time.Duration { return 0 }

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 8 * time.Second, 8 * time.Second,
	}
	for i, w := range want {
		if got := s.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

// TestJitterBounded verifies the default jitter stays within ±20%.
func TestJitterBounded(t *testing.T) {
	t.Parallel()

	for i := 0; i < 100; i++ {
		j := defaultJitter(10 * time.Second)
		if j < -2*time.Second || j > 2*time.Second {
			t.Fatalf("jitter %v outside ±2s", j)
		}
	}
}
