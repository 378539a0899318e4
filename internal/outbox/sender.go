package outbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultIdleInterval is the sender's sleep when the queue is empty.
	DefaultIdleInterval = 5 * time.Second
	// DefaultPostTimeout bounds one ingestion POST.
	DefaultPostTimeout = 10 * time.Second
	// DefaultMaxAttempts is how many failures one entry survives.
	DefaultMaxAttempts = 10
	// DefaultBackoffBase is the first retry delay.
	DefaultBackoffBase = 2 * time.Second
	// DefaultBackoffMax caps the retry delay.
	DefaultBackoffMax = 5 * time.Minute

	// snapshotPath is the ingestion endpoint, relative to the backend base.
	snapshotPath = "/api/telemetry/snapshot"

	// jitterFraction spreads retries so a fleet of collectors recovering
	// from a backend outage does not stampede it.
	jitterFraction = 0.2
)

// Sender drains the queue toward the ingestion backend: single in-flight
// POST, head-of-queue order, exponential backoff between failures.
type Sender struct {
	queue       *Queue
	url         string
	token       string
	client      *http.Client
	idle        time.Duration
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	logger      *slog.Logger

	// now and jitter are swapped out by tests.
	now    func() time.Time
	jitter func(time.Duration) time.Duration
}

// SenderConfig wires a Sender. BackendURL is the ingestion base URL; the
// snapshot path is appended. Zero durations and counts use the package
// defaults.
type SenderConfig struct {
	Queue       *Queue
	BackendURL  string
	Token       string
	IdleSleep   time.Duration
	PostTimeout time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Logger      *slog.Logger
}

// NewSender constructs a Sender. Nothing is sent until Run is called.
func NewSender(cfg SenderConfig) *Sender {
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = DefaultIdleInterval
	}
	if cfg.PostTimeout <= 0 {
		cfg.PostTimeout = DefaultPostTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		queue:       cfg.Queue,
		url:         cfg.BackendURL + snapshotPath,
		token:       cfg.Token,
		client:      &http.Client{Timeout: cfg.PostTimeout},
		idle:        cfg.IdleSleep,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		backoffMax:  cfg.BackoffMax,
		logger:      logger,
		now:         time.Now,
		jitter:      defaultJitter,
	}
}

// Run drains the queue until ctx is cancelled. Delivery is at-least-once and
// in order: the head entry is retried until it is acknowledged or exhausts
// its attempts.
func (s *Sender) Run(ctx context.Context) {
	s.warnIfTokenExpired()

	for {
		head, ok := s.queue.Head()
		if !ok {
			if !sleep(ctx, s.idle) {
				return
			}
			continue
		}

		if wait := head.NextAttemptTS.Sub(s.now()); wait > 0 {
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		if err := s.post(ctx, head); err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt := head.Attempts + 1
			next := s.now().Add(s.backoff(attempt))
			dropped, ferr := s.queue.Fail(head.Seq, next, s.maxAttempts, err)
			if ferr != nil {
				s.logger.Error("outbox: recording failure", "error", ferr)
			}
			if !dropped {
				s.logger.Warn("outbox: delivery failed, will retry",
					slog.Uint64("seq", head.Seq),
					slog.Int("attempt", attempt),
					slog.Time("next_attempt", next),
					slog.Any("error", err))
			}
			continue
		}

		if err := s.queue.Ack(head.Seq); err != nil {
			s.logger.Error("outbox: recording delivery", "error", err)
		}
		s.logger.Debug("outbox: snapshot delivered", slog.Uint64("seq", head.Seq))
	}
}

// post performs one ingestion POST. Any non-2xx status is an error; the body
// is drained so the connection can be reused.
func (s *Sender) post(ctx context.Context, e Entry) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(e.Payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting snapshot: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ingestion returned %s", resp.Status)
	}
	return nil
}

// backoff computes the delay before retry number attempt (1-based):
// min(base·2^(attempt−1), max) plus jitter.
func (s *Sender) backoff(attempt int) time.Duration {
	d := s.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.backoffMax || d <= 0 { // <= 0 guards shift overflow
			d = s.backoffMax
			break
		}
	}
	if d > s.backoffMax {
		d = s.backoffMax
	}
	return d + s.jitter(d)
}

// defaultJitter returns a random offset in ±jitterFraction of d.
func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	span := float64(d) * jitterFraction
	return time.Duration((rand.Float64()*2 - 1) * span)
}

// warnIfTokenExpired decodes the configured token without verifying its
// signature, purely to tell the operator at startup that the backend will
// reject it. Verification belongs to the backend; a malformed token still
// gets sent, because the collector cannot know what the backend accepts.
func (s *Sender) warnIfTokenExpired() {
	if s.token == "" {
		return
	}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(s.token, claims); err != nil {
		s.logger.Info("outbox: ingestion token is not a decodable JWT", "error", err)
		return
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	switch remaining := time.Until(exp.Time); {
	case remaining <= 0:
		s.logger.Warn("outbox: ingestion token is expired, deliveries will be rejected",
			slog.Time("expired_at", exp.Time))
	case remaining < 24*time.Hour:
		s.logger.Warn("outbox: ingestion token expires soon",
			slog.Time("expires_at", exp.Time))
	}
}

// sleep waits for d or ctx cancellation, reporting false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
