package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// postTimeout bounds one ticket POST. Tickets are advisory; a slow backend
// gets a short leash.
const postTimeout = 5 * time.Second

// HTTPPublisher POSTs tickets to a fixed backend URL.
type HTTPPublisher struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPPublisher builds a publisher for url. The daemon creates one for
// log-event tickets (the --api-url flag) and the alert engine one for
// AlertURL(--api-url).
func NewHTTPPublisher(url string, logger *slog.Logger) *HTTPPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPPublisher{
		url:    url,
		client: &http.Client{Timeout: postTimeout},
		logger: logger,
	}
}

// Publish POSTs t as JSON. 200 and 201 are success; everything else is a
// logged warning and an error, which the caller is free to ignore.
func (p *HTTPPublisher) Publish(ctx context.Context, t Ticket) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("ticket: encoding: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ticket: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		logPublishFailure(p.logger, "http", t, err)
		return fmt.Errorf("ticket: posting: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		err := fmt.Errorf("ticket: backend returned %s", resp.Status)
		logPublishFailure(p.logger, "http", t, err)
		return err
	}
	p.logger.Debug("ticket: published", slog.String("title", t.Title))
	return nil
}
