// Package notify delivers forwarded records to their destinations.
//
// Delivery is best effort: a failed send is logged and dropped, never
// retried. Exactly one Dispatcher drains the outbound queue so messages keep
// the order in which the monitor enqueued them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tinytelemetry/mcwatch/internal/model"
)

// Sink sends one message. A non-nil error is a delivery failure.
type Sink interface {
	Send(ctx context.Context, msg model.Message) error
}

// LogSink writes messages as "[destination] content" lines.
type LogSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLogSink creates a sink that writes to w.
func NewLogSink(w io.Writer) *LogSink {
	return &LogSink{w: w}
}

func (s *LogSink) Send(_ context.Context, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "[%s] %s\n", msg.Destination, msg.Content)
	return err
}

const (
	defaultWebhookTimeout = 10 * time.Second
	defaultUserAgent      = "mcwatch/0.1"
)

// webhookPayload matches the Discord webhook execute body.
type webhookPayload struct {
	Username string `json:"username"`
	Content  string `json:"content"`
}

// WebhookSink posts messages to a chat webhook. The destination name is
// sent as the display username.
type WebhookSink struct {
	url       string
	http      *http.Client
	userAgent string
}

// NewWebhookSink validates rawURL and builds a sink with the given timeout.
func NewWebhookSink(rawURL string, timeout time.Duration) (*WebhookSink, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook url must use http or https, got %q", u.Scheme)
	}
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookSink{
		url:       u.String(),
		http:      &http.Client{Timeout: timeout},
		userAgent: defaultUserAgent,
	}, nil
}

func (s *WebhookSink) Send(ctx context.Context, msg model.Message) error {
	body, err := json.Marshal(webhookPayload{Username: msg.Destination, Content: msg.Content})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
