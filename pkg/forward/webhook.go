package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"wcfbridge/pkg/event"
)

const defaultWebhookTimeout = 10 * time.Second

// StatusError is a webhook answer outside 2xx.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook %s answered %d", e.URL, e.Code)
}

// Webhook POSTs every event as JSON to one URL.
type Webhook struct {
	name    string
	url     string
	mode    Mode
	headers map[string]string
	client  *http.Client
}

// WebhookOptions configures a Webhook sink.
type WebhookOptions struct {
	Name    string
	URL     string
	Mode    Mode
	Timeout time.Duration
	Headers map[string]string
}

func NewWebhook(opts WebhookOptions) *Webhook {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultWebhookTimeout
	}
	if opts.Mode == "" {
		opts.Mode = ModeRetry
	}
	if opts.Name == "" {
		opts.Name = "webhook"
	}
	return &Webhook{
		name:    opts.Name,
		url:     opts.URL,
		mode:    opts.Mode,
		headers: opts.Headers,
		client:  &http.Client{Timeout: opts.Timeout},
	}
}

func (w *Webhook) Name() string { return w.name }

func (w *Webhook) Mode() Mode { return w.mode }

func (w *Webhook) Deliver(ctx context.Context, ev event.NormalizedEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	for key, value := range w.headers {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", ev.ID)
	req.Header.Set("X-Event-Kind", string(ev.Kind))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{URL: w.url, Code: resp.StatusCode}
	}
	return nil
}
