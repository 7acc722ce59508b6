package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/contentforge/orchestrator/internal/bus"
)

const webhookTimeout = 10 * time.Second

// Webhook POSTs each event as JSON to an external endpoint.
type Webhook struct {
	// URL is the endpoint to deliver to.
	URL string
	// Secret, when set, is sent as a bearer token.
	Secret string
	// HTTPClient overrides the default client, for tests.
	HTTPClient *http.Client
}

func (w *Webhook) Name() string { return "webhook:" + w.URL }

func (w *Webhook) Notify(ctx context.Context, ev bus.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+w.Secret)
	}

	client := w.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook HTTP status %d", resp.StatusCode)
	}
	return nil
}
