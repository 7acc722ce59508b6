// Package render talks to the media rendering service that turns a
// content blueprint into a finished clip. Rendering is asynchronous:
// the client submits a job and polls until the service reports the
// media reference.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/contentforge/orchestrator/internal/retry"
)

// DependencyName is the circuit-breaker name for this service.
const DependencyName = "render"

const (
	defaultTimeout      = 30 * time.Second
	defaultPollInterval = 2 * time.Second
)

// Options configures the render client.
type Options struct {
	// Timeout bounds one HTTP request, not the whole render.
	Timeout time.Duration
	// PollInterval is the cadence for checking job completion.
	PollInterval time.Duration
	// Token is the bearer token for the render API.
	Token string
}

// Client submits render jobs and waits for their results.
type Client struct {
	baseURL      string
	token        string
	pollInterval time.Duration
	http         *http.Client
	log          *slog.Logger
}

// New creates a render client for the service at baseURL.
func New(baseURL string, opts Options, log *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		token:        opts.Token,
		pollInterval: opts.PollInterval,
		http:         &http.Client{Timeout: opts.Timeout},
		log:          log.With("component", "render"),
	}
}

type jobRequest struct {
	Script string `json:"script"`
}

type jobState struct {
	ID       string `json:"id"`
	Status   string `json:"status"` // queued | rendering | done | failed
	MediaRef string `json:"media_ref,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Render submits the script and blocks until the clip is ready,
// returning its media reference. The caller's context bounds the whole
// wait.
func (c *Client) Render(ctx context.Context, script string) (string, error) {
	var job jobState
	body, err := json.Marshal(jobRequest{Script: script})
	if err != nil {
		return "", fmt.Errorf("encode render request: %w", err)
	}
	if err := c.do(ctx, http.MethodPost, "/jobs", body, &job); err != nil {
		return "", err
	}
	c.log.Info("render job submitted", "job", job.ID)

	for {
		switch job.Status {
		case "done":
			if job.MediaRef == "" {
				return "", retry.Transient(fmt.Errorf("render job %s done without media ref", job.ID))
			}
			return job.MediaRef, nil
		case "failed":
			return "", retry.Permanent(fmt.Errorf("render job %s failed: %s", job.ID, job.Error))
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.pollInterval):
		}
		if err := c.do(ctx, http.MethodGet, "/jobs/"+job.ID, nil, &job); err != nil {
			return "", err
		}
	}
}

// Probe is the liveness check used by the health monitor.
func (c *Client) Probe(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create render request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return retry.Transient(fmt.Errorf("render request failed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("render HTTP status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		return retry.FromStatusCode(resp.StatusCode, err)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Transient(fmt.Errorf("decode render response: %w", err))
	}
	return nil
}
