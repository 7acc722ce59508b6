// Package platform provides REST clients for the social platforms the
// orchestrator publishes to. Each client implements the pipeline's
// Publisher boundary and exposes a health probe.
package platform

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

	"github.com/contentforge/orchestrator/internal/pipeline"
	"github.com/contentforge/orchestrator/internal/retry"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 30 * time.Second

// Error represents a failure talking to a platform API.
type Error struct {
	Platform string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Platform, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Platform, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Options configures a platform client.
type Options struct {
	// Timeout bounds one HTTP request.
	Timeout time.Duration
	// Token is the bearer token for the platform API.
	Token string
}

// Client talks to one platform's publishing API.
type Client struct {
	name    string
	baseURL string
	token   string
	http    *http.Client
	log     *slog.Logger
}

// NewClient creates a client for the named platform. baseURL is the
// API root, without a trailing slash.
func NewClient(name, baseURL string, opts Options, log *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   opts.Token,
		http:    &http.Client{Timeout: opts.Timeout},
		log:     log.With("platform", name),
	}
}

// Name returns the platform name used for circuit-breaking.
func (c *Client) Name() string { return c.name }

type publishRequest struct {
	Caption     string    `json:"caption"`
	Hashtags    []string  `json:"hashtags,omitempty"`
	MediaRef    string    `json:"media_ref"`
	ScheduledAt time.Time `json:"scheduled_at,omitempty"`
}

type publishResponse struct {
	ID string `json:"id"`
}

// Publish posts the content and returns the platform's post ID.
// Failures carry retry classification from the HTTP status.
func (c *Client) Publish(ctx context.Context, post pipeline.Post) (string, error) {
	body, err := json.Marshal(publishRequest{
		Caption:     post.Caption,
		Hashtags:    post.Hashtags,
		MediaRef:    post.MediaRef,
		ScheduledAt: post.ScheduledAt,
	})
	if err != nil {
		return "", &Error{Platform: c.name, Message: "encode publish request", Cause: err}
	}

	var out publishResponse
	if err := c.do(ctx, http.MethodPost, "/posts", body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", retry.Transient(&Error{Platform: c.name, Message: "empty post id in response"})
	}
	c.log.Info("post published", "post_id", out.ID)
	return out.ID, nil
}

type metricsResponse struct {
	Views int64 `json:"views"`
}

// Metrics returns the view count for a published post.
func (c *Client) Metrics(ctx context.Context, postID string) (int64, error) {
	var out metricsResponse
	if err := c.do(ctx, http.MethodGet, "/posts/"+postID+"/metrics", nil, &out); err != nil {
		return 0, err
	}
	return out.Views, nil
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
		return &Error{Platform: c.name, Message: "create request", Cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failures carry no status; retry them.
		return retry.Transient(&Error{Platform: c.name, Message: "HTTP request failed", Cause: err})
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		apiErr := &Error{
			Platform: c.name,
			Message:  fmt.Sprintf("HTTP status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
		}
		return retry.FromStatusCode(resp.StatusCode, apiErr)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Transient(&Error{Platform: c.name, Message: "decode response", Cause: err})
	}
	return nil
}
