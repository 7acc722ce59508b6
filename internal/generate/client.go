// Package generate wraps the Gemini API behind the pipeline's
// Generator boundary: content blueprints from a topic, captions and
// hashtags from a blueprint.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/contentforge/orchestrator/internal/pipeline"
	"github.com/contentforge/orchestrator/internal/retry"
)

// DependencyName is the circuit-breaker name for this service.
const DependencyName = "gemini"

// DefaultModel is used when the config does not name one.
const DefaultModel = "gemini-2.0-flash"

// Client implements pipeline.Generator over the Gemini API.
type Client struct {
	client *genai.Client
	model  string
	log    *slog.Logger
}

// New creates a Gemini-backed generator.
func New(ctx context.Context, apiKey, model string, log *slog.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	if log == nil {
		log = slog.Default()
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Client{client: client, model: model, log: log.With("component", "generate")}, nil
}

const blueprintPrompt = `You are a short-form video producer. Write a production
blueprint for a video about the topic below: a hook, a three-beat script
outline, and a closing call to action. Plain text, no markdown.

Topic: %s`

// GenerateBlueprint produces the content blueprint for a topic.
func (c *Client) GenerateBlueprint(ctx context.Context, topic string) (string, error) {
	model := c.client.GenerativeModel(c.model)
	model.SetTemperature(0.4)

	resp, err := model.GenerateContent(ctx, genai.Text(fmt.Sprintf(blueprintPrompt, topic)))
	if err != nil {
		return "", classify(fmt.Errorf("generate blueprint: %w", err))
	}
	text, err := extractText(resp)
	if err != nil {
		return "", retry.Transient(err)
	}
	return text, nil
}

const captionPrompt = `Write a social media caption for the video described
below. Respond with JSON only: {"caption": string, "hashtags": [string]}.
The caption is at most 200 characters; give 3 to 6 hashtags without the
leading '#'.

Video:
%s`

// GenerateCaption produces the caption and hashtags for a blueprint.
func (c *Client) GenerateCaption(ctx context.Context, blueprint string) (pipeline.Caption, error) {
	model := c.client.GenerativeModel(c.model)
	model.SetTemperature(0.1)
	model.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, genai.Text(fmt.Sprintf(captionPrompt, blueprint)))
	if err != nil {
		return pipeline.Caption{}, classify(fmt.Errorf("generate caption: %w", err))
	}
	text, err := extractText(resp)
	if err != nil {
		return pipeline.Caption{}, retry.Transient(err)
	}

	var out struct {
		Caption  string   `json:"caption"`
		Hashtags []string `json:"hashtags"`
	}
	if err := json.Unmarshal([]byte(CleanJSONBlock(text)), &out); err != nil {
		// Malformed model output is worth one more try.
		return pipeline.Caption{}, retry.Transient(fmt.Errorf("parse caption response: %w", err))
	}
	if out.Caption == "" {
		return pipeline.Caption{}, retry.Transient(fmt.Errorf("empty caption in response"))
	}
	for i, tag := range out.Hashtags {
		out.Hashtags[i] = "#" + strings.TrimPrefix(tag, "#")
	}
	return pipeline.Caption{Text: out.Caption, Hashtags: out.Hashtags}, nil
}

// Probe is a cheap liveness check for the health monitor.
func (c *Client) Probe(ctx context.Context) error {
	model := c.client.GenerativeModel(c.model)
	if _, err := model.CountTokens(ctx, genai.Text("ping")); err != nil {
		return classify(err)
	}
	return nil
}

// Close releases the underlying API client.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// classify maps API errors onto retry semantics: rate limits and
// server errors are transient, the rest fail fast.
func classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return retry.FromStatusCode(apiErr.Code, err)
	}
	// Transport-level failures have no status code; assume transient.
	return retry.Transient(err)
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}
	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no text parts in response")
	}
	return strings.Join(parts, ""), nil
}
