// Package describer turns media attachments into descriptive alt text
// through an external generative service with a hard quota. Quota
// bookkeeping is persisted so restarts keep model cooldowns intact.
package describer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// FallbackAltText accompanies media when no description could be
// generated. Delivery never blocks on the describer.
const FallbackAltText = "Image from a public transit announcement."

// ErrUnavailable means no model could produce a description.
var ErrUnavailable = errors.New("describer unavailable")

// Describer produces alt text for one media URL.
type Describer interface {
	Describe(ctx context.Context, mediaURL string) (string, error)
}

// Disabled is the no-service implementation; callers fall back to
// FallbackAltText.
type Disabled struct{}

// Describe always reports the service as unavailable.
func (Disabled) Describe(context.Context, string) (string, error) {
	return "", ErrUnavailable
}

// defaultModels is the preference ladder, strongest first.
var defaultModels = []string{
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-2.5-flash-lite",
}

const describePrompt = "Describe this image from a public transit announcement in one short sentence for visually impaired readers."

// Client calls an HTTP generative endpoint, walking the model ladder
// and putting quota-exhausted models on cooldown via the manager.
type Client struct {
	endpoint string
	apiKey   string
	client   *http.Client
	models   *ModelManager
	log      *slog.Logger
}

// NewClient creates a describer against the given endpoint.
func NewClient(endpoint, apiKey string, models *ModelManager, log *slog.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
		models:   models,
		log:      log,
	}
}

type describeRequest struct {
	Model    string `json:"model"`
	MediaURL string `json:"media_url"`
	Prompt   string `json:"prompt"`
}

type describeResponse struct {
	Text string `json:"text"`
}

// Describe tries each eligible model in preference order until one
// produces text. Quota responses cool the model down and move on.
func (c *Client) Describe(ctx context.Context, mediaURL string) (string, error) {
	candidates, err := c.models.Candidates(ctx, time.Now())
	if err != nil {
		return "", fmt.Errorf("list candidate models: %w", err)
	}

	for _, name := range candidates {
		text, err := c.describeWith(ctx, name, mediaURL)
		if err == nil && text != "" {
			c.markQuiet(ctx, name, statusOK, "")
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		switch {
		case errors.Is(err, errQuota):
			c.markQuiet(ctx, name, statusQuota, err.Error())
		case errors.Is(err, errNotFound):
			c.markQuiet(ctx, name, statusNotFound, err.Error())
		default:
			c.markQuiet(ctx, name, statusFailed, errString(err))
		}
		c.log.Warn("describe attempt failed", "model", name, "error", err)
	}

	return "", ErrUnavailable
}

var (
	errQuota    = errors.New("quota exhausted")
	errNotFound = errors.New("model not found")
)

func (c *Client) describeWith(ctx context.Context, model, mediaURL string) (string, error) {
	payload, err := json.Marshal(describeRequest{
		Model:    model,
		MediaURL: mediaURL,
		Prompt:   describePrompt,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call describer: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return "", errQuota
	case http.StatusNotFound:
		return "", errNotFound
	default:
		return "", fmt.Errorf("describer status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var out describeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

func (c *Client) markQuiet(ctx context.Context, model, status, reason string) {
	if err := c.models.Mark(ctx, model, status, reason); err != nil {
		c.log.Error("persist model status", "model", model, "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return "empty response"
	}
	return err.Error()
}
