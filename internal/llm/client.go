package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/billie-coop/askdata/internal/metrics"
)

const maxErrorBodyBytes = 2048

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// User builds a single user message.
func User(content string) []Message {
	return []Message{{Role: "user", Content: content}}
}

// CompleteOptions contains options for completion requests.
type CompleteOptions struct {
	Temperature float64
	MaxTokens   int
}

// DefaultCompleteOptions returns default options. Temperature is zero so the
// same question produces the same query.
func DefaultCompleteOptions() CompleteOptions {
	return CompleteOptions{
		Temperature: 0,
		MaxTokens:   0,
	}
}

// Endpoint identifies one OpenAI-compatible service.
type Endpoint struct {
	// Name labels logs and metrics ("generator", "humanizer", ...).
	Name    string
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client talks to an OpenAI-compatible API: chat completions, the responses
// API and audio transcriptions.
//
// Used by: Generator, Humanizer, ResponsesHumanizer, media.Transcriber,
// chart.Renderer
type Client struct {
	client   *http.Client
	endpoint Endpoint
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewClient creates a client for endpoint. logger and m may be nil.
func NewClient(endpoint Endpoint, logger *zap.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if endpoint.Name == "" {
		endpoint.Name = "llm"
	}
	endpoint.BaseURL = strings.TrimRight(endpoint.BaseURL, "/")
	return &Client{
		client:   &http.Client{Timeout: endpoint.Timeout},
		endpoint: endpoint,
		logger:   logger.Named(endpoint.Name),
		metrics:  m,
	}
}

// url joins the base URL and an API path. Base URLs may or may not already
// end in /v1.
func (c *Client) url(path string) string {
	if strings.HasSuffix(c.endpoint.BaseURL, "/v1") {
		return c.endpoint.BaseURL + path
	}
	return c.endpoint.BaseURL + "/v1" + path
}

// Complete sends messages and returns the full response.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	return c.CompleteWithOptions(ctx, messages, DefaultCompleteOptions())
}

// CompleteWithOptions sends messages with custom options and returns the full response.
func (c *Client) CompleteWithOptions(ctx context.Context, messages []Message, opts CompleteOptions) (string, error) {
	payload := map[string]any{
		"messages":    messages,
		"temperature": opts.Temperature,
		"stream":      false,
	}
	if c.endpoint.Model != "" {
		payload["model"] = c.endpoint.Model
	}
	if opts.MaxTokens > 0 {
		payload["max_tokens"] = opts.MaxTokens
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := c.postJSON(ctx, "/chat/completions", payload, &result); err != nil {
		return "", err
	}

	if len(result.Choices) == 0 || strings.TrimSpace(result.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("%s: %w", c.endpoint.Name, ErrEmptyResponse)
	}
	return result.Choices[0].Message.Content, nil
}

type responseEnvelope struct {
	OutputText string         `json:"output_text"`
	Output     []responseItem `json:"output"`
}

type responseItem struct {
	Type    string `json:"type"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (r responseEnvelope) text() string {
	if r.OutputText != "" {
		return r.OutputText
	}
	var b strings.Builder
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" || part.Type == "text" {
				b.WriteString(part.Text)
			}
		}
	}
	return b.String()
}

// Respond sends input through the responses API and returns the output text.
func (c *Client) Respond(ctx context.Context, input string) (string, error) {
	payload := map[string]any{
		"input":       input,
		"temperature": 0,
	}
	if c.endpoint.Model != "" {
		payload["model"] = c.endpoint.Model
	}

	var result responseEnvelope
	if err := c.postJSON(ctx, "/responses", payload, &result); err != nil {
		return "", err
	}
	text := result.text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%s: %w", c.endpoint.Name, ErrEmptyResponse)
	}
	return text, nil
}

// Transcribe uploads audio and returns the recognized text.
func (c *Client) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if c.endpoint.Model != "" {
		if err := w.WriteField("model", c.endpoint.Model); err != nil {
			return "", err
		}
	}
	if err := w.WriteField("response_format", "json"); err != nil {
		return "", err
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, audio); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := c.post(ctx, "/audio/transcriptions", w.FormDataContentType(), &body, &result); err != nil {
		return "", err
	}
	return result.Text, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.post(ctx, path, "application/json", bytes.NewReader(body), out)
}

func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader, out any) (err error) {
	start := time.Now()
	defer func() { c.metrics.RecordServiceCall(c.endpoint.Name, start, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if c.endpoint.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.endpoint.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return c.transportError(ctx, err)
	}
	defer resp.Body.Close()

	if err := c.statusError(resp); err != nil {
		c.logger.Warn("request failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Error(err))
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%s: decode response: %w", c.endpoint.Name, err)
	}
	return nil
}

// transportError classifies a failure to get any HTTP response at all.
func (c *Client) transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	c.logger.Warn("service unreachable", zap.Error(err))
	return fmt.Errorf("%s: %w: %v", c.endpoint.Name, ErrTransientNetwork, err)
}

func (c *Client) statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	detail := readErrorBody(resp)
	var kind error
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = ErrRateLimited
	case resp.StatusCode >= 500:
		kind = ErrUnavailable
	default:
		kind = ErrBadRequest
	}
	return &StatusError{Service: c.endpoint.Name, Status: resp.StatusCode, Body: detail, Kind: kind}
}

func readErrorBody(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return strings.TrimSpace(string(body))
}
