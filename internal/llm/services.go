package llm

import (
	"context"
)

// Generator produces query text from a prompt.
type Generator struct {
	client *Client
}

// NewGenerator wraps client as a query generator.
func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

// Generate sends prompt and returns the raw completion.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	return g.client.Complete(ctx, User(prompt))
}

// Humanizer turns raw rows into an answer through chat completions.
type Humanizer struct {
	client *Client
}

// NewHumanizer wraps client as the primary humanizer.
func NewHumanizer(client *Client) *Humanizer {
	return &Humanizer{client: client}
}

// Humanize answers question from rawResult.
func (h *Humanizer) Humanize(ctx context.Context, question, rawResult string) (string, error) {
	return h.client.Complete(ctx, User(HumanizePrompt(question, rawResult)))
}

// ResponsesHumanizer humanizes through the responses API. It serves as the
// fallback when the primary humanizer keeps failing.
type ResponsesHumanizer struct {
	client *Client
}

// NewResponsesHumanizer wraps client as the secondary humanizer.
func NewResponsesHumanizer(client *Client) *ResponsesHumanizer {
	return &ResponsesHumanizer{client: client}
}

// Humanize answers question from rawResult.
func (h *ResponsesHumanizer) Humanize(ctx context.Context, question, rawResult string) (string, error) {
	return h.client.Respond(ctx, HumanizePrompt(question, rawResult))
}
