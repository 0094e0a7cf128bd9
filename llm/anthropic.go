package llm

import (
	"context"
	"strings"

	"github.com/goccy/go-json"
)

const (
	AnthropicID = "anthropic"

	AnthropicBaseURL      = "https://api.anthropic.com/v1/messages"
	AnthropicAPIVersion   = "2023-06-01"
	AnthropicDefaultModel = "claude-3-sonnet-20240229"
)

// AnthropicClient talks to the Anthropic Messages API directly.
type AnthropicClient struct {
	apiKey string
	opts   options
}

func NewAnthropicClient(apiKey string, opts ...Option) *AnthropicClient {
	return &AnthropicClient{
		apiKey: apiKey,
		opts:   newOptions(AnthropicBaseURL, AnthropicDefaultModel, opts),
	}
}

func (c *AnthropicClient) ID() string {
	return AnthropicID
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (c *AnthropicClient) Search(ctx context.Context, query string) (SearchResult, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return SearchResult{}, ErrMissingCredential
	}

	reply, err := postJSON(ctx, c.opts.httpClient, c.opts.baseURL, map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": AnthropicAPIVersion,
	}, anthropicRequest{
		Model:     c.opts.model,
		MaxTokens: c.opts.maxTokens,
		Messages:  []chatMessage{{Role: "user", Content: query}},
	})
	if err != nil {
		return SearchResult{}, err
	}

	c.opts.logger.Debug().
		Str("provider", AnthropicID).
		Str("model", c.opts.model).
		Int("status", reply.Status).
		Msg("anthropic reply")

	if !reply.ok() {
		return SearchResult{}, upstreamError(AnthropicID, reply)
	}

	result := SearchResult{
		Provider: DisplayProvider(AnthropicID),
		Model:    c.opts.model,
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(reply.Body, &parsed); err != nil {
		result.Text = rawOrPlaceholder(reply.Body)
		return result, nil
	}

	if parsed.Model != "" {
		result.Model = parsed.Model
	}
	result.Text = NoTextPlaceholder
	if len(parsed.Content) > 0 && parsed.Content[0].Text != "" {
		result.Text = parsed.Content[0].Text
	}

	return result, nil
}

func rawOrPlaceholder(body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return NoTextPlaceholder
	}
	return text
}
