package llm

import (
	"context"
	"strings"

	"github.com/goccy/go-json"
)

const (
	OpenAIID = "openai"

	OpenAIBaseURL      = "https://api.openai.com/v1/chat/completions"
	OpenAIDefaultModel = "gpt-4o"
)

// OpenAIClient talks to the OpenAI chat completions API directly.
type OpenAIClient struct {
	apiKey string
	opts   options
}

func NewOpenAIClient(apiKey string, opts ...Option) *OpenAIClient {
	return &OpenAIClient{
		apiKey: apiKey,
		opts:   newOptions(OpenAIBaseURL, OpenAIDefaultModel, opts),
	}
}

func (c *OpenAIClient) ID() string {
	return OpenAIID
}

type openAIRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *OpenAIClient) Search(ctx context.Context, query string) (SearchResult, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return SearchResult{}, ErrMissingCredential
	}

	reply, err := postJSON(ctx, c.opts.httpClient, c.opts.baseURL, map[string]string{
		"Authorization": "Bearer " + c.apiKey,
	}, openAIRequest{
		Model:     c.opts.model,
		MaxTokens: c.opts.maxTokens,
		Messages:  []chatMessage{{Role: "user", Content: query}},
	})
	if err != nil {
		return SearchResult{}, err
	}

	c.opts.logger.Debug().
		Str("provider", OpenAIID).
		Str("model", c.opts.model).
		Int("status", reply.Status).
		Msg("openai reply")

	if !reply.ok() {
		return SearchResult{}, upstreamError(OpenAIID, reply)
	}

	result := SearchResult{
		Provider: DisplayProvider(OpenAIID),
		Model:    c.opts.model,
	}

	var parsed openAIResponse
	if err := json.Unmarshal(reply.Body, &parsed); err != nil {
		result.Text = rawOrPlaceholder(reply.Body)
		return result, nil
	}

	if parsed.Model != "" {
		result.Model = parsed.Model
	}
	result.Text = NoTextPlaceholder
	if len(parsed.Choices) > 0 && parsed.Choices[0].Message.Content != "" {
		result.Text = parsed.Choices[0].Message.Content
	}

	return result, nil
}
