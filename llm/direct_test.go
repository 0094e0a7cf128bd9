package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTransport struct {
	calls atomic.Int32
}

func (t *countingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	t.calls.Add(1)
	return nil, errors.New("network disabled")
}

func TestDirectClients_MissingCredentialShortCircuit(t *testing.T) {
	transport := &countingTransport{}
	httpClient := &http.Client{Transport: transport}

	clients := []Client{
		NewAnthropicClient("", WithHTTPClient(httpClient)),
		NewOpenAIClient("  ", WithHTTPClient(httpClient)),
	}

	for _, c := range clients {
		_, err := c.Search(context.Background(), "hello")
		assert.ErrorIs(t, err, ErrMissingCredential, c.ID())
	}
	assert.Zero(t, transport.calls.Load())
}

func TestAnthropicClient_Search(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "key-1", r.Header.Get("x-api-key"))
		assert.Equal(t, AnthropicAPIVersion, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, AnthropicDefaultModel, req.Model)
		assert.Equal(t, DefaultMaxTokens, req.MaxTokens)
		assert.Equal(t, []chatMessage{{Role: "user", Content: "what is 6*7"}}, req.Messages)

		_, _ = io.WriteString(w, `{"model":"claude-3-sonnet-20240229","content":[{"type":"text","text":"42"}]}`)
	}))
	defer server.Close()

	c := NewAnthropicClient("key-1", WithBaseURL(server.URL))
	result, err := c.Search(context.Background(), "what is 6*7")
	require.NoError(t, err)

	assert.Equal(t, "42", result.Text)
	assert.Equal(t, "Anthropic", result.Provider)
	assert.Equal(t, "claude-3-sonnet-20240229", result.Model)
}

func TestAnthropicClient_MissingTextUsesPlaceholder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"content":[]}`)
	}))
	defer server.Close()

	result, err := NewAnthropicClient("k", WithBaseURL(server.URL)).Search(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, NoTextPlaceholder, result.Text)
}

func TestAnthropicClient_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"bad key"}`)
	}))
	defer server.Close()

	_, err := NewAnthropicClient("k", WithBaseURL(server.URL)).Search(context.Background(), "q")

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusUnauthorized, upstream.Status)
	assert.Equal(t, `{"error":"bad key"}`, upstream.Body)
	assert.True(t, IsUpstreamError(err))
}

func TestOpenAIClient_Search(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-1", r.Header.Get("Authorization"))

		var req openAIRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req.Model)

		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"hi there"}}]}`)
	}))
	defer server.Close()

	c := NewOpenAIClient("sk-1", WithBaseURL(server.URL), WithModel("gpt-test"))
	result, err := c.Search(context.Background(), "hi")
	require.NoError(t, err)

	assert.Equal(t, "hi there", result.Text)
	assert.Equal(t, "OpenAI", result.Provider)
	assert.Equal(t, "gpt-test", result.Model)
}

func TestOpenAIClient_NonJSONBodyDegrades(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "plain answer")
	}))
	defer server.Close()

	result, err := NewOpenAIClient("sk", WithBaseURL(server.URL)).Search(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "plain answer", result.Text)
}

func TestDirectClient_TransportError(t *testing.T) {
	httpClient := &http.Client{Transport: &countingTransport{}}

	_, err := NewOpenAIClient("sk", WithHTTPClient(httpClient)).Search(context.Background(), "q")
	assert.ErrorIs(t, err, ErrTransport)
}

func TestFactory(t *testing.T) {
	tests := []struct {
		provider string
		want     string
	}{
		{"anthropic", AnthropicID},
		{"OpenAI", OpenAIID},
		{"relay", RelayID},
		{"Telegram", RelayID},
	}
	for _, tc := range tests {
		c, err := NewClient(Settings{Provider: tc.provider})
		require.NoError(t, err, tc.provider)
		assert.Equal(t, tc.want, c.ID())
	}

	_, err := NewClient(Settings{Provider: "gemini"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestDisplayProvider(t *testing.T) {
	assert.Equal(t, "Anthropic", DisplayProvider("anthropic"))
	assert.Equal(t, "OpenAI", DisplayProvider("OPENAI"))
	assert.Equal(t, "Mistral", DisplayProvider("mistral"))
	assert.Equal(t, "", DisplayProvider(""))

	r := SearchResult{Provider: "Anthropic"}
	assert.True(t, r.IsProvider("anthropic"))
	assert.False(t, r.IsProvider("openai"))
}

func TestAppID(t *testing.T) {
	assert.Equal(t, "apiai-v2", DefaultAppID())
	assert.Equal(t, "apiai-v1", AppID("apiai", "1.0.0"))
	assert.Equal(t, "demo-v3", AppID("demo", "v3.1"))
	assert.Equal(t, "demo-v1", AppID("demo", ""))
}

func TestOptions_Overrides(t *testing.T) {
	base := &http.Client{}
	o := newOptions("http://default", "m", []Option{
		WithHTTPClient(base),
		WithTimeout(3 * time.Second),
		WithMaxTokens(2048),
		WithMaxTokens(0),
		WithModel(""),
	})

	assert.Equal(t, 2048, o.maxTokens)
	assert.Equal(t, "m", o.model)
	assert.Equal(t, 3*time.Second, o.httpClient.Timeout)
	assert.Zero(t, base.Timeout)
}
