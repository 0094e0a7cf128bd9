package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
)

const (
	// DefaultMaxTokens is the token budget sent with every request.
	DefaultMaxTokens = 1024

	// MaxResponseSize caps how much of a reply body is read (10MB).
	MaxResponseSize = 10 * 1024 * 1024

	// NoTextPlaceholder stands in for a reply that carried no text.
	NoTextPlaceholder = "No response text found"
)

type httpReply struct {
	Status int
	Body   []byte
}

func (r httpReply) ok() bool {
	return r.Status >= 200 && r.Status < 300
}

// postJSON sends body as JSON and returns the status and a bounded copy of the reply.
// Only network level failures are returned as errors.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body any) (httpReply, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return httpReply{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return httpReply{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return httpReply{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return httpReply{}, fmt.Errorf("%w: failed to read response: %w", ErrTransport, err)
	}

	return httpReply{Status: resp.StatusCode, Body: data}, nil
}

func upstreamError(provider string, reply httpReply) error {
	return &UpstreamError{
		Provider: provider,
		Status:   reply.Status,
		Body:     string(reply.Body),
	}
}
