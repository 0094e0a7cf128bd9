package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/requiem-ai/apiai/secure"
)

const (
	RelayID = "relay"

	// relayUpstream is the provider the relay is asked to use.
	relayUpstream = AnthropicID
)

// RelayConfig holds everything a relay client needs. The conversation id is
// supplied by the caller for each client and never updated in place.
type RelayConfig struct {
	URL            string
	APIKey         string
	EncryptionKey  string
	UseEncryption  bool
	ChatMode       bool
	ConversationID string
	AppID          string

	// SignRequests adds HMAC headers to every request, keyed by
	// SigningSecret or, when that is empty, by APIKey. A non-empty
	// SigningSecret turns signing on by itself.
	SignRequests  bool
	SigningSecret string
}

// RelayClient sends queries to a self-hosted relay, either sealed in an
// encrypted envelope or as plain JSON.
type RelayClient struct {
	cfg    RelayConfig
	cipher *secure.Cipher
	signer *requestSigner
	opts   options
}

func NewRelayClient(cfg RelayConfig, opts ...Option) (*RelayClient, error) {
	if cfg.AppID == "" {
		cfg.AppID = DefaultAppID()
	}

	c := &RelayClient{
		cfg:  cfg,
		opts: newOptions(cfg.URL, "", opts),
	}

	if cfg.UseEncryption && cfg.EncryptionKey != "" {
		cipher, err := secure.NewCipher(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		c.cipher = cipher
	}

	if cfg.SignRequests || cfg.SigningSecret != "" {
		secret := cfg.SigningSecret
		if secret == "" {
			secret = cfg.APIKey
		}
		if secret == "" {
			return nil, fmt.Errorf("%w: relay signing secret", ErrMissingCredential)
		}
		c.signer = newRequestSigner(secret)
	}

	return c, nil
}

func (c *RelayClient) ID() string {
	return RelayID
}

// Encrypted reports whether queries go through the secure endpoint.
func (c *RelayClient) Encrypted() bool {
	return c.cipher != nil
}

func (c *RelayClient) ConversationID() string {
	return c.cfg.ConversationID
}

type relayPayload struct {
	Prompt         string `json:"prompt"`
	Provider       string `json:"provider"`
	MaxTokens      int    `json:"max_tokens"`
	ChatMode       bool   `json:"chat_mode"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type relayEnvelope struct {
	Data string `json:"data"`
}

type cancelPayload struct {
	RequestID string `json:"request_id"`
}

func (c *RelayClient) payload(query string) relayPayload {
	return relayPayload{
		Prompt:         query,
		Provider:       relayUpstream,
		MaxTokens:      c.opts.maxTokens,
		ChatMode:       c.cfg.ChatMode,
		ConversationID: c.cfg.ConversationID,
	}
}

// Signed reports whether requests carry HMAC headers.
func (c *RelayClient) Signed() bool {
	return c.signer != nil
}

func (c *RelayClient) headers(body any) (map[string]string, error) {
	headers := map[string]string{
		"X-APP-ID": c.cfg.AppID,
	}
	if c.cfg.APIKey != "" {
		headers["X-API-KEY"] = c.cfg.APIKey
	}
	if c.signer != nil {
		if err := c.signer.sign(headers, body); err != nil {
			return nil, err
		}
	}
	return headers, nil
}

func (c *RelayClient) Search(ctx context.Context, query string) (SearchResult, error) {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return SearchResult{}, fmt.Errorf("%w: relay url", ErrMissingCredential)
	}

	if c.Encrypted() {
		return c.searchSecure(ctx, query)
	}
	return c.searchPlain(ctx, query)
}

func (c *RelayClient) searchSecure(ctx context.Context, query string) (SearchResult, error) {
	envelope, err := c.cipher.EncryptJSON(c.payload(query))
	if err != nil {
		return SearchResult{}, err
	}

	endpoint := SecureEndpoint(c.cfg.URL)
	logger := c.opts.logger.With().
		Str("endpoint", endpoint).
		Str("key_fingerprint", c.cipher.Fingerprint()).
		Bool("chat_mode", c.cfg.ChatMode).
		Bool("has_conversation", c.cfg.ConversationID != "").
		Logger()
	logger.Debug().Msg("relay secure request")

	body := relayEnvelope{Data: envelope}
	headers, err := c.headers(body)
	if err != nil {
		return SearchResult{}, err
	}

	reply, err := postJSON(ctx, c.opts.httpClient, endpoint, headers, body)
	if err != nil {
		return SearchResult{}, err
	}
	if !reply.ok() {
		logger.Warn().Int("status", reply.Status).Msg("relay rejected secure request")
		return SearchResult{}, upstreamError(RelayID, reply)
	}

	var fields map[string]any
	if err := json.Unmarshal(reply.Body, &fields); err != nil {
		return SearchResult{}, fmt.Errorf("%w: secure reply is not a JSON object", ErrMalformedResponse)
	}
	data, ok := fields["data"].(string)
	if !ok {
		return SearchResult{}, fmt.Errorf("%w: secure reply has no data field", ErrMalformedResponse)
	}

	plaintext, err := c.cipher.DecryptString(data)
	if err != nil {
		logger.Error().Err(err).Msg("relay reply failed to decrypt")
		return SearchResult{}, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}

	result := parseSecureReply(plaintext)
	logger.Debug().
		Str("provider", result.Provider).
		Str("model", result.Model).
		Str("request_id", result.RequestID).
		Msg("relay secure reply")
	return result, nil
}

func (c *RelayClient) searchPlain(ctx context.Context, query string) (SearchResult, error) {
	logger := c.opts.logger.With().
		Str("endpoint", c.cfg.URL).
		Bool("chat_mode", c.cfg.ChatMode).
		Logger()
	logger.Debug().Msg("relay plaintext request")

	body := c.payload(query)
	headers, err := c.headers(body)
	if err != nil {
		return SearchResult{}, err
	}

	reply, err := postJSON(ctx, c.opts.httpClient, c.cfg.URL, headers, body)
	if err != nil {
		return SearchResult{}, err
	}
	if !reply.ok() {
		logger.Warn().Int("status", reply.Status).Msg("relay rejected request")
		return SearchResult{}, upstreamError(RelayID, reply)
	}

	return parsePlainReply(reply.Body), nil
}

// Cancel asks the relay to stop working on requestID. It never blocks the
// caller on failure; every problem is folded into the outcome.
func (c *RelayClient) Cancel(ctx context.Context, requestID string) CancelOutcome {
	outcome := CancelOutcome{RequestID: requestID}

	if requestID == "" {
		outcome.Message = "no request id to cancel"
		return outcome
	}
	if strings.TrimSpace(c.cfg.URL) == "" {
		outcome.Message = "relay url not configured"
		return outcome
	}

	body := cancelPayload{RequestID: requestID}
	headers, err := c.headers(body)
	if err != nil {
		outcome.Message = err.Error()
		return outcome
	}

	endpoint := CancelEndpoint(c.cfg.URL)
	reply, err := postJSON(ctx, c.opts.httpClient, endpoint, headers, body)
	if err != nil {
		c.opts.logger.Info().Err(err).Str("request_id", requestID).Msg("relay cancel not delivered")
		outcome.Message = err.Error()
		return outcome
	}

	outcome.Status = reply.Status
	outcome.Message = strings.TrimSpace(string(reply.Body))
	outcome.Accepted = reply.ok()

	var fields map[string]any
	if err := json.Unmarshal(reply.Body, &fields); err == nil && fields != nil {
		for _, key := range []string{"cancelled", "canceled"} {
			if accepted, ok := fields[key].(bool); ok {
				outcome.Accepted = outcome.Accepted && accepted
			}
		}
		if msg := stringField(fields, "message"); msg != "" {
			outcome.Message = msg
		} else if status := stringField(fields, "status"); status != "" {
			outcome.Message = status
		}
	}

	c.opts.logger.Info().
		Str("request_id", requestID).
		Int("status", outcome.Status).
		Bool("accepted", outcome.Accepted).
		Msg("relay cancel outcome")
	return outcome
}
