package llm

import (
	"fmt"
	"strings"
)

// relayAlias is the name the relay went by in older configurations.
const relayAlias = "telegram"

// Credentials are the secrets a client is built with.
type Credentials struct {
	APIKey        string
	RelayURL      string
	RelayAPIKey   string
	EncryptionKey string
	SigningSecret string
}

// Settings selects and configures one client.
type Settings struct {
	Provider       string
	Credentials    Credentials
	Model          string
	UseEncryption  bool
	SignRequests   bool
	ChatMode       bool
	ConversationID string
}

// NormalizeProvider maps a configured provider name onto a client id.
func NormalizeProvider(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case AnthropicID:
		return AnthropicID, nil
	case OpenAIID:
		return OpenAIID, nil
	case RelayID, relayAlias:
		return RelayID, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
}

// NewClient builds the client for s.Provider.
func NewClient(s Settings, opts ...Option) (Client, error) {
	provider, err := NormalizeProvider(s.Provider)
	if err != nil {
		return nil, err
	}

	if s.Model != "" {
		opts = append(opts, WithModel(s.Model))
	}

	switch provider {
	case AnthropicID:
		return NewAnthropicClient(s.Credentials.APIKey, opts...), nil
	case OpenAIID:
		return NewOpenAIClient(s.Credentials.APIKey, opts...), nil
	default:
		relay, err := NewRelayClient(RelayConfig{
			URL:            s.Credentials.RelayURL,
			APIKey:         s.Credentials.RelayAPIKey,
			EncryptionKey:  s.Credentials.EncryptionKey,
			UseEncryption:  s.UseEncryption,
			ChatMode:       s.ChatMode,
			ConversationID: s.ConversationID,
		}, opts...)
		if err != nil {
			return nil, err
		}
		return relay, nil
	}
}
