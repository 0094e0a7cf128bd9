package llm

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

// DefaultRelayProvider is assumed when the relay does not name its backend.
const DefaultRelayProvider = AnthropicID

var displayNames = map[string]string{
	AnthropicID: "Anthropic",
	OpenAIID:    "OpenAI",
}

// DisplayProvider capitalizes a provider name for display.
func DisplayProvider(name string) string {
	name = strings.TrimSpace(name)
	if display, ok := displayNames[strings.ToLower(name)]; ok {
		return display
	}
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}

// relayReply extracts the metadata fields of a decoded relay object around
// an already chosen answer text.
func relayReply(fields map[string]any, text string) SearchResult {
	result := SearchResult{
		Text:           text,
		ConversationID: stringField(fields, "conversation_id"),
		Model:          stringField(fields, "model"),
		RequestID:      stringField(fields, "request_id"),
	}

	provider := stringField(fields, "provider")
	if provider == "" {
		provider = DefaultRelayProvider
		result.ProviderAssumed = true
	}
	result.Provider = DisplayProvider(provider)

	if ms, ok := fields["processing_time_ms"].(float64); ok && ms > 0 {
		result.ProcessingTime = time.Duration(ms * float64(time.Millisecond))
	}

	return result
}

// replyText returns the answer held by the first of keys present in fields.
// A present key whose value is not a string yields fallback; raw is used
// when none of the keys is present.
func replyText(fields map[string]any, raw, fallback string, keys ...string) string {
	for _, key := range keys {
		value, ok := fields[key]
		if !ok {
			continue
		}
		if text, ok := value.(string); ok {
			return text
		}
		return fallback
	}
	return raw
}

// parsePlainReply handles a plaintext relay body. Anything that is not a JSON
// object is returned verbatim with no provider metadata.
func parsePlainReply(body []byte) SearchResult {
	raw := string(body)
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return SearchResult{Text: raw}
	}
	return relayReply(fields, replyText(fields, raw, raw, "response", "content"))
}

// parseSecureReply handles the decrypted payload of the encrypted path. Only
// the response field carries the answer here; an empty or non-string response
// is an empty answer.
func parseSecureReply(plaintext []byte) SearchResult {
	raw := string(plaintext)
	var value any
	if err := json.Unmarshal(plaintext, &value); err != nil {
		return relayReply(nil, raw)
	}

	switch v := value.(type) {
	case map[string]any:
		return relayReply(v, replyText(v, raw, "", "response"))
	case string:
		return relayReply(nil, v)
	default:
		return relayReply(nil, raw)
	}
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}
