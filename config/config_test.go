package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/requiem-ai/apiai/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"APIAI_PROVIDER", "LOG_LEVEL", "METRICS_ADDR", "CHAT_MODE",
	"ANTHROPIC_API_KEY", "ANTHROPIC_MODEL", "OPENAI_API_KEY", "OPENAI_MODEL",
	"RELAY_URL", "RELAY_API_KEY", "RELAY_ENCRYPTION_KEY", "RELAY_USE_ENCRYPTION",
	"RELAY_SIGN_REQUESTS", "RELAY_HMAC_SECRET",
	"DISPATCH_WORKERS", "DISPATCH_RATE", "REQUEST_TIMEOUT", "MAX_TOKENS",
	"TELEGRAM_SECRET", "USER_ID", "TELEGRAM_MAIN_CHAT_ID", "TELEGRAM_TOPIC_CONTEXTS_PATH",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "apiai.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, llm.AnthropicID, cfg.Provider)
	assert.True(t, cfg.Relay.UseEncryption)
	assert.Equal(t, 4, cfg.Dispatch.Workers)
	assert.Equal(t, filepath.Join("data", "telegram_topics.json"), cfg.Telegram.TopicsPath)
}

func TestLoadFile_TOMLThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeTOML(t, `
provider = "telegram"
chat_mode = true

[relay]
url = "http://relay.local/ai_query"
api_key = "from-file"
encryption_key = "file-secret"
sign_requests = true

[dispatch]
workers = 2
request_timeout = "45s"
max_tokens = 2048
`)

	t.Setenv("RELAY_API_KEY", "from-env")
	t.Setenv("USER_ID", "12345")
	t.Setenv("RELAY_HMAC_SECRET", "env-hmac")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, llm.RelayID, cfg.Provider)
	assert.True(t, cfg.ChatMode)
	assert.Equal(t, "http://relay.local/ai_query", cfg.Relay.URL)
	assert.Equal(t, "from-env", cfg.Relay.APIKey)
	assert.True(t, cfg.Relay.SignRequests)
	assert.Equal(t, "env-hmac", cfg.Relay.HMACSecret)
	assert.Equal(t, 2, cfg.Dispatch.Workers)
	assert.Equal(t, 45*time.Second, cfg.Dispatch.RequestTimeout.Duration)
	assert.Equal(t, 2048, cfg.Dispatch.MaxTokens)
	assert.Len(t, cfg.ClientOptions(), 2)
	assert.EqualValues(t, 12345, cfg.Telegram.UserID)
}

func TestLoadFile_InvalidEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DISPATCH_WORKERS", "many")

	_, err := LoadFile("")
	assert.ErrorContains(t, err, "DISPATCH_WORKERS")
}

func TestLoadFile_UnknownProvider(t *testing.T) {
	clearEnv(t)
	t.Setenv("APIAI_PROVIDER", "gemini")

	_, err := LoadFile("")
	assert.ErrorIs(t, err, llm.ErrUnknownProvider)
}

func TestSettings(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	cfg.ChatMode = true
	cfg.Anthropic = ProviderConfig{APIKey: "ak", Model: "claude-x"}
	cfg.OpenAI = ProviderConfig{APIKey: "ok"}
	cfg.Relay = RelayConfig{URL: "http://r", APIKey: "rk", EncryptionKey: "ek", UseEncryption: true, SignRequests: true, HMACSecret: "hs"}

	s, err := cfg.Settings("")
	require.NoError(t, err)
	assert.Equal(t, llm.AnthropicID, s.Provider)
	assert.Equal(t, "ak", s.Credentials.APIKey)
	assert.Equal(t, "claude-x", s.Model)

	s, err = cfg.Settings("openai")
	require.NoError(t, err)
	assert.Equal(t, "ok", s.Credentials.APIKey)

	s, err = cfg.Settings("relay")
	require.NoError(t, err)
	assert.Equal(t, llm.Credentials{RelayURL: "http://r", RelayAPIKey: "rk", EncryptionKey: "ek", SigningSecret: "hs"}, s.Credentials)
	assert.True(t, s.UseEncryption)
	assert.True(t, s.SignRequests)
	assert.True(t, s.ChatMode)

	_, err = cfg.Settings("nope")
	assert.ErrorIs(t, err, llm.ErrUnknownProvider)
}

func TestWatch_Reloads(t *testing.T) {
	clearEnv(t)
	path := writeTOML(t, `provider = "anthropic"`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 1)
	require.NoError(t, Watch(ctx, path, func(cfg *Config) {
		select {
		case changes <- cfg:
		default:
		}
	}))

	require.NoError(t, os.WriteFile(path, []byte(`provider = "openai"`), 0o600))

	select {
	case cfg := <-changes:
		assert.Equal(t, llm.OpenAIID, cfg.Provider)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}
