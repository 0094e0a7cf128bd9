// Package config loads runtime settings from defaults, an optional TOML file,
// a .env file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/requiem-ai/apiai/llm"
)

// Duration decodes TOML strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type ProviderConfig struct {
	APIKey string `toml:"api_key"`
	Model  string `toml:"model"`
}

type RelayConfig struct {
	URL           string `toml:"url"`
	APIKey        string `toml:"api_key"`
	EncryptionKey string `toml:"encryption_key"`
	UseEncryption bool   `toml:"use_encryption"`
	SignRequests  bool   `toml:"sign_requests"`
	HMACSecret    string `toml:"hmac_secret"`
}

type DispatchConfig struct {
	Workers        int      `toml:"workers"`
	RatePerSecond  float64  `toml:"rate_per_second"`
	RequestTimeout Duration `toml:"request_timeout"`
	MaxTokens      int      `toml:"max_tokens"`
}

type TelegramConfig struct {
	Token      string `toml:"token"`
	UserID     int64  `toml:"user_id"`
	MainChatID int64  `toml:"main_chat_id"`
	TopicsPath string `toml:"topics_path"`
}

type Config struct {
	Provider    string `toml:"provider"`
	ChatMode    bool   `toml:"chat_mode"`
	LogLevel    string `toml:"log_level"`
	MetricsAddr string `toml:"metrics_addr"`

	Anthropic ProviderConfig `toml:"anthropic"`
	OpenAI    ProviderConfig `toml:"openai"`
	Relay     RelayConfig    `toml:"relay"`
	Dispatch  DispatchConfig `toml:"dispatch"`
	Telegram  TelegramConfig `toml:"telegram"`
}

// Default returns the settings used when nothing else is configured.
func Default() *Config {
	return &Config{
		Provider: llm.AnthropicID,
		LogLevel: "info",
		Relay: RelayConfig{
			UseEncryption: true,
		},
		Dispatch: DispatchConfig{
			Workers: 4,
		},
		Telegram: TelegramConfig{
			TopicsPath: filepath.Join("data", "telegram_topics.json"),
		},
	}
}

// Load builds the config. path may be empty; a missing .env file is fine.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	return LoadFile(path)
}

// LoadFile builds the config from defaults, the TOML file at path and the
// current environment, without touching .env.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode TOML file %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields with any environment variable that is set.
func (c *Config) ApplyEnv() error {
	setString(&c.Provider, "APIAI_PROVIDER")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.MetricsAddr, "METRICS_ADDR")

	setString(&c.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setString(&c.Anthropic.Model, "ANTHROPIC_MODEL")
	setString(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.OpenAI.Model, "OPENAI_MODEL")

	setString(&c.Relay.URL, "RELAY_URL")
	setString(&c.Relay.APIKey, "RELAY_API_KEY")
	setString(&c.Relay.EncryptionKey, "RELAY_ENCRYPTION_KEY")
	setString(&c.Relay.HMACSecret, "RELAY_HMAC_SECRET")

	setString(&c.Telegram.Token, "TELEGRAM_SECRET")
	setString(&c.Telegram.TopicsPath, "TELEGRAM_TOPIC_CONTEXTS_PATH")

	var errs []error
	errs = append(errs,
		setBool(&c.ChatMode, "CHAT_MODE"),
		setBool(&c.Relay.UseEncryption, "RELAY_USE_ENCRYPTION"),
		setBool(&c.Relay.SignRequests, "RELAY_SIGN_REQUESTS"),
		setInt(&c.Dispatch.Workers, "DISPATCH_WORKERS"),
		setFloat(&c.Dispatch.RatePerSecond, "DISPATCH_RATE"),
		setDuration(&c.Dispatch.RequestTimeout, "REQUEST_TIMEOUT"),
		setInt(&c.Dispatch.MaxTokens, "MAX_TOKENS"),
		setInt64(&c.Telegram.UserID, "USER_ID"),
		setInt64(&c.Telegram.MainChatID, "TELEGRAM_MAIN_CHAT_ID"),
	)
	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	provider, err := llm.NormalizeProvider(c.Provider)
	if err != nil {
		return err
	}
	c.Provider = provider

	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch workers must be positive, got %d", c.Dispatch.Workers)
	}
	if c.Dispatch.MaxTokens < 0 {
		return fmt.Errorf("max tokens must not be negative, got %d", c.Dispatch.MaxTokens)
	}
	if c.Dispatch.RatePerSecond < 0 {
		return fmt.Errorf("dispatch rate must not be negative, got %v", c.Dispatch.RatePerSecond)
	}
	return nil
}

// Settings returns the client settings for provider, or the configured
// default provider when provider is empty.
func (c *Config) Settings(provider string) (llm.Settings, error) {
	if provider == "" {
		provider = c.Provider
	}
	id, err := llm.NormalizeProvider(provider)
	if err != nil {
		return llm.Settings{}, err
	}

	s := llm.Settings{
		Provider:      id,
		ChatMode:      c.ChatMode,
		UseEncryption: c.Relay.UseEncryption,
	}

	switch id {
	case llm.AnthropicID:
		s.Credentials.APIKey = c.Anthropic.APIKey
		s.Model = c.Anthropic.Model
	case llm.OpenAIID:
		s.Credentials.APIKey = c.OpenAI.APIKey
		s.Model = c.OpenAI.Model
	case llm.RelayID:
		s.Credentials.RelayURL = c.Relay.URL
		s.Credentials.RelayAPIKey = c.Relay.APIKey
		s.Credentials.EncryptionKey = c.Relay.EncryptionKey
		s.Credentials.SigningSecret = c.Relay.HMACSecret
		s.SignRequests = c.Relay.SignRequests
	}

	return s, nil
}

// ClientOptions returns the client options shared by every provider.
func (c *Config) ClientOptions() []llm.Option {
	return []llm.Option{
		llm.WithMaxTokens(c.Dispatch.MaxTokens),
		llm.WithTimeout(c.Dispatch.RequestTimeout.Duration),
	}
}

func lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func setString(dst *string, key string) {
	if value, ok := lookup(key); ok {
		*dst = value
	}
}

func setBool(dst *bool, key string) error {
	value, ok := lookup(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	*dst = parsed
	return nil
}

func setInt(dst *int, key string) error {
	value, ok := lookup(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	*dst = parsed
	return nil
}

func setInt64(dst *int64, key string) error {
	value, ok := lookup(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	*dst = parsed
	return nil
}

func setFloat(dst *float64, key string) error {
	value, ok := lookup(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	*dst = parsed
	return nil
}

func setDuration(dst *Duration, key string) error {
	value, ok := lookup(key)
	if !ok {
		return nil
	}
	if err := dst.UnmarshalText([]byte(value)); err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return nil
}
