package llm

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type options struct {
	httpClient *http.Client
	baseURL    string
	model      string
	maxTokens  int
	logger     zerolog.Logger
}

// Option configures a provider client.
type Option func(*options)

func newOptions(baseURL, model string, opts []Option) options {
	o := options{
		httpClient: http.DefaultClient,
		baseURL:    baseURL,
		model:      model,
		maxTokens:  DefaultMaxTokens,
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithHTTPClient sets the HTTP client used for every request.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// WithTimeout bounds each request. Zero keeps the transport default.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout <= 0 {
			return
		}
		client := *o.httpClient
		client.Timeout = timeout
		o.httpClient = &client
	}
}

// WithBaseURL overrides the endpoint of a direct provider.
func WithBaseURL(url string) Option {
	return func(o *options) {
		if url != "" {
			o.baseURL = url
		}
	}
}

// WithModel overrides the default model identifier.
func WithModel(model string) Option {
	return func(o *options) {
		if model != "" {
			o.model = model
		}
	}
}

func WithMaxTokens(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxTokens = n
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
