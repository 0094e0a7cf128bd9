package llm

import (
	"errors"
	"fmt"
)

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrTransport         = errors.New("transport error")
	ErrDecrypt           = errors.New("decrypt error")
	ErrMalformedResponse = errors.New("malformed response")
	ErrUnknownProvider   = errors.New("unknown provider")
)

// UpstreamError is a non-2xx reply from a provider or the relay.
type UpstreamError struct {
	Provider string
	Status   int
	Body     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.Status, e.Body)
}

// IsUpstreamError reports whether err carries an UpstreamError.
func IsUpstreamError(err error) bool {
	var upstream *UpstreamError
	return errors.As(err, &upstream)
}
