package llm

import "strings"

const (
	QuerySuffix  = "/ai_query"
	SecureSuffix = "/ai_query/secure"
	CancelSuffix = "/ai_query/cancel"
	EchoSuffix   = "/echo"
)

// SecureEndpoint derives the encrypted endpoint from a relay base URL.
// Echo endpoints and URLs that already point at the secure path are left
// alone, a plain query path is swapped for its secure twin, anything else
// gets the secure path appended.
func SecureEndpoint(baseURL string) string {
	base := strings.TrimSuffix(baseURL, "/")

	switch {
	case strings.HasSuffix(base, EchoSuffix):
		return base
	case strings.HasSuffix(base, SecureSuffix):
		return base
	case strings.HasSuffix(base, QuerySuffix):
		return strings.TrimSuffix(base, QuerySuffix) + SecureSuffix
	default:
		return base + SecureSuffix
	}
}

// CancelEndpoint derives the cancel endpoint from a relay base URL.
func CancelEndpoint(baseURL string) string {
	base := strings.TrimSuffix(baseURL, "/")

	switch {
	case strings.HasSuffix(base, CancelSuffix):
		return base
	case strings.HasSuffix(base, SecureSuffix):
		return strings.TrimSuffix(base, SecureSuffix) + CancelSuffix
	case strings.HasSuffix(base, QuerySuffix):
		return strings.TrimSuffix(base, QuerySuffix) + CancelSuffix
	default:
		return base + CancelSuffix
	}
}
