package llm

import (
	"context"
	"strings"
	"time"
)

// SearchResult is the normalized answer of any provider.
//
// Provider and Model reflect what the backend reported, not what was asked
// for. ProviderAssumed is set when the relay omitted the provider and the
// default was filled in.
type SearchResult struct {
	Text            string
	Provider        string
	Model           string
	ConversationID  string
	RequestID       string
	ProcessingTime  time.Duration
	ProviderAssumed bool
}

// IsProvider compares the reported provider ignoring case.
func (r SearchResult) IsProvider(name string) bool {
	return strings.EqualFold(r.Provider, name)
}

// CancelOutcome is the informational result of a best-effort cancel.
type CancelOutcome struct {
	RequestID string
	Accepted  bool
	Status    int
	Message   string
}

type Client interface {
	ID() string
	Search(ctx context.Context, query string) (SearchResult, error)
}

// Canceler is implemented by clients whose backend accepts cancel
// notifications. Cancel never fails; problems are reported in the outcome.
type Canceler interface {
	Cancel(ctx context.Context, requestID string) CancelOutcome
}
