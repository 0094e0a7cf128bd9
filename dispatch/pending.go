package dispatch

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/requiem-ai/apiai/llm"
)

// pendingRequest tracks one dispatched search. It is indexed by its local id
// and, once the relay reports one, by the relay request id.
type pendingRequest struct {
	id  string
	req Request

	mu        sync.Mutex
	client    llm.Client
	requestID string
	canceled  bool
	done      bool
}

func (p *pendingRequest) setClient(c llm.Client) {
	p.mu.Lock()
	p.client = c
	p.mu.Unlock()
}

func (p *pendingRequest) finish(requestID string) {
	p.mu.Lock()
	p.done = true
	if requestID != "" {
		p.requestID = requestID
	}
	p.mu.Unlock()
}

func (p *pendingRequest) markCanceled() {
	p.mu.Lock()
	p.canceled = true
	p.mu.Unlock()
}

func (p *pendingRequest) isCanceled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canceled
}

type pendingSnapshot struct {
	client    llm.Client
	requestID string
	done      bool
}

func (p *pendingRequest) snapshot() pendingSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return pendingSnapshot{client: p.client, requestID: p.requestID, done: p.done}
}

// registry keeps pending requests around for ttl after they finish so a late
// cancel still finds them.
type registry struct {
	items *cache.Cache
}

func newRegistry(ttl time.Duration) *registry {
	return &registry{items: cache.New(ttl, ttl*2)}
}

func (r *registry) put(key string, p *pendingRequest) {
	r.items.Set(key, p, cache.DefaultExpiration)
}

func (r *registry) get(key string) (*pendingRequest, bool) {
	v, ok := r.items.Get(key)
	if !ok {
		return nil, false
	}
	p, ok := v.(*pendingRequest)
	return p, ok
}

func (r *registry) len() int {
	return r.items.ItemCount()
}
