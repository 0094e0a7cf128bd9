// Package dispatch runs provider searches off the caller's goroutine and hands
// the results back through a single polled channel.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/requiem-ai/apiai/llm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	DefaultWorkers    = 4
	DefaultQueueSize  = 64
	DefaultPendingTTL = 30 * time.Minute
	cancelTimeout     = 15 * time.Second
)

// ErrClosed is reported for work that could not run because the dispatcher shut down.
var ErrClosed = errors.New("dispatcher closed")

type Kind string

const (
	KindSearch Kind = "search"
	KindCancel Kind = "cancel"
)

// Request is one search to run. Tag is an opaque caller correlation value
// returned untouched in the outcome.
type Request struct {
	Query    string
	Settings llm.Settings
	Tag      string
}

// Outcome is delivered once per search and once per cancel.
// Canceled is set on a search outcome when Cancel was called while it ran.
type Outcome struct {
	ID       string
	Kind     Kind
	Request  Request
	Result   llm.SearchResult
	Err      error
	Canceled bool
	Cancel   llm.CancelOutcome
	Elapsed  time.Duration
}

// Factory builds the client for a request.
type Factory func(Request) (llm.Client, error)

type Config struct {
	Workers        int
	QueueSize      int
	RatePerSecond  float64 // 0 disables limiting
	Burst          int
	RequestTimeout time.Duration // 0 keeps the transport default
	PendingTTL     time.Duration

	Factory       Factory
	ClientOptions []llm.Option
	Registerer    prometheus.Registerer
	Logger        *zerolog.Logger
}

type Dispatcher struct {
	cfg     Config
	factory Factory
	logger  zerolog.Logger

	results   chan Outcome
	done      chan struct{}
	semaphore chan struct{}
	limiter   *rate.Limiter
	pending   *registry
	metrics   *metrics

	mu      sync.RWMutex
	stopped atomic.Bool
	wg      sync.WaitGroup
}

func New(cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.Workers
	}

	d := &Dispatcher{
		cfg:       cfg,
		factory:   cfg.Factory,
		logger:    log.Logger,
		results:   make(chan Outcome, cfg.QueueSize),
		done:      make(chan struct{}),
		semaphore: make(chan struct{}, cfg.Workers),
		limiter:   rate.NewLimiter(limit, burst),
		pending:   newRegistry(cfg.PendingTTL),
		metrics:   newMetrics(cfg.Registerer),
	}
	if cfg.Logger != nil {
		d.logger = *cfg.Logger
	}
	if d.factory == nil {
		opts := append([]llm.Option{llm.WithLogger(d.logger)}, cfg.ClientOptions...)
		d.factory = func(req Request) (llm.Client, error) {
			return llm.NewClient(req.Settings, opts...)
		}
	}

	return d
}

// Submit dispatches req and returns its id. An empty query is ignored and
// reported with ok=false, as is any submit after Close.
func (d *Dispatcher) Submit(req Request) (string, bool) {
	if strings.TrimSpace(req.Query) == "" {
		return "", false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped.Load() {
		return "", false
	}

	entry := &pendingRequest{id: uuid.NewString(), req: req}
	d.pending.put(entry.id, entry)

	d.wg.Add(1)
	go d.run(entry)

	d.logger.Debug().
		Str("id", entry.id).
		Str("provider", req.Settings.Provider).
		Str("tag", req.Tag).
		Msg("search dispatched")

	return entry.id, true
}

// Poll returns the next outcome without blocking.
func (d *Dispatcher) Poll() (Outcome, bool) {
	select {
	case o, ok := <-d.results:
		return o, ok
	default:
		return Outcome{}, false
	}
}

// Results exposes the outcome channel for consumers that prefer to range
// over it. It is closed by Close.
func (d *Dispatcher) Results() <-chan Outcome {
	return d.results
}

// Cancel asks for id to be abandoned. id is either the value returned by
// Submit or a request id reported by the relay. The search itself keeps
// running and still delivers its outcome, flagged Canceled. The informational
// cancel outcome arrives separately. It returns false when id is unknown.
func (d *Dispatcher) Cancel(id string) bool {
	entry, ok := d.pending.get(id)
	if !ok {
		d.spawn(func() {
			d.deliverCancel(Outcome{ID: id, Kind: KindCancel}, llm.CancelOutcome{
				RequestID: id,
				Message:   "unknown request",
			})
		})
		return false
	}

	entry.markCanceled()
	state := entry.snapshot()

	base := Outcome{ID: entry.id, Kind: KindCancel, Request: entry.req}
	d.spawn(func() {
		canceler, ok := state.client.(llm.Canceler)
		switch {
		case state.client == nil:
			d.deliverCancel(base, llm.CancelOutcome{
				RequestID: id,
				Message:   "request has not started yet; reply will be discarded",
			})
		case !ok:
			d.deliverCancel(base, llm.CancelOutcome{
				RequestID: id,
				Message:   "provider does not accept cancel requests",
			})
		case state.done && state.requestID == "":
			d.deliverCancel(base, llm.CancelOutcome{
				RequestID: id,
				Message:   "request already finished",
			})
		case state.requestID == "":
			d.deliverCancel(base, llm.CancelOutcome{
				RequestID: id,
				Message:   "relay has not assigned a request id yet; reply will be discarded",
			})
		default:
			ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
			defer cancel()
			d.deliverCancel(base, canceler.Cancel(ctx, state.requestID))
		}
	})
	return true
}

// CancelRemote sends a cancel for a relay request id that this dispatcher
// never saw, using the client built for req.
func (d *Dispatcher) CancelRemote(req Request, requestID string) {
	base := Outcome{ID: requestID, Kind: KindCancel, Request: req}
	d.spawn(func() {
		client, err := d.factory(req)
		if err != nil {
			d.deliverCancel(base, llm.CancelOutcome{RequestID: requestID, Message: err.Error()})
			return
		}
		canceler, ok := client.(llm.Canceler)
		if !ok {
			d.deliverCancel(base, llm.CancelOutcome{
				RequestID: requestID,
				Message:   "provider does not accept cancel requests",
			})
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		d.deliverCancel(base, canceler.Cancel(ctx, requestID))
	})
}

// Close stops accepting work, waits for running searches and closes the
// results channel. Outcomes nobody reads after Close are dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.stopped.Swap(true) {
		d.mu.Unlock()
		return
	}
	close(d.done)
	d.mu.Unlock()

	d.wg.Wait()
	close(d.results)
}

// Pending returns the number of tracked requests, finished ones included
// until they expire.
func (d *Dispatcher) Pending() int {
	return d.pending.len()
}

func (d *Dispatcher) spawn(fn func()) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped.Load() {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

func (d *Dispatcher) run(entry *pendingRequest) {
	defer d.wg.Done()

	req := entry.req
	out := Outcome{ID: entry.id, Kind: KindSearch, Request: req}
	logger := d.logger.With().Str("id", entry.id).Str("tag", req.Tag).Logger()

	ctx, cancel := d.taskContext()
	defer cancel()

	if err := d.limiter.Wait(ctx); err != nil {
		out.Err = err
		d.deliver(out)
		return
	}

	select {
	case d.semaphore <- struct{}{}:
	case <-ctx.Done():
		out.Err = ctx.Err()
		d.deliver(out)
		return
	}
	defer func() { <-d.semaphore }()

	client, err := d.factory(req)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build client")
		out.Err = err
		d.deliver(out)
		return
	}
	entry.setClient(client)

	start := time.Now()
	d.metrics.inFlight.Inc()
	result, err := client.Search(ctx, req.Query)
	d.metrics.inFlight.Dec()
	out.Elapsed = time.Since(start)

	entry.finish(result.RequestID)
	if result.RequestID != "" {
		d.pending.put(result.RequestID, entry)
	}

	out.Result = result
	out.Err = err
	out.Canceled = entry.isCanceled()

	status := "ok"
	switch {
	case out.Canceled:
		status = "canceled"
	case err != nil:
		status = "error"
	}
	d.metrics.recordSearch(client.ID(), status, out.Elapsed)

	if err != nil {
		logger.Warn().Err(err).Str("provider", client.ID()).Dur("elapsed", out.Elapsed).Msg("search failed")
	} else {
		logger.Info().
			Str("provider", result.Provider).
			Str("model", result.Model).
			Str("request_id", result.RequestID).
			Bool("canceled", out.Canceled).
			Dur("elapsed", out.Elapsed).
			Msg("search completed")
	}

	d.deliver(out)
}

func (d *Dispatcher) taskContext() (context.Context, context.CancelFunc) {
	if d.cfg.RequestTimeout > 0 {
		return context.WithTimeout(context.Background(), d.cfg.RequestTimeout)
	}
	return context.WithCancel(context.Background())
}

func (d *Dispatcher) deliverCancel(out Outcome, cancel llm.CancelOutcome) {
	d.metrics.recordCancel(cancel.Accepted)
	out.Cancel = cancel
	d.logger.Info().
		Str("id", out.ID).
		Bool("accepted", cancel.Accepted).
		Str("message", cancel.Message).
		Msg("cancel outcome")
	d.deliver(out)
}

func (d *Dispatcher) deliver(out Outcome) {
	select {
	case d.results <- out:
		return
	default:
	}

	select {
	case d.results <- out:
	case <-d.done:
		d.logger.Warn().Str("id", out.ID).Str("kind", string(out.Kind)).Msg("dropping outcome after close")
	}
}
