package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trustgraph/trustops/internal/graph"
	"github.com/trustgraph/trustops/internal/op"
	"github.com/trustgraph/trustops/internal/ratelimit"
	"github.com/trustgraph/trustops/internal/sealed"
	"github.com/trustgraph/trustops/internal/sig"
	"github.com/trustgraph/trustops/internal/store"
)

// Settings are the protocol parameters of a node.
type Settings struct {
	// Version is the only protocol version accepted.
	Version int

	// TimestampFudge is how far ahead of the node's clock an operation
	// timestamp may be.
	TimestampFudge time.Duration

	// MaxOperationSize bounds the encoded record, in bytes, at ingestion.
	// Zero disables the check.
	MaxOperationSize int

	// StoreTimeout bounds every operation store round-trip. Zero means no
	// deadline beyond the caller's context.
	StoreTimeout time.Duration

	RateLimit ratelimit.Config
}

// DefaultSettings returns the settings a node runs with when nothing is
// configured.
func DefaultSettings() Settings {
	return Settings{
		Version:          6,
		TimestampFudge:   time.Hour,
		MaxOperationSize: 2000,
		StoreTimeout:     5 * time.Second,
		RateLimit: ratelimit.Config{
			Window:         15 * time.Minute,
			Limit:          60,
			VerifiedLabels: []string{"Verified"},
		},
	}
}

// Engine evaluates operations against the graph.
//
// Submit is the ingestion handler: it authenticates and admits an
// operation and persists it as init. Apply is the apply handler: it
// evaluates an operation exactly once and persists its terminal state.
// Both are safe to call from any goroutine; the content-hash claim in the
// store is the only serialization point the at-most-once guarantee
// needs.
//
// Run is an optional single-writer loop that applies operations fed
// through Enqueue or FeedPending in FIFO order.
type Engine struct {
	store    *store.Store
	graph    graph.Store
	verifier *sig.Verifier
	sealer   *sealed.Transform
	limiter  *ratelimit.Limiter
	seq      *Clock
	queue    *applyQueue

	// fed holds the keys FeedPending queued that Run has not finished.
	fedMu sync.Mutex
	fed   map[string]struct{}

	settings Settings
	clock    ratelimit.Clock
	traces   TraceIDGenerator
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithSettings replaces DefaultSettings.
func WithSettings(s Settings) Option {
	return func(e *Engine) {
		e.settings = s
	}
}

// WithClock sets the wall clock used for timestamp checks and rate-limit
// windows.
func WithClock(c ratelimit.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithTraceGenerator sets the trace ID source.
func WithTraceGenerator(g TraceIDGenerator) Option {
	return func(e *Engine) {
		e.traces = g
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an Engine over the operation store s and the graph g. The
// logical clock resumes from the highest seq already stored.
func New(ctx context.Context, s *store.Store, g graph.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:    s,
		graph:    g,
		verifier: sig.NewVerifier(g),
		sealer:   sealed.NewTransform(g),
		queue:    newApplyQueue(),
		fed:      map[string]struct{}{},
		settings: DefaultSettings(),
		clock:    ratelimit.SystemClock{},
		traces:   UUIDv7Generator{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.limiter = ratelimit.New(e.settings.RateLimit, e.clock)

	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	maxSeq, err := s.MaxSeq(sctx)
	if err != nil {
		return nil, fmt.Errorf("resume clock: %w", err)
	}
	e.seq = NewClockAt(maxSeq)
	return e, nil
}

// Settings returns the engine's protocol settings.
func (e *Engine) Settings() Settings {
	return e.settings
}

// Limiter returns the admission controller, for diagnostics.
func (e *Engine) Limiter() *ratelimit.Limiter {
	return e.limiter
}

// Clock returns the engine's logical clock.
func (e *Engine) Clock() *Clock {
	return e.seq
}

// Enqueue submits o to the Run loop. It is safe from any goroutine and
// returns false once the engine is stopped.
func (e *Engine) Enqueue(o *op.Operation) bool {
	return e.queue.Enqueue(o)
}

// QueueLen returns the number of operations waiting for Run.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// Run applies queued operations one at a time until ctx is cancelled or
// Stop is called. After Stop, operations already queued are applied
// before Run returns nil.
//
// Outcomes are recorded in the store. A store failure is logged and the
// loop moves on. If it struck before the mutation the hash was released
// and the operation can be fed again; otherwise it stays claimed.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting")

	for {
		if o, ok := e.queue.TryDequeue(); ok {
			if _, err := e.Apply(ctx, o); err != nil {
				e.logger.Error("apply failed",
					"key", o.Key,
					"name", o.Name(),
					"error", err,
				)
			}
			e.unfeed(o.Key)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()
		case <-e.queue.Wait():
			// The signal coalesces wake-ups, so an empty queue only means
			// shutdown once it is also closed.
			if e.queue.Len() == 0 && e.queue.Closed() {
				e.logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// FeedPending queues every pending record for Run, oldest first, and
// returns how many it queued. Records it queued earlier that Run has not
// finished are skipped, so polling faster than Run applies never
// evaluates a record twice.
func (e *Engine) FeedPending(ctx context.Context) (int, error) {
	sctx, cancel := e.storeContext(ctx)
	pending, err := e.store.ListPending(sctx, 0)
	cancel()
	if err != nil {
		return 0, unavailable(err, "list pending operations")
	}

	e.fedMu.Lock()
	defer e.fedMu.Unlock()
	n := 0
	for _, rec := range pending {
		key := rec.Operation.Key
		if _, ok := e.fed[key]; ok {
			continue
		}
		if !e.queue.Enqueue(rec.Operation) {
			break
		}
		e.fed[key] = struct{}{}
		n++
	}
	return n, nil
}

// Idle reports whether every record FeedPending queued has been
// finished by Run.
func (e *Engine) Idle() bool {
	e.fedMu.Lock()
	defer e.fedMu.Unlock()
	return len(e.fed) == 0
}

func (e *Engine) unfeed(key string) {
	e.fedMu.Lock()
	delete(e.fed, key)
	e.fedMu.Unlock()
}

// Stop closes the queue. Run drains what is queued and returns.
func (e *Engine) Stop() {
	e.queue.Close()
}

// storeContext bounds one store round-trip by StoreTimeout.
func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.settings.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.settings.StoreTimeout)
}

// unavailable wraps a store failure as a retryable error.
func unavailable(err error, format string, args ...any) error {
	return op.WrapError(op.CodeUnavailable, err, format, args...)
}
