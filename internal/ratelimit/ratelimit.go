// Package ratelimit implements admission control for submitted operations.
//
// Counting happens in a fixed window that is reset wholesale: the first
// operation observed after the window end starts a new window and clears
// every bucket. Senders are charged to buckets by trust tier:
//
//   - unknown users share the global "shared" bucket
//   - users holding a verified label get a bucket of their own
//   - other users share "shared_<parent>" with everyone vouched for by the
//     same parent, or "shared" when they have no parent
//   - contexts (Sponsor operations) are charged to "context_<name>"
//
// The "shared" bucket is common to every unrelated unverified sender on the
// node, so one noisy sender can exhaust it for all of them. That is a known
// limitation of the fallback tier, kept on purpose.
//
// State is held in memory only. A restart opens a fresh window.
package ratelimit

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/trustgraph/trustops/internal/graph"
	"github.com/trustgraph/trustops/internal/op"
)

// Bucket names.
const (
	SharedBucket        = "shared"
	ParentBucketPrefix  = "shared_"
	ContextBucketPrefix = "context_"
)

// Clock supplies the current time. Tests inject a manual clock instead of
// sleeping through windows.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// Config bounds admission.
type Config struct {
	// Window is the length of one counting window.
	Window time.Duration

	// Limit is the number of operations a bucket may be charged per window.
	// A non-positive limit disables admission control.
	Limit int

	// VerifiedLabels are the verifications that earn a user their own
	// bucket.
	VerifiedLabels []string
}

// Snapshot is a copy of the limiter state for diagnostics.
type Snapshot struct {
	WindowEnd time.Time
	Counts    map[string]int
}

// Limiter counts operations per bucket. It is safe for concurrent use.
type Limiter struct {
	cfg   Config
	clock Clock

	mu        sync.Mutex
	windowEnd time.Time
	counts    map[string]int
}

// New returns a Limiter. A nil clock means SystemClock.
func New(cfg Config, clock Clock) *Limiter {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Limiter{
		cfg:    cfg,
		clock:  clock,
		counts: map[string]int{},
	}
}

// Admit charges the operation's senders and reports whether it may
// proceed. Senders are charged in order; as soon as one sender's bucket is
// still within the limit after incrementing, the operation is admitted and
// the remaining senders are not charged. If every bucket is over the limit
// Admit fails with CodeRateLimited.
//
// Buckets are resolved from the graph before the counters are locked, so
// slow lookups never hold the lock.
func (l *Limiter) Admit(ctx context.Context, r graph.Reader, senders []op.Sender) error {
	if l.cfg.Limit <= 0 || len(senders) == 0 {
		return nil
	}

	buckets := make([]string, 0, len(senders))
	for _, s := range senders {
		b, err := ResolveBucket(ctx, r, l.cfg.VerifiedLabels, s)
		if err != nil {
			return err
		}
		buckets = append(buckets, b)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if l.windowEnd.IsZero() || now.After(l.windowEnd) {
		l.counts = map[string]int{}
		l.windowEnd = now.Add(l.cfg.Window)
	}

	for _, b := range buckets {
		l.counts[b]++
		if l.counts[b] <= l.cfg.Limit {
			return nil
		}
	}
	return op.NewRateLimitedError(buckets, l.cfg.Limit)
}

// ResolveBucket returns the bucket a sender is charged to.
func ResolveBucket(ctx context.Context, r graph.Reader, verifiedLabels []string, s op.Sender) (string, error) {
	if s.Kind == op.SenderContext {
		return ContextBucketPrefix + s.ID, nil
	}

	u, err := r.User(ctx, s.ID)
	switch {
	case errors.Is(err, graph.ErrNotFound):
		return SharedBucket, nil
	case err != nil:
		return "", op.WrapError(op.CodeUnavailable, err, "resolve rate limit bucket of %s", s.ID)
	case u.HasAnyVerification(verifiedLabels):
		return u.ID, nil
	case u.Parent != "":
		return ParentBucketPrefix + u.Parent, nil
	default:
		return SharedBucket, nil
	}
}

// Snapshot returns a copy of the current window.
func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{WindowEnd: l.windowEnd, Counts: maps.Clone(l.counts)}
}
