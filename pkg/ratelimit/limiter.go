package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// MinRetryAfter is the smallest retry hint returned on a denial
const MinRetryAfter = 100 * time.Millisecond

// Window is the state of a bucket after a Take
type Window struct {
	// Count is the number of timestamps in the window, including one just recorded
	Count int
	// Oldest is the oldest surviving timestamp
	Oldest time.Time
	// Recorded reports whether now was added to the bucket
	Recorded bool
}

// Store holds rate limit buckets
type Store interface {
	// Take prunes timestamps of key older than now-window and records now when
	// fewer than max remain, as one atomic step.
	Take(ctx context.Context, key string, now time.Time, window time.Duration, max int) (Window, error)

	// Compact removes buckets whose newest timestamp is before idleBefore and
	// returns how many were removed.
	Compact(ctx context.Context, idleBefore time.Time) (int, error)

	// Len returns the number of live buckets, or -1 when unknown
	Len() int
}

// Decision is the outcome of a check
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
}

// Limiter evaluates sliding-window checks against a Store
type Limiter struct {
	store   Store
	now     func() time.Time
	metrics *observability.Metrics
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMetrics records decisions
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// NewLimiter creates a limiter over store
func NewLimiter(store Store, opts ...Option) *Limiter {
	l := &Limiter{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the underlying store
func (l *Limiter) Store() Store {
	return l.store
}

// Check applies the sliding window of length window with at most max requests to key
func (l *Limiter) Check(ctx context.Context, key string, window time.Duration, max int) (*Decision, error) {
	if key == "" {
		return nil, errors.New("rate limit key is required")
	}
	if window <= 0 || max <= 0 {
		return nil, fmt.Errorf("invalid rate limit window=%s max=%d", window, max)
	}

	now := l.now()
	w, err := l.store.Take(ctx, key, now, window, max)
	if err != nil {
		return nil, fmt.Errorf("rate limit store: %w", err)
	}

	d := &Decision{Allowed: w.Recorded, Limit: max}
	if w.Recorded {
		d.Remaining = max - w.Count
		if d.Remaining < 0 {
			d.Remaining = 0
		}
	} else {
		d.RetryAfter = window - now.Sub(w.Oldest)
		if d.RetryAfter < MinRetryAfter {
			d.RetryAfter = MinRetryAfter
		}
	}
	return d, nil
}

// Compact removes buckets idle for longer than idle
func (l *Limiter) Compact(ctx context.Context, idle time.Duration) (int, error) {
	n, err := l.store.Compact(ctx, l.now().Add(-idle))
	if err != nil {
		return 0, err
	}
	if size := l.store.Len(); size >= 0 {
		l.metrics.SetRateLimitBuckets(size)
	}
	return n, nil
}

// StartCompaction compacts idle buckets every interval until ctx is done
func (l *Limiter) StartCompaction(ctx context.Context, interval, idle time.Duration, logger *observability.Logger) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := l.Compact(ctx, idle)
				if err != nil {
					logger.WithError(err).Warn("rate limit compaction failed")
					continue
				}
				if n > 0 {
					logger.WithField("removed", n).Debug("compacted idle rate limit buckets")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
