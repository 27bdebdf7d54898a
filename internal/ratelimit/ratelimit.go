// Package ratelimit gates outbound calls to third-party APIs with named
// token buckets. Buckets refill on wall-clock second boundaries and drain a
// FIFO wait queue, so a burst of concurrent callers is served in arrival
// order instead of stampeding the upstream.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultCapacity is the tokens-per-second for buckets without explicit config.
const DefaultCapacity = 5

// Limiter is a factory of named token buckets.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	capacities map[string]int
	fallback   int
	logger     zerolog.Logger
}

// BucketStats is an observability snapshot of one bucket.
type BucketStats struct {
	Capacity int       `json:"capacity"`
	Tokens   int       `json:"tokens"`
	Waiting  int       `json:"waiting"`
	LastUsed time.Time `json:"lastUsed"`
}

// New creates a Limiter. capacities maps upstream names to tokens-per-second;
// unknown names fall back to DefaultCapacity.
func New(capacities map[string]int, logger zerolog.Logger) *Limiter {
	return &Limiter{
		buckets:    make(map[string]*bucket),
		capacities: capacities,
		fallback:   DefaultCapacity,
		logger:     logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Acquire debits one token from the named bucket, blocking in FIFO order
// behind earlier waiters when the bucket is empty. It fails only when ctx is
// cancelled.
func (l *Limiter) Acquire(ctx context.Context, name string) error {
	b := l.bucket(name)

	b.mu.Lock()
	b.lastUsed = time.Now()
	if b.tokens > 0 && len(b.waiters) == 0 {
		b.tokens--
		b.mu.Unlock()
		return nil
	}

	grant := make(chan struct{})
	b.waiters = append(b.waiters, grant)
	if !b.pumping {
		b.pumping = true
		go b.pump()
	}
	waiting := len(b.waiters)
	b.mu.Unlock()

	l.logger.Trace().Str("name", name).Int("waiting", waiting).Msg("Bucket empty, queueing caller")

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		if !b.abandon(grant) {
			// The pump granted the token before we could withdraw; the
			// token is already spent, so honor the grant.
			return nil
		}
		return ctx.Err()
	}
}

// Penalize empties the named bucket. Called after an upstream 429 so
// subsequent callers slow down until the next refill.
func (l *Limiter) Penalize(name string) {
	b := l.bucket(name)
	b.mu.Lock()
	b.tokens = 0
	b.mu.Unlock()
	l.logger.Debug().Str("name", name).Msg("Bucket drained after upstream rate limit")
}

// Cleanup removes buckets idle for longer than maxIdle and with no waiters.
// Returns the number of buckets removed.
func (l *Limiter) Cleanup(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for name, b := range l.buckets {
		b.mu.Lock()
		idle := len(b.waiters) == 0 && !b.pumping && b.lastUsed.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, name)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().Int("removed", removed).Msg("Cleaned up idle rate limit buckets")
	}
	return removed
}

// Stats returns a snapshot of every live bucket.
func (l *Limiter) Stats() map[string]BucketStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := make(map[string]BucketStats, len(l.buckets))
	for name, b := range l.buckets {
		b.mu.Lock()
		stats[name] = BucketStats{
			Capacity: b.capacity,
			Tokens:   b.tokens,
			Waiting:  len(b.waiters),
			LastUsed: b.lastUsed,
		}
		b.mu.Unlock()
	}
	return stats
}

func (l *Limiter) bucket(name string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[name]
	if !ok {
		capacity := l.fallback
		if c, found := l.capacities[name]; found && c > 0 {
			capacity = c
		}
		b = &bucket{
			capacity: capacity,
			tokens:   capacity,
			lastUsed: time.Now(),
		}
		l.buckets[name] = b
		l.logger.Debug().Str("name", name).Int("capacity", capacity).Msg("Created rate limit bucket")
	}
	return b
}

type bucket struct {
	mu       sync.Mutex
	capacity int
	tokens   int
	waiters  []chan struct{}
	pumping  bool
	lastUsed time.Time
}

// pump refills the bucket at each wall-clock second boundary and grants
// tokens to waiters in FIFO order. It exits once the queue is empty.
func (b *bucket) pump() {
	for {
		now := time.Now()
		time.Sleep(now.Truncate(time.Second).Add(time.Second).Sub(now))

		b.mu.Lock()
		b.tokens = b.capacity
		for b.tokens > 0 && len(b.waiters) > 0 {
			grant := b.waiters[0]
			b.waiters = b.waiters[1:]
			b.tokens--
			close(grant)
		}
		if len(b.waiters) == 0 {
			b.pumping = false
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
	}
}

// abandon removes a waiter that gave up. Returns false when the waiter was
// already granted.
func (b *bucket) abandon(grant chan struct{}) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.waiters {
		if w == grant {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return true
		}
	}
	return false
}
