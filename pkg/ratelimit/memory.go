package ratelimit

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxKeys caps the number of buckets a MemoryStore keeps
const DefaultMaxKeys = 100000

type bucket struct {
	mu    sync.Mutex
	times []time.Time
	dead  bool
}

// MemoryStore keeps buckets in process memory. When the key cap is reached the
// least recently used bucket is evicted.
type MemoryStore struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, *bucket]
}

// NewMemoryStore creates a store holding at most maxKeys buckets
func NewMemoryStore(maxKeys int) *MemoryStore {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	cache, err := lru.NewWithEvict[string, *bucket](maxKeys, func(_ string, b *bucket) {
		b.mu.Lock()
		b.dead = true
		b.mu.Unlock()
	})
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &MemoryStore{buckets: cache}
}

func (s *MemoryStore) bucket(key string) *bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets.Get(key)
	if !ok {
		b = &bucket{}
		s.buckets.Add(key, b)
	}
	return b
}

// Take implements Store
func (s *MemoryStore) Take(ctx context.Context, key string, now time.Time, window time.Duration, max int) (Window, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Window{}, err
		}
		b := s.bucket(key)
		b.mu.Lock()
		if b.dead {
			b.mu.Unlock()
			continue
		}
		w := b.take(now, window, max)
		b.mu.Unlock()
		return w, nil
	}
}

func (b *bucket) take(now time.Time, window time.Duration, max int) Window {
	cutoff := now.Add(-window)
	i := 0
	for i < len(b.times) && b.times[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.times = append(b.times[:0], b.times[i:]...)
	}

	if len(b.times) >= max {
		return Window{Count: len(b.times), Oldest: b.times[0]}
	}
	b.times = append(b.times, now)
	return Window{Count: len(b.times), Oldest: b.times[0], Recorded: true}
}

// Compact implements Store
func (s *MemoryStore) Compact(_ context.Context, idleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range s.buckets.Keys() {
		b, ok := s.buckets.Peek(key)
		if !ok {
			continue
		}
		b.mu.Lock()
		idle := len(b.times) == 0 || b.times[len(b.times)-1].Before(idleBefore)
		b.mu.Unlock()
		if idle {
			s.buckets.Remove(key)
			removed++
		}
	}
	return removed, nil
}

// Len implements Store
func (s *MemoryStore) Len() int {
	return s.buckets.Len()
}
