package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiter struct {
	*rate.Limiter
	lastSeen time.Time
}

// Store keeps one token bucket per key and forgets keys idle for ttl.
type Store struct {
	mu    sync.Mutex
	keys  map[string]*limiter
	limit rate.Limit
	burst int
	ttl   time.Duration
}

func NewStore(limit rate.Limit, burst int, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{keys: make(map[string]*limiter), limit: limit, burst: burst, ttl: ttl}
}

func (s *Store) get(key string, now time.Time) *limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.keys[key]
	if !ok {
		l = &limiter{Limiter: rate.NewLimiter(s.limit, s.burst)}
		s.keys[key] = l
	}
	l.lastSeen = now
	return l
}

func (s *Store) Allow(key string) bool {
	now := time.Now()
	return s.get(key, now).AllowN(now, 1)
}

// Len is the number of tracked keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// StartJanitor evicts idle keys every interval until ctx ends.
func (s *Store) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.evict(now)
			}
		}
	}()
}

func (s *Store) evict(now time.Time) {
	cut := now.Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, l := range s.keys {
		if l.lastSeen.Before(cut) {
			delete(s.keys, k)
		}
	}
}
