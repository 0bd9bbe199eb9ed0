package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// LimiterStore holds one token bucket per client key, bounded to maxSize
// entries.
type LimiterStore struct {
	mu       sync.RWMutex
	limiters map[uint64]*timestampedLimiter
	maxSize  int
	rate     int
}

type timestampedLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// NewLimiterStore creates a new limiter store. rateLimit is queries per minute.
func NewLimiterStore(maxSize, rateLimit int) *LimiterStore {
	return &LimiterStore{
		limiters: make(map[uint64]*timestampedLimiter),
		maxSize:  maxSize,
		rate:     rateLimit,
	}
}

// Get retrieves or creates the limiter for key.
func (s *LimiterStore) Get(key uint64) *rate.Limiter {
	now := time.Now().UnixNano()

	s.mu.RLock()
	if tl, ok := s.limiters[key]; ok {
		tl.lastSeen.Store(now)
		s.mu.RUnlock()
		return tl.limiter
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if tl, ok := s.limiters[key]; ok {
		tl.lastSeen.Store(now)
		return tl.limiter
	}

	if len(s.limiters) >= s.maxSize {
		s.evictOne()
	}

	limit := rate.Limit(0)
	if s.rate > 0 {
		limit = rate.Every(time.Minute / time.Duration(s.rate))
	}

	tl := &timestampedLimiter{limiter: rate.NewLimiter(limit, s.rate)}
	tl.lastSeen.Store(now)
	s.limiters[key] = tl

	return tl.limiter
}

// evictOne removes the least recently seen entry of a bounded sample.
func (s *LimiterStore) evictOne() {
	var (
		oldestKey  uint64
		oldestTime int64
		checked    int
	)

	for k, v := range s.limiters {
		seen := v.lastSeen.Load()
		if checked == 0 || seen < oldestTime {
			oldestKey, oldestTime = k, seen
		}

		checked++
		if checked >= evictSample {
			break
		}
	}

	if checked > 0 {
		delete(s.limiters, oldestKey)
	}
}

// Len returns the number of limiters
func (s *LimiterStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.limiters)
}

const evictSample = 100
