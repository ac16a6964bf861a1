package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryStore is a single-process counter store: a token bucket per subject that refills
// maxCount tokens over one window.
type MemoryStore struct {
	mu       sync.Mutex
	clock    func() time.Time
	limiters map[string]*subjectLimiter
}

type subjectLimiter struct {
	limiter  *rate.Limiter
	window   time.Duration
	maxCount int
}

// NewMemoryStore constructs an in-process counter store.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		clock:    clock,
		limiters: make(map[string]*subjectLimiter),
	}
}

func (s *MemoryStore) CheckAndIncrement(ctx context.Context, subjectID string, window time.Duration, maxCount int) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.limiters[subjectID]
	if entry == nil || entry.window != window || entry.maxCount != maxCount {
		if entry == nil {
			s.evictIdleLocked(now)
		}
		entry = &subjectLimiter{
			limiter:  rate.NewLimiter(rate.Every(window/time.Duration(maxCount)), maxCount),
			window:   window,
			maxCount: maxCount,
		}
		s.limiters[subjectID] = entry
	}

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return Decision{Allowed: false, RetryAfter: window}, nil
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true, Remaining: int(entry.limiter.TokensAt(now))}, nil
}

// evictIdleLocked drops subjects whose bucket has refilled; a fresh limiter behaves the same.
func (s *MemoryStore) evictIdleLocked(now time.Time) {
	for subjectID, entry := range s.limiters {
		if entry.limiter.TokensAt(now) >= float64(entry.maxCount) {
			delete(s.limiters, subjectID)
		}
	}
}
