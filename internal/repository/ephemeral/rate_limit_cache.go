package ephemeral

import (
	"context"
	"fmt"
	"time"

	"ephemeral-auth/internal/models"
	"ephemeral-auth/internal/store"
)

// Decision is the outcome of one rate-limited attempt. TTL is the time left in
// the current window and is always set.
type Decision struct {
	Count   int64
	Allowed bool
	TTL     time.Duration
	ResetAt time.Time
}

// RateLimitStore counts attempts per key over fixed windows that start at the
// first attempt.
type RateLimitStore struct {
	backend store.Backend
	now     store.Clock
}

func NewRateLimitStore(backend store.Backend, clock store.Clock) *RateLimitStore {
	if clock == nil {
		clock = time.Now
	}
	return &RateLimitStore{backend: backend, now: clock}
}

// Increment counts one attempt against key. The attempt is allowed while the
// count stays within maxCount. maxCount below 1 is treated as 1, so the first
// attempt of a window is always allowed.
func (s *RateLimitStore) Increment(ctx context.Context, key string, maxCount int64, window time.Duration) (Decision, error) {
	if maxCount < 1 {
		maxCount = 1
	}
	c, err := s.backend.Increment(ctx, key, window)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to increment rate limit: %w", err)
	}
	ttl := c.TTL
	if ttl <= 0 || ttl > window {
		ttl = window
	}
	return Decision{
		Count:   c.Count,
		Allowed: c.Count <= maxCount,
		TTL:     ttl,
		ResetAt: s.now().Add(ttl),
	}, nil
}

// Get reads the current window without counting an attempt.
func (s *RateLimitStore) Get(ctx context.Context, key string) (models.RateLimitRecord, bool, error) {
	c, ok, err := s.backend.Counter(ctx, key)
	if err != nil {
		return models.RateLimitRecord{}, false, fmt.Errorf("failed to get rate limit: %w", err)
	}
	if !ok || c.TTL <= 0 {
		return models.RateLimitRecord{}, false, nil
	}
	return models.RateLimitRecord{Count: c.Count, ResetAt: s.now().Add(c.TTL)}, true, nil
}
