package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Expiring is implemented by every record kept in a Store.
type Expiring interface {
	Deadline() time.Time
}

// Store is a typed, prefixed view over a Backend. Records are JSON encoded and
// expire at their Deadline, enforced at read time regardless of what the
// backend still holds.
type Store[V Expiring] struct {
	backend Backend
	prefix  string
	now     Clock
}

// New returns a Store whose keys are prefix+key. A nil clock uses time.Now.
func New[V Expiring](backend Backend, prefix string, clock Clock) *Store[V] {
	if clock == nil {
		clock = time.Now
	}
	return &Store[V]{backend: backend, prefix: prefix, now: clock}
}

func (s *Store[V]) Key(key string) string {
	return s.prefix + key
}

// Get returns the record at key, or false when it was never set, was deleted
// or has passed its deadline.
func (s *Store[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	raw, ok, err := s.backend.Get(ctx, s.Key(key))
	if err != nil || !ok {
		return zero, false, err
	}
	return s.decode(raw)
}

// Set stores v until its deadline. A record already past its deadline is not
// stored and any previous value is removed.
func (s *Store[V]) Set(ctx context.Context, key string, v V) error {
	ttl := v.Deadline().Sub(s.now())
	if ttl <= 0 {
		return s.backend.Delete(ctx, s.Key(key))
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrEncode, s.prefix, err)
	}
	return s.backend.Set(ctx, s.Key(key), raw, ttl)
}

// Update replaces the record at key. It behaves exactly like Set.
func (s *Store[V]) Update(ctx context.Context, key string, v V) error {
	return s.Set(ctx, key, v)
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store[V]) Delete(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, s.Key(key))
}

// Take atomically reads and removes key. Only one concurrent caller receives
// the record.
func (s *Store[V]) Take(ctx context.Context, key string) (V, bool, error) {
	var zero V
	raw, ok, err := s.backend.Take(ctx, s.Key(key))
	if err != nil || !ok {
		return zero, false, err
	}
	return s.decode(raw)
}

func (s *Store[V]) decode(raw []byte) (V, bool, error) {
	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		var zero V
		return zero, false, fmt.Errorf("%w: %s: %w", ErrEncode, s.prefix, err)
	}
	if !s.now().Before(v.Deadline()) {
		var zero V
		return zero, false, nil
	}
	return v, true, nil
}
