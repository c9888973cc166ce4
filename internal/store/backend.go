package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBackendUnavailable wraps any failure to reach a networked backend.
	ErrBackendUnavailable = errors.New("store: backend unavailable")
	// ErrEncode is returned when a record cannot be encoded or decoded.
	ErrEncode = errors.New("store: encode")
)

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// Counter is the state of an expiring integer counter.
type Counter struct {
	Count int64
	TTL   time.Duration
}

// Backend is the capability set both the networked cache and the in-process
// map provide. Absence is reported through the bool return, never an error.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value for ttl. A non-positive ttl deletes the key.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Take atomically reads and removes key.
	Take(ctx context.Context, key string) ([]byte, bool, error)
	// Increment adds one to the counter at key. A missing or expired counter
	// starts at 1 and expires after window.
	Increment(ctx context.Context, key string, window time.Duration) (Counter, error)
	Counter(ctx context.Context, key string) (Counter, bool, error)
	// AddMember adds member to the set at key, refreshing its ttl.
	AddMember(ctx context.Context, key, member string, ttl time.Duration) error
	CountMembers(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error
}
