package store

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Stats describes which backend is serving and how often the fallback ran.
type Stats struct {
	Primary           string `json:"primary"`
	PrimaryConfigured bool   `json:"primary_configured"`
	Degraded          bool   `json:"degraded"`
	Fallbacks         int64  `json:"fallbacks"`
}

// DualBackend routes every call to the primary and serves it from the
// in-process fallback when the primary errors. Entries written to the fallback
// during an outage are not copied back once the primary recovers.
type DualBackend struct {
	primary   Backend
	fallback  *MemoryBackend
	logger    *zap.Logger
	degraded  atomic.Bool
	fallbacks atomic.Int64
}

// NewDualBackend builds the router. A nil primary runs memory-only.
func NewDualBackend(primary Backend, fallback *MemoryBackend, logger *zap.Logger) *DualBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DualBackend{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (d *DualBackend) Name() string {
	if d.primary == nil {
		return d.fallback.Name()
	}
	return d.primary.Name() + "+" + d.fallback.Name()
}

// Fallback exposes the in-process backend, e.g. for the sweeper.
func (d *DualBackend) Fallback() *MemoryBackend {
	return d.fallback
}

func (d *DualBackend) Stats() Stats {
	s := Stats{
		Primary:           d.fallback.Name(),
		PrimaryConfigured: d.primary != nil,
		Degraded:          d.degraded.Load(),
		Fallbacks:         d.fallbacks.Load(),
	}
	if d.primary != nil {
		s.Primary = d.primary.Name()
	}
	return s
}

// Ping checks the primary. Memory-only mode is always healthy.
func (d *DualBackend) Ping(ctx context.Context) error {
	if d.primary == nil {
		return nil
	}
	return d.primary.Ping(ctx)
}

func route[T any](d *DualBackend, op string, call func(Backend) (T, error)) (T, error) {
	if d.primary == nil {
		return call(d.fallback)
	}
	res, err := call(d.primary)
	if err == nil {
		if d.degraded.CompareAndSwap(true, false) {
			d.logger.Info("primary store recovered",
				zap.String("backend", d.primary.Name()),
				zap.Int64("fallbacks", d.fallbacks.Load()))
		}
		return res, nil
	}

	d.fallbacks.Add(1)
	if d.degraded.CompareAndSwap(false, true) {
		d.logger.Warn("primary store unavailable, serving from memory",
			zap.String("backend", d.primary.Name()),
			zap.String("op", op),
			zap.Error(err))
	} else {
		d.logger.Debug("store fallback",
			zap.String("op", op),
			zap.Error(err))
	}
	return call(d.fallback)
}

type none struct{}

func (d *DualBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	type result struct {
		val []byte
		ok  bool
	}
	call := func(b Backend) (result, error) {
		val, ok, err := b.Get(ctx, key)
		return result{val, ok}, err
	}
	res, err := route(d, "get", call)
	return res.val, res.ok, err
}

func (d *DualBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	call := func(b Backend) (none, error) {
		return none{}, b.Set(ctx, key, value, ttl)
	}
	_, err := route(d, "set", call)
	return err
}

func (d *DualBackend) Delete(ctx context.Context, key string) error {
	call := func(b Backend) (none, error) {
		return none{}, b.Delete(ctx, key)
	}
	_, err := route(d, "delete", call)
	return err
}

func (d *DualBackend) Take(ctx context.Context, key string) ([]byte, bool, error) {
	type result struct {
		val []byte
		ok  bool
	}
	call := func(b Backend) (result, error) {
		val, ok, err := b.Take(ctx, key)
		return result{val, ok}, err
	}
	res, err := route(d, "take", call)
	return res.val, res.ok, err
}

func (d *DualBackend) Increment(ctx context.Context, key string, window time.Duration) (Counter, error) {
	call := func(b Backend) (Counter, error) {
		return b.Increment(ctx, key, window)
	}
	return route(d, "increment", call)
}

func (d *DualBackend) Counter(ctx context.Context, key string) (Counter, bool, error) {
	type result struct {
		c  Counter
		ok bool
	}
	call := func(b Backend) (result, error) {
		c, ok, err := b.Counter(ctx, key)
		return result{c, ok}, err
	}
	res, err := route(d, "counter", call)
	return res.c, res.ok, err
}

func (d *DualBackend) AddMember(ctx context.Context, key, member string, ttl time.Duration) error {
	call := func(b Backend) (none, error) {
		return none{}, b.AddMember(ctx, key, member, ttl)
	}
	_, err := route(d, "add_member", call)
	return err
}

func (d *DualBackend) CountMembers(ctx context.Context, key string) (int64, error) {
	call := func(b Backend) (int64, error) {
		return b.CountMembers(ctx, key)
	}
	return route(d, "count_members", call)
}
