package store

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"ephemeral-auth/internal/bucketing"
)

const memoryBackendName = "memory"

type memValue struct {
	value     []byte
	expiresAt time.Time
}

type memCounter struct {
	count     int64
	expiresAt time.Time
}

type memSet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// MemoryBackend keeps entries in process. Expiry is logical against the
// injected clock; go-cache's own janitor is disabled and Sweep reclaims
// expired entries instead.
type MemoryBackend struct {
	items   *cache.Cache
	stripes *bucketing.Stripes
	now     Clock
}

type MemoryOption func(*MemoryBackend)

func WithClock(clock Clock) MemoryOption {
	return func(m *MemoryBackend) {
		if clock != nil {
			m.now = clock
		}
	}
}

func NewMemoryBackend(lockStripes int, opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		items:   cache.New(cache.NoExpiration, 0),
		stripes: bucketing.NewStripes(lockStripes),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryBackend) Name() string { return memoryBackendName }

func (m *MemoryBackend) Ping(context.Context) error { return nil }

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	unlock := m.stripes.Lock(key)
	defer unlock()

	v, ok := m.value(key)
	if !ok {
		return nil, false, nil
	}
	return v.value, true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	unlock := m.stripes.Lock(key)
	defer unlock()

	if ttl <= 0 {
		m.items.Delete(key)
		return nil
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	m.items.Set(key, memValue{value: buf, expiresAt: m.now().Add(ttl)}, cache.NoExpiration)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	unlock := m.stripes.Lock(key)
	defer unlock()

	m.items.Delete(key)
	return nil
}

func (m *MemoryBackend) Take(_ context.Context, key string) ([]byte, bool, error) {
	unlock := m.stripes.Lock(key)
	defer unlock()

	v, ok := m.value(key)
	m.items.Delete(key)
	if !ok {
		return nil, false, nil
	}
	return v.value, true, nil
}

func (m *MemoryBackend) Increment(_ context.Context, key string, window time.Duration) (Counter, error) {
	unlock := m.stripes.Lock(key)
	defer unlock()

	now := m.now()
	c, ok := m.counter(key)
	if !ok {
		c = memCounter{expiresAt: now.Add(window)}
	}
	c.count++
	m.items.Set(key, c, cache.NoExpiration)
	return Counter{Count: c.count, TTL: c.expiresAt.Sub(now)}, nil
}

func (m *MemoryBackend) Counter(_ context.Context, key string) (Counter, bool, error) {
	unlock := m.stripes.Lock(key)
	defer unlock()

	c, ok := m.counter(key)
	if !ok {
		return Counter{}, false, nil
	}
	return Counter{Count: c.count, TTL: c.expiresAt.Sub(m.now())}, true, nil
}

func (m *MemoryBackend) AddMember(_ context.Context, key, member string, ttl time.Duration) error {
	unlock := m.stripes.Lock(key)
	defer unlock()

	s, ok := m.set(key)
	if !ok {
		s = memSet{members: make(map[string]struct{})}
	}
	s.members[member] = struct{}{}
	s.expiresAt = m.now().Add(ttl)
	m.items.Set(key, s, cache.NoExpiration)
	return nil
}

func (m *MemoryBackend) CountMembers(_ context.Context, key string) (int64, error) {
	unlock := m.stripes.Lock(key)
	defer unlock()

	s, ok := m.set(key)
	if !ok {
		return 0, nil
	}
	return int64(len(s.members)), nil
}

// Len reports the number of entries held, expired or not.
func (m *MemoryBackend) Len() int {
	return m.items.ItemCount()
}

// Sweep removes expired entries and returns how many were dropped.
func (m *MemoryBackend) Sweep() int {
	removed := 0
	for key := range m.items.Items() {
		unlock := m.stripes.Lock(key)
		if obj, ok := m.items.Get(key); ok && m.expired(obj) {
			m.items.Delete(key)
			removed++
		}
		unlock()
	}
	return removed
}

// RunSweeper sweeps every interval until ctx is done.
func (m *MemoryBackend) RunSweeper(ctx context.Context, interval time.Duration, onSweep func(removed int)) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed := m.Sweep()
			if onSweep != nil {
				onSweep(removed)
			}
		}
	}
}

// Callers hold the stripe lock for key in the helpers below.

func (m *MemoryBackend) value(key string) (memValue, bool) {
	obj, ok := m.items.Get(key)
	if !ok {
		return memValue{}, false
	}
	v, ok := obj.(memValue)
	if !ok || !m.now().Before(v.expiresAt) {
		return memValue{}, false
	}
	return v, true
}

func (m *MemoryBackend) counter(key string) (memCounter, bool) {
	obj, ok := m.items.Get(key)
	if !ok {
		return memCounter{}, false
	}
	c, ok := obj.(memCounter)
	if !ok || !m.now().Before(c.expiresAt) {
		return memCounter{}, false
	}
	return c, true
}

func (m *MemoryBackend) set(key string) (memSet, bool) {
	obj, ok := m.items.Get(key)
	if !ok {
		return memSet{}, false
	}
	s, ok := obj.(memSet)
	if !ok || !m.now().Before(s.expiresAt) {
		return memSet{}, false
	}
	return s, true
}

func (m *MemoryBackend) expired(obj interface{}) bool {
	now := m.now()
	switch v := obj.(type) {
	case memValue:
		return !now.Before(v.expiresAt)
	case memCounter:
		return !now.Before(v.expiresAt)
	case memSet:
		return !now.Before(v.expiresAt)
	default:
		return true
	}
}
