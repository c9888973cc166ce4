package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_GetSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := New[record](NewMemoryBackend(8, WithClock(clock.Now)), "rec:", clock.Now)

	want := record{Value: "a", ExpiresAt: clock.Now().Add(time.Minute)}
	require.NoError(t, s.Set(ctx, "k", want))

	got, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.Value, got.Value)
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))

	_, ok, err = s.Get(ctx, "other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ExpiryEnforcedAtRead(t *testing.T) {
	ctx := context.Background()
	mr, r := newTestRedis(t)
	clock := newFakeClock()
	s := New[record](r, "rec:", clock.Now)

	require.NoError(t, s.Set(ctx, "k", record{Value: "a", ExpiresAt: clock.Now().Add(time.Minute)}))
	assert.True(t, mr.Exists("rec:k"))

	// physical TTL has not fired yet, but the deadline has passed
	clock.Advance(time.Minute)
	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_SetPastDeadlineDeletes(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := New[record](NewMemoryBackend(8, WithClock(clock.Now)), "rec:", clock.Now)

	require.NoError(t, s.Set(ctx, "k", record{Value: "a", ExpiresAt: clock.Now().Add(time.Minute)}))
	require.NoError(t, s.Update(ctx, "k", record{Value: "b", ExpiresAt: clock.Now().Add(-time.Second)}))

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_DeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New[record](NewMemoryBackend(8), "rec:", nil)

	require.NoError(t, s.Set(ctx, "k", record{Value: "a", ExpiresAt: time.Now().Add(time.Minute)}))
	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k"))
	_, ok, _ := s.Get(ctx, "k")
	assert.False(t, ok)
}

func TestStore_TakeSingleWinnerAcrossRedis(t *testing.T) {
	ctx := context.Background()
	_, r := newTestRedis(t)
	s := New[record](r, "rec:", nil)
	require.NoError(t, s.Set(ctx, "k", record{Value: "a", ExpiresAt: time.Now().Add(time.Minute)}))

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := s.Take(ctx, "k"); err == nil && ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestStore_CorruptValue(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend(8)
	s := New[record](mem, "rec:", nil)
	require.NoError(t, mem.Set(ctx, "rec:k", []byte("{not json"), time.Minute))

	_, ok, err := s.Get(ctx, "k")
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrEncode))
}

func TestStore_PrefixesIsolate(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend(8)
	a := New[record](mem, "a:", nil)
	b := New[record](mem, "b:", nil)

	require.NoError(t, a.Set(ctx, "k", record{Value: "a", ExpiresAt: time.Now().Add(time.Minute)}))
	_, ok, _ := b.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, "a:k", a.Key("k"))
}
