package scribegate_test

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/scribegate/pkg/scribegate"
	"github.com/mihaimyh/scribegate/storage/memory"
)

func newLimiter(t *testing.T, clock *fakeClock, limit int) *scribegate.RateLimiter {
	t.Helper()
	cfg := scribegate.RateLimiterConfig{Limit: limit, Window: 24 * time.Hour}
	if clock != nil {
		cfg.Now = clock.Now
	}
	rl, err := scribegate.NewRateLimiter(memory.New(), cfg)
	require.NoError(t, err)
	return rl
}

func TestNewRateLimiter_Validation(t *testing.T) {
	_, err := scribegate.NewRateLimiter(nil, scribegate.RateLimiterConfig{})
	assert.ErrorIs(t, err, scribegate.ErrConfig)

	_, err = scribegate.NewRateLimiter(memory.New(), scribegate.RateLimiterConfig{Limit: -1})
	assert.ErrorIs(t, err, scribegate.ErrConfig)

	rl, err := scribegate.NewRateLimiter(memory.New(), scribegate.RateLimiterConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, rl.Limit())
	assert.Equal(t, 24*time.Hour, rl.Window())
}

func TestRateLimiter_ResolveIdentity(t *testing.T) {
	rl := newLimiter(t, nil, 1)

	minted, err := rl.ResolveIdentity("")
	require.NoError(t, err)
	assert.Len(t, minted, 43)
	raw, err := base64.RawURLEncoding.DecodeString(minted)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	kept, err := rl.ResolveIdentity(minted)
	require.NoError(t, err)
	assert.Equal(t, minted, kept)

	other, err := rl.ResolveIdentity("")
	require.NoError(t, err)
	assert.NotEqual(t, minted, other)

	for _, bad := range []string{"has space", "semi;colon", "slash/", strings.Repeat("a", 129)} {
		got, err := rl.ResolveIdentity(bad)
		require.NoError(t, err)
		assert.NotEqual(t, bad, got)
		assert.True(t, scribegate.ValidIdentity(got))
	}
}

// Limit 1, window 24h: first request allowed, second denied with the same reset,
// first request after the reset allowed with a fresh window.
func TestRateLimiter_WindowScenario(t *testing.T) {
	clock := newFakeClock()
	rl := newLimiter(t, clock, 1)
	ctx := context.Background()
	t0 := clock.Now()

	d, err := rl.CheckAndReserve(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, scribegate.Decision{Allowed: true, Remaining: 1, ResetAt: t0.Add(24 * time.Hour), Limit: 1}, d)
	require.NoError(t, rl.Commit(ctx, "S", d))

	clock.Advance(time.Hour)
	d, err = rl.CheckAndReserve(ctx, "S")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, t0.Add(24*time.Hour), d.ResetAt)

	clock.Advance(23*time.Hour + time.Second)
	d, err = rl.CheckAndReserve(ctx, "S")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
	assert.Equal(t, t0.Add(48*time.Hour+time.Second), d.ResetAt)
}

func TestRateLimiter_ConcurrentReservations(t *testing.T) {
	rl := newLimiter(t, nil, 1)

	var allowed int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := rl.CheckAndReserve(context.Background(), "fresh")
			if err == nil && d.Allowed {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), allowed)
}

func TestRateLimiter_Release(t *testing.T) {
	rl := newLimiter(t, nil, 1)
	ctx := context.Background()

	d, err := rl.CheckAndReserve(ctx, "S")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.NoError(t, rl.Release(ctx, "S", d))

	d, err = rl.CheckAndReserve(ctx, "S")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	sess, err := rl.Session(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, 0, sess.Count)
}

func TestRateLimiter_SettleDeniedDecisionIsNoop(t *testing.T) {
	rl := newLimiter(t, nil, 1)
	ctx := context.Background()

	d, err := rl.CheckAndReserve(ctx, "S")
	require.NoError(t, err)
	require.NoError(t, rl.Commit(ctx, "S", d))

	denied, err := rl.CheckAndReserve(ctx, "S")
	require.NoError(t, err)
	require.False(t, denied.Allowed)
	require.NoError(t, rl.Commit(ctx, "S", denied))

	sess, err := rl.Session(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Count)
}

func TestRateLimiter_EmptyIdentity(t *testing.T) {
	rl := newLimiter(t, nil, 1)
	_, err := rl.CheckAndReserve(context.Background(), "")
	assert.ErrorIs(t, err, scribegate.ErrInvalidIdentity)
}

type failingStore struct {
	scribegate.SessionStore
}

func (failingStore) Reserve(context.Context, *scribegate.ReserveRequest) (scribegate.Decision, error) {
	return scribegate.Decision{}, assert.AnError
}

func TestRateLimiter_StoreFailure(t *testing.T) {
	rl, err := scribegate.NewRateLimiter(failingStore{}, scribegate.RateLimiterConfig{})
	require.NoError(t, err)

	_, err = rl.CheckAndReserve(context.Background(), "S")
	assert.ErrorIs(t, err, scribegate.ErrSessionStore)
}

func TestRateLimiter_UsesStoreTime(t *testing.T) {
	clock := newFakeClock()
	store := memory.New(memory.WithClock(clock.Now))
	rl, err := scribegate.NewRateLimiter(store, scribegate.RateLimiterConfig{})
	require.NoError(t, err)

	d, err := rl.CheckAndReserve(context.Background(), "S")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(24*time.Hour), d.ResetAt)
}
