package scribegate_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/scribegate/pkg/scribegate"
	"github.com/mihaimyh/scribegate/storage/memory"
)

// flakyStore wraps a memory store and fails every call while down is set.
type flakyStore struct {
	*memory.Storage
	down  atomic.Bool
	calls atomic.Int32
}

var errDown = errors.New("connection refused")

func (f *flakyStore) Reserve(ctx context.Context, req *scribegate.ReserveRequest) (scribegate.Decision, error) {
	f.calls.Add(1)
	if f.down.Load() {
		return scribegate.Decision{}, errDown
	}
	return f.Storage.Reserve(ctx, req)
}

func (f *flakyStore) Commit(ctx context.Context, id string, resetAt time.Time) error {
	if f.down.Load() {
		return errDown
	}
	return f.Storage.Commit(ctx, id, resetAt)
}

func TestFallbackSessionStore(t *testing.T) {
	primary := &flakyStore{Storage: memory.New()}
	secondary := memory.New()
	store := scribegate.NewFallbackSessionStore(primary, secondary, scribegate.FallbackConfig{})
	ctx := context.Background()
	now := time.Now().UTC()
	req := &scribegate.ReserveRequest{IdentityID: "s", Limit: 1, Window: time.Hour, Now: now}

	primary.down.Store(true)
	d, err := store.Reserve(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// primary recovers before the request finishes; the commit still goes to the secondary
	primary.down.Store(false)
	require.NoError(t, store.Commit(ctx, "s", d.ResetAt))

	sess, err := secondary.GetSession(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Count)

	_, err = primary.GetSession(ctx, "s")
	assert.ErrorIs(t, err, scribegate.ErrSessionNotFound)

	d, err = store.Reserve(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "primary holds its own window")
}

func TestFallbackSessionStore_WithBreaker(t *testing.T) {
	primary := &flakyStore{Storage: memory.New()}
	primary.down.Store(true)
	breaker := scribegate.NewBreaker(scribegate.BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	store := scribegate.NewFallbackSessionStore(primary, memory.New(), scribegate.FallbackConfig{Breaker: breaker})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Reserve(ctx, &scribegate.ReserveRequest{
			IdentityID: "s", Limit: 10, Window: time.Hour, Now: time.Now().UTC(),
		})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), primary.calls.Load(), "open breaker skips the primary")
	assert.Equal(t, scribegate.BreakerOpen, breaker.State())
}

func TestFallbackSessionStore_CancelledContext(t *testing.T) {
	primary := &flakyStore{Storage: memory.New()}
	primary.down.Store(true)
	store := scribegate.NewFallbackSessionStore(primary, memory.New(), scribegate.FallbackConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.Reserve(ctx, &scribegate.ReserveRequest{IdentityID: "s", Limit: 1, Window: time.Hour})
	assert.Error(t, err)
}
