package scribegate

import (
	"context"
	"errors"
	"sync"
	"time"
)

// FallbackSessionStore serves free-tier decisions from a secondary store while the
// primary (usually shared) store is failing. Reservations remember which store issued
// them so that Commit and Release reach the same store.
type FallbackSessionStore struct {
	primary   SessionStore
	secondary SessionStore
	breaker   CircuitBreaker
	metrics   Metrics
	logger    Logger

	mu       sync.Mutex
	fallback map[string]int // outstanding reservations issued by the secondary store
}

// FallbackConfig configures a FallbackSessionStore.
type FallbackConfig struct {
	// Breaker guards the primary store. Optional.
	Breaker CircuitBreaker
	Metrics Metrics
	Logger  Logger
}

// NewFallbackSessionStore creates a session store that degrades from primary to secondary.
func NewFallbackSessionStore(primary, secondary SessionStore, config FallbackConfig) *FallbackSessionStore {
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	return &FallbackSessionStore{
		primary:   primary,
		secondary: secondary,
		breaker:   config.Breaker,
		metrics:   config.Metrics,
		logger:    config.Logger,
		fallback:  make(map[string]int),
	}
}

func (s *FallbackSessionStore) Reserve(ctx context.Context, req *ReserveRequest) (Decision, error) {
	var d Decision
	err := s.callPrimary(ctx, func() error {
		var e error
		d, e = s.primary.Reserve(ctx, req)
		return e
	})
	if err == nil || !shouldFallback(ctx, err) {
		return d, err
	}

	s.logger.Warn("primary session store failed, using fallback",
		Field{"operation", "reserve"},
		Field{"error", err},
	)
	s.metrics.RecordSessionStoreFallback("reserve")

	d, err = s.secondary.Reserve(ctx, req)
	if err != nil {
		return Decision{}, err
	}
	if d.Allowed {
		s.mu.Lock()
		s.fallback[reservationKey(req.IdentityID, d.ResetAt)]++
		s.mu.Unlock()
	}
	return d, nil
}

func (s *FallbackSessionStore) Commit(ctx context.Context, identityID string, windowResetAt time.Time) error {
	if s.takeFallback(identityID, windowResetAt) {
		return s.secondary.Commit(ctx, identityID, windowResetAt)
	}
	return s.callPrimary(ctx, func() error {
		return s.primary.Commit(ctx, identityID, windowResetAt)
	})
}

func (s *FallbackSessionStore) Release(ctx context.Context, identityID string, windowResetAt time.Time) error {
	if s.takeFallback(identityID, windowResetAt) {
		return s.secondary.Release(ctx, identityID, windowResetAt)
	}
	return s.callPrimary(ctx, func() error {
		return s.primary.Release(ctx, identityID, windowResetAt)
	})
}

func (s *FallbackSessionStore) GetSession(ctx context.Context, identityID string) (*Session, error) {
	var sess *Session
	err := s.callPrimary(ctx, func() error {
		var e error
		sess, e = s.primary.GetSession(ctx, identityID)
		return e
	})
	if err == nil || errors.Is(err, ErrSessionNotFound) || !shouldFallback(ctx, err) {
		return sess, err
	}
	s.metrics.RecordSessionStoreFallback("get")
	return s.secondary.GetSession(ctx, identityID)
}

func (s *FallbackSessionStore) callPrimary(ctx context.Context, fn func() error) error {
	if s.breaker == nil {
		return fn()
	}
	return s.breaker.Execute(ctx, fn)
}

func (s *FallbackSessionStore) takeFallback(identityID string, windowResetAt time.Time) bool {
	key := reservationKey(identityID, windowResetAt)
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.fallback[key]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(s.fallback, key)
	} else {
		s.fallback[key] = n - 1
	}
	return true
}

// shouldFallback is false once the caller's context is done.
func shouldFallback(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() == nil
}

func reservationKey(identityID string, resetAt time.Time) string {
	return identityID + "|" + resetAt.UTC().Format(time.RFC3339Nano)
}
