package scribegate

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

const (
	// identityBytes is the entropy of a minted anonymous identity
	identityBytes = 32

	// maxIdentityLength bounds identities accepted from clients
	maxIdentityLength = 128
)

// RateLimiterConfig holds the free-tier policy.
type RateLimiterConfig struct {
	// Limit is the number of admissions per window (default: 1)
	Limit int

	// Window is the window length, anchored at first use (default: 24h)
	Window time.Duration

	// Now overrides the clock. When nil the limiter asks the store for its time if
	// the store implements TimeSource, and falls back to the local clock.
	Now func() time.Time

	Logger  Logger
	Metrics Metrics
}

// Validate checks the free-tier policy.
func (c *RateLimiterConfig) Validate() error {
	if c.Limit < 0 {
		return fmt.Errorf("%w: free tier limit must not be negative", ErrConfig)
	}
	if c.Window < 0 {
		return fmt.Errorf("%w: free tier window must not be negative", ErrConfig)
	}
	return nil
}

// RateLimiter enforces the free-tier limit for anonymous identities.
type RateLimiter struct {
	store  SessionStore
	config RateLimiterConfig
}

// NewRateLimiter creates a rate limiter on top of a session store.
func NewRateLimiter(store SessionStore, config RateLimiterConfig) (*RateLimiter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: session store is required", ErrConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Limit == 0 {
		config.Limit = DefaultFreeTierLimit
	}
	if config.Window == 0 {
		config.Window = DefaultFreeTierWindow
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	return &RateLimiter{store: store, config: config}, nil
}

// Limit returns the configured number of admissions per window.
func (r *RateLimiter) Limit() int {
	return r.config.Limit
}

// Window returns the configured window length.
func (r *RateLimiter) Window() time.Duration {
	return r.config.Window
}

// ResolveIdentity returns existing when it is a well-formed identity, otherwise it mints
// a new one: 32 random bytes, base64url without padding.
func (r *RateLimiter) ResolveIdentity(existing string) (string, error) {
	if ValidIdentity(existing) {
		return existing, nil
	}
	return NewIdentity()
}

// NewIdentity mints an unguessable anonymous identity.
func NewIdentity() (string, error) {
	b := make([]byte, identityBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate identity: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidIdentity reports whether id could have been minted by NewIdentity.
func ValidIdentity(id string) bool {
	if id == "" || len(id) > maxIdentityLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// CheckAndReserve decides whether identityID may run one more request in its window
// and, when it may, reserves that slot. Remaining is reported as it was before the
// reservation. The evaluation and the mutation are atomic per identity, so concurrent
// requests for the same identity never admit more than the limit.
//
// Every allowed decision must be followed by exactly one Commit or Release.
func (r *RateLimiter) CheckAndReserve(ctx context.Context, identityID string) (Decision, error) {
	if identityID == "" {
		return Decision{}, ErrInvalidIdentity
	}

	decision, err := r.store.Reserve(ctx, &ReserveRequest{
		IdentityID: identityID,
		Limit:      r.config.Limit,
		Window:     r.config.Window,
		Now:        r.now(ctx),
	})
	if err != nil {
		r.config.Logger.Error("free tier reservation failed",
			Field{"identity", redact(identityID)},
			Field{"error", err},
		)
		return Decision{}, fmt.Errorf("%w: %v", ErrSessionStore, err)
	}

	if decision.Allowed {
		r.config.Metrics.RecordAdmission("allowed")
	} else {
		r.config.Metrics.RecordAdmission("denied")
		r.config.Logger.Info("free tier limit reached",
			Field{"identity", redact(identityID)},
			Field{"resetAt", decision.ResetAt},
		)
	}
	return decision, nil
}

// Commit records the usage of an allowed decision.
func (r *RateLimiter) Commit(ctx context.Context, identityID string, decision Decision) error {
	if !decision.Allowed {
		return nil
	}
	if err := r.store.Commit(ctx, identityID, decision.ResetAt); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionStore, err)
	}
	r.config.Metrics.RecordUsage("committed")
	return nil
}

// Release gives back the slot of an allowed decision without counting it.
func (r *RateLimiter) Release(ctx context.Context, identityID string, decision Decision) error {
	if !decision.Allowed {
		return nil
	}
	if err := r.store.Release(ctx, identityID, decision.ResetAt); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionStore, err)
	}
	r.config.Metrics.RecordUsage("released")
	return nil
}

// Session returns the stored session of an identity.
func (r *RateLimiter) Session(ctx context.Context, identityID string) (*Session, error) {
	return r.store.GetSession(ctx, identityID)
}

func (r *RateLimiter) now(ctx context.Context) time.Time {
	if r.config.Now != nil {
		return r.config.Now()
	}
	if ts, ok := r.store.(TimeSource); ok {
		t, err := ts.Now(ctx)
		if err == nil {
			return t
		}
		r.config.Logger.Warn("session store time unavailable, using local clock", Field{"error", err})
	}
	return time.Now().UTC()
}

// redact keeps identities out of logs beyond a short prefix.
func redact(id string) string {
	if len(id) <= 6 {
		return "***"
	}
	return id[:6] + "***"
}
