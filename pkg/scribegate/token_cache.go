package scribegate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// TokenFetcher obtains a fresh machine-to-machine bearer token.
// A zero expiresIn means the provider did not report a lifetime.
type TokenFetcher interface {
	FetchToken(ctx context.Context) (token string, expiresIn time.Duration, err error)
}

// TokenFetcherFunc adapts a function to TokenFetcher.
type TokenFetcherFunc func(ctx context.Context) (string, time.Duration, error)

func (f TokenFetcherFunc) FetchToken(ctx context.Context) (string, time.Duration, error) {
	return f(ctx)
}

// TokenCacheConfig holds configuration for a TokenCache
type TokenCacheConfig struct {
	// SafetyMargin is subtracted from the provider expiry (default: 180s)
	SafetyMargin time.Duration

	// DefaultExpiry is used when the provider omits expires_in (default: 24h)
	DefaultExpiry time.Duration

	// RefreshTimeout bounds a single refresh round trip (default: 10s)
	RefreshTimeout time.Duration

	// Now overrides the clock, mainly for tests
	Now func() time.Time

	Logger  Logger
	Metrics Metrics
}

// TokenCache hands out a cached bearer token and refreshes it at most once per expiry.
type TokenCache struct {
	fetcher TokenFetcher
	config  TokenCacheConfig

	mu      sync.RWMutex
	current *CachedToken

	group singleflight.Group
}

// NewTokenCache creates a new token cache in front of fetcher.
func NewTokenCache(fetcher TokenFetcher, config TokenCacheConfig) *TokenCache {
	if config.SafetyMargin <= 0 {
		config.SafetyMargin = DefaultTokenSafetyMargin
	}
	if config.DefaultExpiry <= 0 {
		config.DefaultExpiry = DefaultTokenExpiry
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = 10 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	return &TokenCache{fetcher: fetcher, config: config}
}

// Token returns a bearer token that is valid now.
//
// Concurrent callers that find the slot empty or expired share one refresh and all
// observe its outcome. A caller cancelling its own context stops waiting but does not
// abort the refresh for the others.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		c.config.Metrics.RecordCacheHit("token")
		return tok, nil
	}
	c.config.Metrics.RecordCacheMiss("token")

	ch := c.group.DoChan("token", func() (interface{}, error) {
		// A refresh that completed while this caller was queued already filled the slot.
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		return c.refresh()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrUpstreamAuth, ctx.Err())
	}
}

// Invalidate drops the cached token so that the next Token call refreshes it.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

// Peek returns a copy of the cached token, if any, without refreshing.
func (c *TokenCache) Peek() (CachedToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return CachedToken{}, false
	}
	return *c.current, true
}

func (c *TokenCache) cached() (string, bool) {
	now := c.config.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current.Valid(now) {
		return c.current.Value, true
	}
	return "", false
}

func (c *TokenCache) refresh() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.RefreshTimeout)
	defer cancel()

	start := time.Now()
	value, expiresIn, err := c.fetcher.FetchToken(ctx)
	c.config.Metrics.RecordTokenRefresh(time.Since(start), err)
	if err != nil {
		c.config.Logger.Error("token refresh failed", Field{"error", err})
		return "", fmt.Errorf("%w: %v", ErrUpstreamAuth, err)
	}
	if value == "" {
		c.config.Logger.Error("token refresh returned an empty token")
		return "", fmt.Errorf("%w: empty access token", ErrUpstreamAuth)
	}
	if expiresIn <= 0 {
		expiresIn = c.config.DefaultExpiry
	}

	tok := &CachedToken{
		Value:     value,
		ExpiresAt: c.config.Now().Add(expiresIn - c.config.SafetyMargin),
	}

	c.mu.Lock()
	c.current = tok
	c.mu.Unlock()

	c.config.Logger.Debug("token refreshed", Field{"expiresAt", tok.ExpiresAt})
	return value, nil
}
