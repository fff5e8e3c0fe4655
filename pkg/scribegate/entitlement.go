package scribegate

import (
	"context"
	"time"
)

// DefaultRoleCacheTTL is how long a HasRole answer is reused
const DefaultRoleCacheTTL = 30 * time.Second

// CachedEntitlementConfig configures a CachedEntitlementStore.
type CachedEntitlementConfig struct {
	Cache   RoleCache
	TTL     time.Duration
	Metrics Metrics
	Logger  Logger
}

// CachedEntitlementStore puts a role cache in front of an EntitlementStore.
// Grant and Revoke go straight to the wrapped store and drop the cached answer,
// so a webhook-driven change is visible to the next HasRole on this instance.
type CachedEntitlementStore struct {
	next    EntitlementStore
	cache   RoleCache
	ttl     time.Duration
	metrics Metrics
	logger  Logger
}

// NewCachedEntitlementStore wraps next with a role cache.
func NewCachedEntitlementStore(next EntitlementStore, config CachedEntitlementConfig) *CachedEntitlementStore {
	if config.Cache == nil {
		config.Cache = NewLRURoleCache(0)
	}
	if config.TTL <= 0 {
		config.TTL = DefaultRoleCacheTTL
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	return &CachedEntitlementStore{
		next:    next,
		cache:   config.Cache,
		ttl:     config.TTL,
		metrics: config.Metrics,
		logger:  config.Logger,
	}
}

func (s *CachedEntitlementStore) Grant(ctx context.Context, userID string) error {
	defer s.cache.Invalidate(userID)
	return s.next.Grant(ctx, userID)
}

func (s *CachedEntitlementStore) Revoke(ctx context.Context, userID string) error {
	defer s.cache.Invalidate(userID)
	return s.next.Revoke(ctx, userID)
}

func (s *CachedEntitlementStore) HasRole(ctx context.Context, userID string) (bool, error) {
	if pro, ok := s.cache.Get(userID); ok {
		s.metrics.RecordCacheHit("role")
		return pro, nil
	}
	s.metrics.RecordCacheMiss("role")

	pro, err := s.next.HasRole(ctx, userID)
	if err != nil {
		return false, err
	}
	s.cache.Set(userID, pro, s.ttl)
	return pro, nil
}
