package scribegate

import "time"

// Metrics defines the interface for tracking gateway operations.
type Metrics interface {
	// RecordAdmission records a free-tier admission decision.
	// outcome: "allowed", "denied" or "pro"
	RecordAdmission(outcome string)

	// RecordUsage records a reservation outcome ("committed" or "released").
	RecordUsage(outcome string)

	// RecordTokenRefresh records an identity provider token refresh.
	RecordTokenRefresh(duration time.Duration, err error)

	// RecordEntitlementCheck records a HasRole lookup ("pro", "free" or "error").
	RecordEntitlementCheck(result string)

	// RecordCacheHit records a cache hit for a specific cache type (e.g., "role", "token").
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a specific cache type.
	RecordCacheMiss(cacheType string)

	// RecordTranscription records a transcription call by source ("file" or "url").
	RecordTranscription(source string, duration time.Duration, err error)

	// RecordSessionStoreFallback records a session store call served by the fallback store.
	RecordSessionStoreFallback(operation string)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordAdmission(outcome string)                                {}
func (n *NoopMetrics) RecordUsage(outcome string)                                    {}
func (n *NoopMetrics) RecordTokenRefresh(duration time.Duration, err error)          {}
func (n *NoopMetrics) RecordEntitlementCheck(result string)                          {}
func (n *NoopMetrics) RecordCacheHit(cacheType string)                               {}
func (n *NoopMetrics) RecordCacheMiss(cacheType string)                              {}
func (n *NoopMetrics) RecordTranscription(source string, d time.Duration, err error) {}
func (n *NoopMetrics) RecordSessionStoreFallback(operation string)                   {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                  {}
