package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements scribegate.Metrics using Prometheus.
type Metrics struct {
	admissionsTotal            *prometheus.CounterVec
	usageTotal                 *prometheus.CounterVec
	tokenRefreshDuration       prometheus.Histogram
	tokenRefreshErrors         prometheus.Counter
	entitlementChecksTotal     *prometheus.CounterVec
	cacheHitsTotal             *prometheus.CounterVec
	cacheMissesTotal           *prometheus.CounterVec
	transcriptionDuration      *prometheus.HistogramVec
	transcriptionsTotal        *prometheus.CounterVec
	sessionStoreFallbacksTotal *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		admissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Total number of gated requests by admission outcome.",
		}, []string{"outcome"}),

		usageTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "free_tier_reservations_total",
			Help:      "Total number of settled free tier reservations.",
		}, []string{"outcome"}),

		tokenRefreshDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "token_refresh_duration_seconds",
			Help:      "Latency of identity provider token refreshes.",
			Buckets:   prometheus.DefBuckets,
		}),

		tokenRefreshErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_errors_total",
			Help:      "Total number of failed token refreshes.",
		}),

		entitlementChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_checks_total",
			Help:      "Total number of pro role lookups by result.",
		}, []string{"result"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		}, []string{"type"}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		}, []string{"type"}),

		transcriptionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcription_duration_seconds",
			Help:      "Latency of transcription calls.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}, []string{"source"}),

		transcriptionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcriptions_total",
			Help:      "Total number of transcription calls.",
		}, []string{"source", "success"}),

		sessionStoreFallbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_store_fallbacks_total",
			Help:      "Total number of session store calls served by the fallback store.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordAdmission(outcome string) {
	m.admissionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordUsage(outcome string) {
	m.usageTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordTokenRefresh(duration time.Duration, err error) {
	m.tokenRefreshDuration.Observe(duration.Seconds())
	if err != nil {
		m.tokenRefreshErrors.Inc()
	}
}

func (m *Metrics) RecordEntitlementCheck(result string) {
	m.entitlementChecksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMissesTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordTranscription(source string, duration time.Duration, err error) {
	m.transcriptionDuration.WithLabelValues(source).Observe(duration.Seconds())
	m.transcriptionsTotal.WithLabelValues(source, strconv.FormatBool(err == nil)).Inc()
}

func (m *Metrics) RecordSessionStoreFallback(operation string) {
	m.sessionStoreFallbacksTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
