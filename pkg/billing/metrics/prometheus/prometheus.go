// Package prommetrics exports subscription webhook and checkout metrics to
// Prometheus.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/scribegate/pkg/billing"
)

const subsystem = "subscription"

// eventOther replaces event types the gateway does not act on. Stripe sends
// dozens of them to a catch-all endpoint; one series each is not worth it.
const eventOther = "other"

var trackedEvents = map[string]bool{
	"invoice.payment_succeeded":     true,
	"customer.subscription.deleted": true,
	"UNKNOWN":                       true,
}

// Webhook handling includes one Auth0 role call, so the interesting range is
// tens of milliseconds to the store timeout.
var deliveryBuckets = []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics records Stripe deliveries, pro role changes and checkout calls.
type Metrics struct {
	deliveries      *prometheus.CounterVec
	deliverySeconds *prometheus.HistogramVec
	rejections      *prometheus.CounterVec
	roleChanges     *prometheus.CounterVec
	checkoutCalls   *prometheus.CounterVec
	checkoutSeconds *prometheus.HistogramVec
}

var _ billing.Metrics = (*Metrics)(nil)

// NewMetrics registers the subscription collectors on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by event type and outcome (success, ignored, error). Event types that neither grant nor revoke pro are counted as \"other\".",
		}, []string{"provider", "event_type", "outcome"}),

		deliverySeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_delivery_duration_seconds",
			Help:      "Time from reading a verified delivery to answering it, including the pro role update.",
			Buckets:   deliveryBuckets,
		}, []string{"provider", "event_type"}),

		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_rejections_total",
			Help:      "Deliveries answered with a non-2xx status, by reason: bad_signature, invalid_payload, payload_too_large, invalid_user_id or entitlement_store.",
		}, []string{"provider", "reason"}),

		roleChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pro_role_changes_total",
			Help:      "Pro role grants and revocations requested by paid or cancelled subscriptions.",
		}, []string{"provider", "action", "result"}),

		checkoutCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "checkout_api_calls_total",
			Help:      "Billing provider API calls made to open a checkout session for a user.",
		}, []string{"provider", "operation", "result"}),

		checkoutSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "checkout_api_call_duration_seconds",
			Help:      "Latency of billing provider API calls made to open a checkout session.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		}, []string{"provider", "operation"}),
	}
}

func eventLabel(eventType string) string {
	if trackedEvents[eventType] {
		return eventType
	}
	return eventOther
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.deliveries.WithLabelValues(provider, eventLabel(eventType), status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.deliverySeconds.WithLabelValues(provider, eventLabel(eventType)).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.rejections.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordEntitlementChange(provider, action, status string) {
	m.roleChanges.WithLabelValues(provider, action, status).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.checkoutCalls.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.checkoutSeconds.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}
