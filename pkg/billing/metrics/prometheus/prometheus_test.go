package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "scribegate")

	m.RecordWebhookEvent("stripe", "invoice.payment_succeeded", "success")
	m.RecordWebhookEvent("stripe", "invoice.payment_succeeded", "success")
	m.RecordWebhookError("stripe", "bad_signature")
	m.RecordEntitlementChange("stripe", "grant", "success")
	m.RecordAPICall("stripe", "checkout.sessions.create", "error")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.deliveries.WithLabelValues("stripe", "invoice.payment_succeeded", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("stripe", "bad_signature")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.roleChanges.WithLabelValues("stripe", "grant", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checkoutCalls.WithLabelValues("stripe", "checkout.sessions.create", "error")))
}

func TestMetrics_UntrackedEventTypesShareOneSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "scribegate")

	for _, typ := range []string{"customer.created", "charge.refunded", "payment_intent.created"} {
		m.RecordWebhookEvent("stripe", typ, "ignored")
		m.RecordWebhookProcessingDuration("stripe", typ, time.Millisecond)
	}
	m.RecordWebhookEvent("stripe", "customer.subscription.deleted", "success")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.deliveries.WithLabelValues("stripe", "other", "ignored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("stripe", "customer.subscription.deleted", "success")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.deliveries))
	assert.Equal(t, 1, testutil.CollectAndCount(m.deliverySeconds))
}

func TestMetrics_Histograms(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "scribegate")

	m.RecordWebhookProcessingDuration("stripe", "customer.subscription.deleted", 20*time.Millisecond)
	m.RecordAPICallDuration("stripe", "checkout.sessions.create", time.Second)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]uint64)
	for _, f := range families {
		if h := f.GetMetric()[0].GetHistogram(); h != nil {
			names[f.GetName()] = h.GetSampleCount()
		}
	}
	assert.Equal(t, uint64(1), names["scribegate_subscription_webhook_delivery_duration_seconds"])
	assert.Equal(t, uint64(1), names["scribegate_subscription_checkout_api_call_duration_seconds"])
}
