package billing

import (
	"github.com/mihaimyh/scribegate/pkg/scribegate"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Entitlements receives the grant and revoke calls derived from webhooks
	Entitlements scribegate.EntitlementStore

	// WebhookSecret is used to verify incoming webhook signatures.
	// When empty, webhooks are processed unverified (trusted mode).
	WebhookSecret string

	// OnEntitlementChange is called after a grant or revoke was applied.
	// Errors are logged and never fail the webhook.
	OnEntitlementChange EntitlementCallback

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.NewMetrics for Prometheus metrics.
	Metrics Metrics

	// Logger is optional; defaults to scribegate.NoopLogger
	Logger scribegate.Logger
}
