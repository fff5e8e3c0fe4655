package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/scribegate/pkg/scribegate"
)

// Provider is the interface a billing backend implements to keep the pro role in
// sync with its subscriptions.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// Process verifies and applies one webhook delivery. Duplicate and out-of-order
	// deliveries are safe because grant and revoke are idempotent.
	Process(ctx context.Context, payload []byte, signatureHeader string) (*scribegate.SubscriptionEvent, error)

	// WebhookHandler returns the HTTP handler that processes real-time events.
	WebhookHandler() http.Handler
}

// Checkout starts a subscription purchase for a user.
type Checkout interface {
	// CheckoutURL returns the hosted checkout page the user should be redirected to.
	CheckoutURL(ctx context.Context, userID string) (string, error)
}
