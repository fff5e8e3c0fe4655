package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/scribegate/pkg/billing"
	"github.com/mihaimyh/scribegate/pkg/scribegate"
)

const checkoutEndpoint = "/checkout/sessions"

// CheckoutConfig configures subscription checkout.
type CheckoutConfig struct {
	APIKey  string
	PriceID string

	// SuccessURL and CancelURL are where Stripe sends the user back to
	SuccessURL string
	CancelURL  string

	Metrics billing.Metrics
	Logger  scribegate.Logger
}

// sessionCreator is the slice of the Stripe client used for checkout.
type sessionCreator interface {
	Create(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
}

// Checkout creates Stripe Checkout sessions for the pro subscription.
type Checkout struct {
	sessions   sessionCreator
	priceID    string
	successURL string
	cancelURL  string
	metrics    billing.Metrics
	logger     scribegate.Logger
}

var _ billing.Checkout = (*Checkout)(nil)

// NewCheckout creates a checkout client.
func NewCheckout(config CheckoutConfig) (*Checkout, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" || config.PriceID == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	return newCheckout(stripe.NewClient(apiKey).V1CheckoutSessions, config), nil
}

// FrontendReturnURLs returns the success and cancel URLs of the subscriptions page.
func FrontendReturnURLs(frontendOrigin string) (successURL, cancelURL string) {
	base := strings.TrimRight(frontendOrigin, "/") + "/subscriptions?success="
	return base + "true", base + "false"
}

func newCheckout(sessions sessionCreator, config CheckoutConfig) *Checkout {
	if config.Metrics == nil {
		config.Metrics = &billing.NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &scribegate.NoopLogger{}
	}
	return &Checkout{
		sessions:   sessions,
		priceID:    config.PriceID,
		successURL: config.SuccessURL,
		cancelURL:  config.CancelURL,
		metrics:    config.Metrics,
		logger:     config.Logger,
	}
}

// CheckoutURL creates a subscription-mode Checkout Session for userID and returns
// its URL. The user id is stored in the subscription metadata, which is where the
// webhook processor later finds it.
func (c *Checkout) CheckoutURL(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", scribegate.ErrValidation)
	}
	startTime := time.Now()

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(c.priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(c.successURL),
		CancelURL:         stripe.String(c.cancelURL),
		ClientReferenceID: stripe.String(userID),
	}
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataUserID, userID)

	session, err := c.sessions.Create(ctx, params)
	c.metrics.RecordAPICallDuration(providerName, checkoutEndpoint, time.Since(startTime))
	if err != nil {
		c.metrics.RecordAPICall(providerName, checkoutEndpoint, "error")
		c.logger.Error("failed to create checkout session",
			scribegate.Field{"userId", userID},
			scribegate.Field{"error", err},
		)
		return "", fmt.Errorf("%w: failed to create checkout session: %v", billing.ErrProviderAPIError, err)
	}
	c.metrics.RecordAPICall(providerName, checkoutEndpoint, "success")
	return session.URL, nil
}
