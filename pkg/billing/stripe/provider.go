package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/scribegate/pkg/billing"
	"github.com/mihaimyh/scribegate/pkg/billing/internal"
	"github.com/mihaimyh/scribegate/pkg/scribegate"
)

const (
	providerName             = "stripe"
	defaultTolerance         = 300 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBodySize       = 256 * 1024
)

const (
	eventInvoicePaymentSucceeded   = "invoice.payment_succeeded"
	eventCustomerSubscriptionEnded = "customer.subscription.deleted"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// Tolerance bounds the age of a signed delivery (default: 300s)
	Tolerance time.Duration

	// RateLimitRequests caps webhook requests per client IP per minute (default: 100)
	RateLimitRequests int

	// TrustedProxies are the load balancers allowed to name the client in
	// X-Forwarded-For. Empty keys the throttle on the connecting address.
	TrustedProxies []netip.Prefix

	// Now is used for event timestamps when the event carries none. Defaults to time.Now.
	Now func() time.Time
}

// Processor keeps the pro role in sync with Stripe subscription events.
type Processor struct {
	store       scribegate.EntitlementStore
	secret      string
	tolerance   time.Duration
	onChange    billing.EntitlementCallback
	rateLimiter *internal.RateLimiter
	metrics     billing.Metrics
	logger      scribegate.Logger
	now         func() time.Time
}

var _ billing.Provider = (*Processor)(nil)

// NewProcessor creates a Stripe webhook processor. Without a webhook secret the
// processor runs in trusted mode and accepts unsigned deliveries.
func NewProcessor(config Config) (*Processor, error) {
	if config.Entitlements == nil {
		return nil, fmt.Errorf("%w: entitlement store is required", billing.ErrProviderNotConfigured)
	}
	if config.Tolerance <= 0 {
		config.Tolerance = defaultTolerance
	}
	if config.RateLimitRequests <= 0 {
		config.RateLimitRequests = defaultRateLimitRequests
	}
	if config.Metrics == nil {
		config.Metrics = &billing.NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &scribegate.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	if config.WebhookSecret == "" {
		config.Logger.Warn("stripe webhook secret not configured, accepting unsigned webhooks")
	}

	return &Processor{
		store:       config.Entitlements,
		secret:      config.WebhookSecret,
		tolerance:   config.Tolerance,
		onChange:    config.OnEntitlementChange,
		rateLimiter: internal.NewRateLimiter(config.RateLimitRequests, defaultRateLimitWindow, config.TrustedProxies...),
		metrics:     config.Metrics,
		logger:      config.Logger,
		now:         config.Now,
	}, nil
}

// Name returns the provider name
func (p *Processor) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Processor) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// Process parses, verifies and applies one delivery. Unknown event types are
// acknowledged without touching the entitlement store.
func (p *Processor) Process(ctx context.Context, payload []byte, signatureHeader string) (*scribegate.SubscriptionEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", scribegate.ErrWebhookParse, err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", scribegate.ErrWebhookParse)
	}

	if p.secret != "" {
		if err := webhook.ValidatePayloadWithTolerance(payload, signatureHeader, p.secret, p.tolerance); err != nil {
			return nil, fmt.Errorf("%w: %v", scribegate.ErrWebhookVerification, err)
		}
	}

	ev := &scribegate.SubscriptionEvent{
		ID:              event.ID,
		Type:            string(event.Type),
		Kind:            eventKind(string(event.Type)),
		RawPayload:      payload,
		SignatureHeader: signatureHeader,
		Created:         p.eventTime(event.Created),
	}

	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	var action billing.Action
	switch ev.Kind {
	case scribegate.EventPaymentSucceeded:
		action = billing.ActionGrant
		ev.UserID = userIDFromInvoice(raw)
	case scribegate.EventSubscriptionDeleted:
		action = billing.ActionRevoke
		ev.UserID = userIDFromSubscription(raw)
	default:
		p.logger.Info("ignoring stripe event",
			scribegate.Field{"eventId", ev.ID},
			scribegate.Field{"eventType", ev.Type},
		)
		return ev, nil
	}

	if ev.UserID == "" {
		return ev, fmt.Errorf("%w: %w", scribegate.ErrValidation, billing.ErrMissingUserID)
	}

	if err := p.apply(ctx, action, ev.UserID); err != nil {
		return ev, err
	}

	p.logger.Info("entitlement updated from stripe event",
		scribegate.Field{"eventId", ev.ID},
		scribegate.Field{"eventType", ev.Type},
		scribegate.Field{"action", string(action)},
		scribegate.Field{"userId", ev.UserID},
	)
	p.notify(ctx, action, ev)
	return ev, nil
}

// apply performs the grant or revoke. Both are idempotent in the store, so
// duplicate and out-of-order deliveries converge.
func (p *Processor) apply(ctx context.Context, action billing.Action, userID string) error {
	var err error
	if action == billing.ActionGrant {
		err = p.store.Grant(ctx, userID)
	} else {
		err = p.store.Revoke(ctx, userID)
	}
	if err != nil {
		p.metrics.RecordEntitlementChange(providerName, string(action), "error")
		if errors.Is(err, scribegate.ErrEntitlementMutation) {
			return err
		}
		return fmt.Errorf("%w: %w", scribegate.ErrEntitlementMutation, err)
	}
	p.metrics.RecordEntitlementChange(providerName, string(action), "success")
	return nil
}

func (p *Processor) notify(ctx context.Context, action billing.Action, ev *scribegate.SubscriptionEvent) {
	if p.onChange == nil {
		return
	}
	change := billing.EntitlementChange{
		UserID:         ev.UserID,
		Action:         action,
		Provider:       providerName,
		EventID:        ev.ID,
		EventType:      ev.Type,
		EventTimestamp: ev.Created,
	}
	if err := p.onChange(ctx, change); err != nil {
		p.logger.Error("entitlement change callback failed",
			scribegate.Field{"eventId", ev.ID},
			scribegate.Field{"error", err},
		)
	}
}

func (p *Processor) eventTime(created int64) time.Time {
	if created == 0 {
		return p.now().UTC()
	}
	return time.Unix(created, 0).UTC()
}

func eventKind(eventType string) scribegate.EventKind {
	switch eventType {
	case eventInvoicePaymentSucceeded:
		return scribegate.EventPaymentSucceeded
	case eventCustomerSubscriptionEnded:
		return scribegate.EventSubscriptionDeleted
	default:
		return scribegate.EventOther
	}
}
