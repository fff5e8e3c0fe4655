package billing

import (
	"context"
	"time"
)

// Action is the entitlement mutation derived from a subscription event.
type Action string

const (
	ActionGrant  Action = "grant"
	ActionRevoke Action = "revoke"
)

// EntitlementChange contains information about a successfully applied webhook.
// It is passed to the EntitlementCallback after the entitlement store accepted
// the grant or revoke.
type EntitlementChange struct {
	// UserID is the identity provider user id
	UserID string

	Action Action

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventID and EventType identify the provider event
	EventID   string
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time
}

// EntitlementCallback observes applied entitlement changes.
type EntitlementCallback func(ctx context.Context, change EntitlementChange) error
