// Package scribegate gates audio transcription requests by subscription entitlement.
//
// It holds the three access-control pieces of the gateway: a cached machine-to-machine
// token for the identity provider, a rolling free-tier counter for anonymous callers,
// and the Gate that composes them with the entitlement store and the transcription
// engine. Storage adapters live under storage/, framework middleware under middleware/.
package scribegate

import (
	"context"
	"time"
)

const (
	// DefaultFreeTierLimit is the number of free transcriptions per window
	DefaultFreeTierLimit = 1

	// DefaultFreeTierWindow is the length of a free-tier window, anchored at first use
	DefaultFreeTierWindow = 24 * time.Hour

	// DefaultTokenSafetyMargin is subtracted from the provider expiry of a token
	DefaultTokenSafetyMargin = 180 * time.Second

	// DefaultTokenExpiry is assumed when the provider omits an expiry
	DefaultTokenExpiry = 86400 * time.Second
)

// CachedToken is a bearer credential and the instant after which it must not be used.
type CachedToken struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token can still be used at now.
func (t *CachedToken) Valid(now time.Time) bool {
	return t != nil && t.Value != "" && now.Before(t.ExpiresAt)
}

// Session is the free-tier usage record of one anonymous identity.
type Session struct {
	IdentityID string
	// Count is the committed usage in the current window
	Count int
	// Pending is the number of reservations neither committed nor released
	Pending       int
	WindowResetAt time.Time
	LastSeen      time.Time
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Limit     int
}

// ReserveRequest represents an atomic check-and-reserve against a session store
type ReserveRequest struct {
	IdentityID string
	Limit      int
	Window     time.Duration
	Now        time.Time
}

// EventKind classifies a subscription lifecycle event.
type EventKind string

const (
	EventPaymentSucceeded    EventKind = "payment_succeeded"
	EventSubscriptionDeleted EventKind = "subscription_deleted"
	EventOther               EventKind = "other"
)

// SubscriptionEvent is one webhook delivery. It is never persisted.
type SubscriptionEvent struct {
	ID              string
	Kind            EventKind
	Type            string
	UserID          string
	RawPayload      []byte
	SignatureHeader string
	Created         time.Time
}

// Result is the output of a transcription.
type Result struct {
	MusicXML string
	MIDI     []byte
}

// Transcriber is the transcription engine consumed by the gate.
type Transcriber interface {
	// ProcessAudio transcribes an uploaded audio file.
	ProcessAudio(ctx context.Context, filename string, audio []byte) (*Result, error)

	// ProcessRemoteMedia transcribes the audio behind a media URL.
	ProcessRemoteMedia(ctx context.Context, url string) (*Result, error)
}

// EntitlementStore grants, revokes and queries the pro role of a user.
// Grant and Revoke must be idempotent: granting to a pro user or revoking from a
// non-pro user is a no-op, not an error.
type EntitlementStore interface {
	Grant(ctx context.Context, userID string) error
	Revoke(ctx context.Context, userID string) error
	HasRole(ctx context.Context, userID string) (bool, error)
}

// SessionStore persists free-tier sessions.
// Reserve must evaluate and mutate a session as one atomic unit per identity.
type SessionStore interface {
	// Reserve initializes or resets the session window, decides admission and,
	// when allowed, records one pending reservation.
	Reserve(ctx context.Context, req *ReserveRequest) (Decision, error)

	// Commit turns a pending reservation into committed usage.
	// It is a no-op when the session window changed since the reservation.
	Commit(ctx context.Context, identityID string, windowResetAt time.Time) error

	// Release drops a pending reservation without counting usage.
	Release(ctx context.Context, identityID string, windowResetAt time.Time) error

	// GetSession returns the session, or ErrSessionNotFound.
	GetSession(ctx context.Context, identityID string) (*Session, error)
}

// TimeSource defines an interface for getting time from a storage engine.
// Shared session stores use it so every gateway instance agrees on window boundaries.
type TimeSource interface {
	Now(ctx context.Context) (time.Time, error)
}
