package scribegate

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfig is returned when a required setting is missing or malformed
	ErrConfig = errors.New("invalid configuration")

	// ErrUpstreamAuth is returned when the identity provider token cannot be obtained
	ErrUpstreamAuth = errors.New("upstream authentication failed")

	// ErrEntitlementMutation is returned when a grant or revoke could not be applied
	ErrEntitlementMutation = errors.New("entitlement mutation failed")

	// ErrEntitlementCheck is returned when the entitlement of a user could not be determined
	ErrEntitlementCheck = errors.New("entitlement check failed")

	// ErrRateLimitExceeded is returned when an anonymous identity used up its free tier
	ErrRateLimitExceeded = errors.New("free tier limit exceeded")

	// ErrUploadValidation is returned for a missing, malformed or oversized upload
	ErrUploadValidation = errors.New("invalid upload")

	// ErrNotEntitled is returned when a pro-only operation is attempted by a non-pro user
	ErrNotEntitled = errors.New("user is not entitled")

	// ErrTranscription is returned when the transcription collaborator fails
	ErrTranscription = errors.New("transcription failed")

	// ErrSessionStore is returned when the session store cannot serve a request
	ErrSessionStore = errors.New("session store unavailable")

	// ErrInvalidIdentity is returned for an empty identity id
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrSessionNotFound is returned when a session store has no record for an identity
	ErrSessionNotFound = errors.New("session not found")

	// ErrWebhookParse is returned for a webhook body that is not a valid event
	ErrWebhookParse = errors.New("invalid webhook payload")

	// ErrWebhookVerification is returned when the webhook signature does not match
	ErrWebhookVerification = errors.New("invalid webhook signature")

	// ErrValidation is returned for a well-formed webhook event missing required data
	ErrValidation = errors.New("webhook event validation failed")
)

// RateLimitExceededError carries the admission decision of a throttled request.
// It matches ErrRateLimitExceeded with errors.Is.
type RateLimitExceededError struct {
	IdentityID string
	Limit      int
	ResetAt    time.Time
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("free tier limit of %d exceeded, resets at %s",
		e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitExceededError) Unwrap() error {
	return ErrRateLimitExceeded
}

// RetryAfter returns how long the caller should wait before the window resets.
func (e *RateLimitExceededError) RetryAfter(now time.Time) time.Duration {
	d := e.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
