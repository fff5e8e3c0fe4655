package billing

import (
	"errors"

	"github.com/mihaimyh/scribegate/pkg/scribegate"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = scribegate.ErrWebhookVerification

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = scribegate.ErrWebhookParse

	// ErrMissingUserID is returned when a subscription event carries no user_id metadata
	ErrMissingUserID = errors.New("metadata.user_id missing")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")
)
