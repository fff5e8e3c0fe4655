package api

import (
	"fmt"
	"net/http"
	"net/netip"

	"github.com/mihaimyh/scribegate/pkg/billing"
	"github.com/mihaimyh/scribegate/pkg/scribegate"
)

// Config holds configuration for the gateway handler
type Config struct {
	// Gate admits and runs transcriptions (required)
	Gate *scribegate.Gate

	// Webhook handles billing provider webhooks. Optional; the route is not
	// registered when nil.
	Webhook http.Handler

	// Checkout creates subscription checkout sessions. Optional; the route is
	// not registered when nil.
	Checkout billing.Checkout

	// FrontendOrigin is the single origin allowed by CORS. Empty disables CORS.
	FrontendOrigin string

	// TrustedProxies may report the client scheme in X-Forwarded-Proto.
	TrustedProxies []netip.Prefix

	// Logger is optional; defaults to scribegate.NoopLogger
	Logger scribegate.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Gate == nil {
		return fmt.Errorf("%w: gate is required", scribegate.ErrConfig)
	}
	return nil
}
