// Package fiber provides Fiber middleware for free-tier admission
package fiber

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	httpmw "github.com/mihaimyh/scribegate/middleware/http"
	"github.com/mihaimyh/scribegate/pkg/scribegate"
)

// AdmissionKey is the Locals key holding the *scribegate.Admission
const AdmissionKey = "scribegate.admission"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// ProHintExtractor reports whether the request claims a pro subscription
type ProHintExtractor func(c *fiber.Ctx) bool

// Config holds middleware configuration
type Config struct {
	// Gate is the admission gate (required)
	Gate *scribegate.Gate

	// GetUserID extracts user ID from context
	// Default: FromHeader("User-Id")
	GetUserID UserIDExtractor

	// GetProHint extracts the pro hint from context
	// Default: ProHintFromHeader("User-Is-Pro")
	GetProHint ProHintExtractor

	// OnRateLimited is called when the free tier is exhausted
	// If nil, uses default response: 429 JSON with rate limit headers
	OnRateLimited func(c *fiber.Ctx, err *scribegate.RateLimitExceededError) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that admits requests through the gate.
// Usage is committed when the handler returns no error and a status below 400.
func Middleware(cfg Config) fiber.Handler {
	if cfg.Gate == nil {
		panic("scribegate/fiber: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		cfg.GetUserID = FromHeader(httpmw.HeaderUserID)
	}
	if cfg.GetProHint == nil {
		cfg.GetProHint = ProHintFromHeader(httpmw.HeaderUserIsPro)
	}

	return func(c *fiber.Ctx) error {
		req := scribegate.AdmitRequest{
			UserID:        cfg.GetUserID(c),
			ClaimsPro:     cfg.GetProHint(c),
			IdentityToken: c.Cookies(httpmw.SessionCookieName),
		}

		ctx := c.UserContext()
		adm, err := cfg.Gate.Admit(ctx, req)
		if err != nil {
			var limited *scribegate.RateLimitExceededError
			if errors.As(err, &limited) {
				setSessionCookie(c, limited.IdentityID)
				if cfg.OnRateLimited != nil {
					return cfg.OnRateLimited(c, limited)
				}
				return defaultRateLimited(c, limited)
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		if !adm.Pro {
			setSessionCookie(c, adm.IdentityID)
		}
		c.Locals(AdmissionKey, adm)
		c.SetUserContext(httpmw.WithAdmission(ctx, adm))

		var handlerErr error
		completed := false
		defer func() {
			ok := completed && handlerErr == nil && c.Response().StatusCode() < http.StatusBadRequest
			httpmw.Settle(ctx, adm, ok)
		}()
		handlerErr = c.Next()
		completed = true
		return handlerErr
	}
}

// setSessionCookie relies on c.Protocol, which honours X-Forwarded-Proto from
// any peer unless the app is built with EnableTrustedProxyCheck and a
// TrustedProxies list.
func setSessionCookie(c *fiber.Ctx, identityID string) {
	c.Cookie(&fiber.Cookie{
		Name:     httpmw.SessionCookieName,
		Value:    identityID,
		Path:     "/",
		MaxAge:   int(httpmw.SessionCookieMaxAge.Seconds()),
		HTTPOnly: true,
		Secure:   c.Protocol() == "https",
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

func defaultRateLimited(c *fiber.Ctx, err *scribegate.RateLimitExceededError) error {
	for k, v := range httpmw.RateLimitHeaders(err, time.Now()) {
		c.Set(k, v)
	}
	return c.Status(fiber.StatusTooManyRequests).JSON(httpmw.NewRateLimitResponse(err))
}

// GetAdmission returns the admission stored by Middleware.
func GetAdmission(c *fiber.Ctx) (*scribegate.Admission, bool) {
	adm, ok := c.Locals(AdmissionKey).(*scribegate.Admission)
	return adm, ok
}

// Common extractors for convenience

// FromContext returns a UserIDExtractor that gets user ID from Fiber context values (Locals)
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if v, ok := c.Locals(key).(string); ok {
			return v
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return strings.TrimSpace(c.Get(headerName))
	}
}

// ProHintFromHeader returns a ProHintExtractor reading a boolean header
func ProHintFromHeader(headerName string) ProHintExtractor {
	return func(c *fiber.Ctx) bool {
		return httpmw.ParseProHint(c.Get(headerName))
	}
}
