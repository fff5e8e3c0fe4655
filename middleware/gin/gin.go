// Package gin provides Gin middleware for free-tier admission
package gin

import (
	"errors"
	"net/http"
	"time"

	gongin "github.com/gin-gonic/gin"

	httpmw "github.com/mihaimyh/scribegate/middleware/http"
	"github.com/mihaimyh/scribegate/pkg/scribegate"
)

// AdmissionKey is the gin context key holding the *scribegate.Admission
const AdmissionKey = "scribegate.admission"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// ProHintExtractor reports whether the request claims a pro subscription
type ProHintExtractor func(c *gongin.Context) bool

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
	OnRateLimited func(c *gongin.Context, err *scribegate.RateLimitExceededError)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that admits requests through the gate.
// Free-tier usage is committed when the handler answers below 400 and
// released otherwise. The identity cookie is Secure over TLS, or behind a
// proxy when the engine is wrapped with httpmw.TrustForwardedProto.
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Gate == nil {
		panic("scribegate/gin: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		cfg.GetUserID = FromHeader(httpmw.HeaderUserID)
	}
	if cfg.GetProHint == nil {
		cfg.GetProHint = ProHintFromHeader(httpmw.HeaderUserIsPro)
	}

	return func(c *gongin.Context) {
		req := scribegate.AdmitRequest{
			UserID:    cfg.GetUserID(c),
			ClaimsPro: cfg.GetProHint(c),
		}
		if token, err := c.Cookie(httpmw.SessionCookieName); err == nil {
			req.IdentityToken = token
		}

		ctx := c.Request.Context()
		adm, err := cfg.Gate.Admit(ctx, req)
		if err != nil {
			var limited *scribegate.RateLimitExceededError
			switch {
			case errors.As(err, &limited):
				httpmw.SetSessionCookie(c.Writer, c.Request, limited.IdentityID)
				if cfg.OnRateLimited != nil {
					cfg.OnRateLimited(c, limited)
				} else {
					defaultRateLimited(c, limited)
				}
			case cfg.OnError != nil:
				cfg.OnError(c, err)
			default:
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		if !adm.Pro {
			httpmw.SetSessionCookie(c.Writer, c.Request, adm.IdentityID)
		}
		c.Set(AdmissionKey, adm)
		c.Request = c.Request.WithContext(httpmw.WithAdmission(ctx, adm))

		completed := false
		defer func() {
			httpmw.Settle(ctx, adm, completed && c.Writer.Status() < http.StatusBadRequest)
		}()
		c.Next()
		completed = true
	}
}

func defaultRateLimited(c *gongin.Context, err *scribegate.RateLimitExceededError) {
	for k, v := range httpmw.RateLimitHeaders(err, time.Now()) {
		c.Header(k, v)
	}
	c.JSON(http.StatusTooManyRequests, httpmw.NewRateLimitResponse(err))
}

// GetAdmission returns the admission stored by Middleware.
func GetAdmission(c *gongin.Context) (*scribegate.Admission, bool) {
	v, ok := c.Get(AdmissionKey)
	if !ok {
		return nil, false
	}
	adm, ok := v.(*scribegate.Admission)
	return adm, ok
}

// Common extractors for convenience

// FromContext returns a UserIDExtractor that gets user ID from Gin context
// values, typically set by an authentication middleware via c.Set.
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// ProHintFromHeader returns a ProHintExtractor reading a boolean header
func ProHintFromHeader(headerName string) ProHintExtractor {
	return func(c *gongin.Context) bool {
		return httpmw.ParseProHint(c.GetHeader(headerName))
	}
}
