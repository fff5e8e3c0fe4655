// Package echo provides Echo middleware for free-tier admission
package echo

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	httpmw "github.com/mihaimyh/scribegate/middleware/http"
	"github.com/mihaimyh/scribegate/pkg/scribegate"
)

// AdmissionKey is the echo context key holding the *scribegate.Admission
const AdmissionKey = "scribegate.admission"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// ProHintExtractor reports whether the request claims a pro subscription
type ProHintExtractor func(c echo.Context) bool

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
	OnRateLimited func(c echo.Context, err *scribegate.RateLimitExceededError) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that admits requests through the gate.
// Usage is committed when the handler returns no error and a status below 400.
// The identity cookie is Secure over TLS, or behind a proxy when the server
// handler is wrapped with httpmw.TrustForwardedProto.
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Gate == nil {
		panic("scribegate/echo: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		cfg.GetUserID = FromHeader(httpmw.HeaderUserID)
	}
	if cfg.GetProHint == nil {
		cfg.GetProHint = ProHintFromHeader(httpmw.HeaderUserIsPro)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := scribegate.AdmitRequest{
				UserID:    cfg.GetUserID(c),
				ClaimsPro: cfg.GetProHint(c),
			}
			if cookie, err := c.Cookie(httpmw.SessionCookieName); err == nil {
				req.IdentityToken = cookie.Value
			}

			ctx := c.Request().Context()
			adm, err := cfg.Gate.Admit(ctx, req)
			if err != nil {
				var limited *scribegate.RateLimitExceededError
				if errors.As(err, &limited) {
					c.SetCookie(httpmw.SessionCookie(c.Request(), limited.IdentityID))
					if cfg.OnRateLimited != nil {
						return cfg.OnRateLimited(c, limited)
					}
					return defaultRateLimited(c, limited)
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			if !adm.Pro {
				c.SetCookie(httpmw.SessionCookie(c.Request(), adm.IdentityID))
			}
			c.Set(AdmissionKey, adm)
			c.SetRequest(c.Request().WithContext(httpmw.WithAdmission(ctx, adm)))

			var handlerErr error
			completed := false
			defer func() {
				ok := completed && handlerErr == nil && c.Response().Status < http.StatusBadRequest
				httpmw.Settle(ctx, adm, ok)
			}()
			handlerErr = next(c)
			completed = true
			return handlerErr
		}
	}
}

func defaultRateLimited(c echo.Context, err *scribegate.RateLimitExceededError) error {
	for k, v := range httpmw.RateLimitHeaders(err, time.Now()) {
		c.Response().Header().Set(k, v)
	}
	return c.JSON(http.StatusTooManyRequests, httpmw.NewRateLimitResponse(err))
}

// GetAdmission returns the admission stored by Middleware.
func GetAdmission(c echo.Context) (*scribegate.Admission, bool) {
	adm, ok := c.Get(AdmissionKey).(*scribegate.Admission)
	return adm, ok
}

// Common extractors for convenience

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if v, ok := c.Get(key).(string); ok {
			return v
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// ProHintFromHeader returns a ProHintExtractor reading a boolean header
func ProHintFromHeader(headerName string) ProHintExtractor {
	return func(c echo.Context) bool {
		return httpmw.ParseProHint(c.Request().Header.Get(headerName))
	}
}
