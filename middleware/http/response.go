package http

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/scribegate/pkg/scribegate"
)

// RateLimitResponse is the body of a 429 answer.
type RateLimitResponse struct {
	Detail    string `json:"detail"`
	Remaining int    `json:"remaining"`
	ResetAt   int64  `json:"resetAt"`
}

// NewRateLimitResponse describes err for the client. ResetAt is a unix timestamp.
func NewRateLimitResponse(err *scribegate.RateLimitExceededError) RateLimitResponse {
	return RateLimitResponse{
		Detail:    "Free tier limit reached. Upgrade to pro for unlimited transcriptions.",
		Remaining: 0,
		ResetAt:   err.ResetAt.Unix(),
	}
}

// RateLimitHeaders returns the Retry-After and X-RateLimit-* headers of a 429 answer.
func RateLimitHeaders(err *scribegate.RateLimitExceededError, now time.Time) map[string]string {
	retry := int(math.Ceil(err.RetryAfter(now).Seconds()))
	return map[string]string{
		"Retry-After":           strconv.Itoa(retry),
		"X-RateLimit-Limit":     strconv.Itoa(err.Limit),
		"X-RateLimit-Remaining": "0",
		"X-RateLimit-Reset":     strconv.FormatInt(err.ResetAt.Unix(), 10),
	}
}

// WriteRateLimited writes the 429 answer with rate limit headers.
func WriteRateLimited(w http.ResponseWriter, err *scribegate.RateLimitExceededError, now time.Time) {
	for k, v := range RateLimitHeaders(err, now) {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(NewRateLimitResponse(err))
}

// SessionCookie returns the identity cookie for r.
func SessionCookie(r *http.Request, identityID string) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    identityID,
		Path:     "/",
		MaxAge:   int(SessionCookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   IsSecure(r),
		SameSite: http.SameSiteLaxMode,
	}
}

// SetSessionCookie writes the identity cookie to w.
func SetSessionCookie(w http.ResponseWriter, r *http.Request, identityID string) {
	if identityID == "" {
		return
	}
	http.SetCookie(w, SessionCookie(r, identityID))
}

// IsSecure reports whether the client connection is HTTPS. X-Forwarded-Proto
// is not read here; behind a TLS-terminating proxy, wrap the handler with
// TrustForwardedProto so the proxy's word counts.
func IsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	forwarded, _ := r.Context().Value(forwardedHTTPSKey{}).(bool)
	return forwarded
}
