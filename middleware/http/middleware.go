// Package http provides HTTP middleware for free-tier admission
package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mihaimyh/scribegate/pkg/scribegate"
)

const (
	// SessionCookieName carries the anonymous identity token
	SessionCookieName = "session_id"

	// SessionCookieMaxAge is the lifetime of the identity cookie
	SessionCookieMaxAge = 24 * time.Hour

	// HeaderUserID carries the identity provider user id
	HeaderUserID = "User-Id"

	// HeaderUserIsPro is the client's pro hint. It is verified before use.
	HeaderUserIsPro = "User-Is-Pro"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// ProHintExtractor reports whether the request claims a pro subscription
type ProHintExtractor func(r *http.Request) bool

// Config holds middleware configuration
type Config struct {
	// Gate is the admission gate (required)
	Gate *scribegate.Gate

	// GetUserID extracts user ID from request
	// Default: FromHeader(HeaderUserID)
	GetUserID UserIDExtractor

	// GetProHint extracts the pro hint from request
	// Default: ProHintFromHeader(HeaderUserIsPro)
	GetProHint ProHintExtractor

	// OnRateLimited is called when the free tier is exhausted
	// If nil, returns 429 with RateLimitResponse
	OnRateLimited func(w http.ResponseWriter, r *http.Request, err *scribegate.RateLimitExceededError)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

type admissionKey struct{}

// AdmissionFromContext returns the admission of the current request, if any.
func AdmissionFromContext(ctx context.Context) (*scribegate.Admission, bool) {
	adm, ok := ctx.Value(admissionKey{}).(*scribegate.Admission)
	return adm, ok
}

// WithAdmission stores adm in ctx.
func WithAdmission(ctx context.Context, adm *scribegate.Admission) context.Context {
	return context.WithValue(ctx, admissionKey{}, adm)
}

// Middleware creates an HTTP middleware that admits requests through the gate.
// Free-tier usage is committed when the handler answers with a status below 400
// and released otherwise.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.GetUserID == nil {
		config.GetUserID = FromHeader(HeaderUserID)
	}
	if config.GetProHint == nil {
		config.GetProHint = ProHintFromHeader(HeaderUserIsPro)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			adm, err := config.Gate.Admit(r.Context(), AdmitRequestFrom(r, config.GetUserID, config.GetProHint))
			if err != nil {
				var limited *scribegate.RateLimitExceededError
				switch {
				case errors.As(err, &limited):
					SetSessionCookie(w, r, limited.IdentityID)
					if config.OnRateLimited != nil {
						config.OnRateLimited(w, r, limited)
					} else {
						WriteRateLimited(w, limited, time.Now())
					}
				case config.OnError != nil:
					config.OnError(w, r, err)
				default:
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !adm.Pro {
				SetSessionCookie(w, r, adm.IdentityID)
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			completed := false
			defer func() {
				Settle(r.Context(), adm, completed && rec.status < http.StatusBadRequest)
			}()

			next.ServeHTTP(rec, r.WithContext(WithAdmission(r.Context(), adm)))
			completed = true
		})
	}
}

// HandlerFunc creates an HTTP middleware for handler functions
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// Settle commits the admission when ok and releases it otherwise. It runs
// detached from ctx cancellation so that a disconnecting client cannot leave a
// reservation pending.
func Settle(ctx context.Context, adm *scribegate.Admission, ok bool) {
	ctx = context.WithoutCancel(ctx)
	if ok {
		_ = adm.Commit(ctx)
		return
	}
	_ = adm.Release(ctx)
}

// AdmitRequestFrom builds the gate request of r.
func AdmitRequestFrom(r *http.Request, getUserID UserIDExtractor, getProHint ProHintExtractor) scribegate.AdmitRequest {
	req := scribegate.AdmitRequest{
		UserID:    getUserID(r),
		ClaimsPro: getProHint(r),
	}
	if c, err := r.Cookie(SessionCookieName); err == nil {
		req.IdentityToken = c.Value
	}
	return req
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Common extractors for convenience

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return strings.TrimSpace(r.Header.Get(headerName))
	}
}

// ProHintFromHeader returns a ProHintExtractor reading a boolean header
func ProHintFromHeader(headerName string) ProHintExtractor {
	return func(r *http.Request) bool {
		return ParseProHint(r.Header.Get(headerName))
	}
}

// ParseProHint interprets a pro hint value; anything unparsable is false.
func ParseProHint(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}
