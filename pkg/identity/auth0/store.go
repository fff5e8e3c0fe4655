package auth0

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mihaimyh/scribegate/pkg/scribegate"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBody       = 1024
	maxUserIDLength    = 255
)

// ErrInvalidUserID is returned for a user id that cannot name an Auth0 user.
// No Management API call is made for it.
var ErrInvalidUserID = errors.New("malformed auth0 user id")

// StatusError is a non-2xx answer of the Management API.
type StatusError struct {
	Method     string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("auth0 %s roles: status %d, body: %s", e.Method, e.StatusCode, e.Body)
}

// IsUpstreamFailure reports whether err says something about the health of the
// tenant: transport errors, timeouts, token failures, 401, 429 and 5xx. Answers
// about the user named in the request (400, 403, 404) do not. Use it as the
// IsFailure of the breaker guarding the store, so that callers supplying bogus
// user ids cannot open it.
func IsUpstreamFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrInvalidUserID) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusUnauthorized ||
			se.StatusCode == http.StatusTooManyRequests ||
			se.StatusCode >= http.StatusInternalServerError
	}
	return true
}

// ValidUserID reports whether id is shaped like an Auth0 user id: a connection
// prefix and the provider's id joined by "|", e.g. auth0|5f7c8ec7c33c6c004bbafe82
// or google-oauth2|104837. Only printable ASCII without spaces is accepted.
func ValidUserID(id string) bool {
	if len(id) == 0 || len(id) > maxUserIDLength {
		return false
	}
	provider, rest, ok := strings.Cut(id, "|")
	if !ok || provider == "" || rest == "" {
		return false
	}
	for i := 0; i < len(provider); i++ {
		c := provider[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	for i := 0; i < len(rest); i++ {
		if c := rest[i]; c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}

// TokenSource hands out Management API bearer tokens. *scribegate.TokenCache
// implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Config holds configuration for the Auth0 entitlement store
type Config struct {
	// BaseURL is the tenant URL, e.g. https://example.eu.auth0.com
	BaseURL string

	// RoleID is the id of the role that marks a user as pro
	RoleID string

	Tokens TokenSource

	// HTTPClient is optional (default: 10s timeout)
	HTTPClient *http.Client

	// CircuitBreaker guards Management API calls. Optional. Configure its
	// IsFailure with IsUpstreamFailure.
	CircuitBreaker scribegate.CircuitBreaker

	Logger scribegate.Logger
}

// Store implements scribegate.EntitlementStore on the Auth0 Management API
// user roles endpoints.
type Store struct {
	baseURL    string
	roleID     string
	tokens     TokenSource
	httpClient *http.Client
	breaker    scribegate.CircuitBreaker
	logger     scribegate.Logger
}

var _ scribegate.EntitlementStore = (*Store)(nil)

// NewStore creates an Auth0 entitlement store.
func NewStore(config Config) (*Store, error) {
	if strings.TrimSpace(config.BaseURL) == "" {
		return nil, fmt.Errorf("%w: auth0 base URL is required", scribegate.ErrConfig)
	}
	if config.RoleID == "" {
		return nil, fmt.Errorf("%w: auth0 pro role id is required", scribegate.ErrConfig)
	}
	if config.Tokens == nil {
		return nil, fmt.Errorf("%w: auth0 token source is required", scribegate.ErrConfig)
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if config.Logger == nil {
		config.Logger = &scribegate.NoopLogger{}
	}
	return &Store{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		roleID:     config.RoleID,
		tokens:     config.Tokens,
		httpClient: config.HTTPClient,
		breaker:    config.CircuitBreaker,
		logger:     config.Logger,
	}, nil
}

type rolesRequest struct {
	Roles []string `json:"roles"`
}

type role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Grant assigns the pro role. Assigning a role the user already has succeeds.
// A malformed user id is a validation error; retrying it cannot succeed.
func (s *Store) Grant(ctx context.Context, userID string) error {
	if !ValidUserID(userID) {
		return fmt.Errorf("%w: %w", scribegate.ErrValidation, ErrInvalidUserID)
	}
	if err := s.call(ctx, http.MethodPost, userID, nil); err != nil {
		return wrapClass(scribegate.ErrEntitlementMutation, err)
	}
	return nil
}

// Revoke removes the pro role. Removing a role the user does not have succeeds.
func (s *Store) Revoke(ctx context.Context, userID string) error {
	if !ValidUserID(userID) {
		return fmt.Errorf("%w: %w", scribegate.ErrValidation, ErrInvalidUserID)
	}
	if err := s.call(ctx, http.MethodDelete, userID, nil); err != nil {
		return wrapClass(scribegate.ErrEntitlementMutation, err)
	}
	return nil
}

// HasRole reports whether the user currently holds the pro role. A malformed
// user id cannot hold it and is answered without calling the tenant.
func (s *Store) HasRole(ctx context.Context, userID string) (bool, error) {
	if !ValidUserID(userID) {
		s.logger.Debug("skipping role lookup for malformed user id")
		return false, nil
	}
	var roles []role
	if err := s.call(ctx, http.MethodGet, userID, &roles); err != nil {
		return false, wrapClass(scribegate.ErrEntitlementCheck, err)
	}
	for _, r := range roles {
		if r.ID == s.roleID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) call(ctx context.Context, method, userID string, out any) error {
	if s.breaker == nil {
		return s.do(ctx, method, userID, out)
	}
	return s.breaker.Execute(ctx, func() error {
		return s.do(ctx, method, userID, out)
	})
}

func (s *Store) do(ctx context.Context, method, userID string, out any) error {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return err
	}

	endpoint := s.rolesURL(userID)
	var body io.Reader = http.NoBody
	if method != http.MethodGet {
		buf, err := json.Marshal(rolesRequest{Roles: []string{s.roleID}})
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("auth0 %s roles: %w", method, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnauthorized {
		s.tokens.Invalidate()
		s.logger.Warn("auth0 rejected management token, invalidating cache")
	}
	if res.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return &StatusError{Method: method, StatusCode: res.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse roles response: %w", err)
	}
	return nil
}

func (s *Store) rolesURL(userID string) string {
	return s.baseURL + "/api/v2/users/" + url.PathEscape(userID) + "/roles"
}

// wrapClass tags err with class unless it already is an upstream auth failure,
// which callers handle on its own.
func wrapClass(class, err error) error {
	if errors.Is(err, scribegate.ErrUpstreamAuth) || errors.Is(err, class) {
		return err
	}
	return fmt.Errorf("%w: %w", class, err)
}
