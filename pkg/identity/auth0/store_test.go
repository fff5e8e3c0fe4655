package auth0

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/scribegate/pkg/scribegate"
)

const proRoleID = "rol_pro"

type staticTokens struct {
	token       string
	err         error
	invalidated atomic.Int32
}

func (s *staticTokens) Token(context.Context) (string, error) { return s.token, s.err }
func (s *staticTokens) Invalidate() { s.invalidated.Add(1) }

// fakeTenant serves the user roles endpoint for a single role.
type fakeTenant struct {
	mu       sync.Mutex
	roles    map[string]bool
	unknown  map[string]bool
	status   int
	requests []string
}

func (f *fakeTenant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.RequestURI)

	if r.Header.Get("Authorization") != "Bearer mgmt-token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.status != 0 {
		http.Error(w, `{"error":"upstream"}`, f.status)
		return
	}

	user := r.PathValue("user")
	if f.unknown[user] {
		http.Error(w, `{"statusCode":404,"error":"Not Found","message":"The user does not exist."}`, http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		var out []role
		if f.roles[user] {
			out = append(out, role{ID: proRoleID, Name: "pro"})
		}
		out = append(out, role{ID: "rol_other", Name: "beta"})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	case http.MethodPost, http.MethodDelete:
		var req rolesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Roles) != 1 || req.Roles[0] != proRoleID {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.roles[user] = r.Method == http.MethodPost
		w.WriteHeader(http.StatusNoContent)
	}
}

func newTenant(t *testing.T) (*fakeTenant, *httptest.Server) {
	t.Helper()
	tenant := &fakeTenant{roles: make(map[string]bool), unknown: make(map[string]bool)}
	mux := http.NewServeMux()
	mux.Handle("/api/v2/users/{user}/roles", tenant)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return tenant, srv
}

func newTestStore(t *testing.T, baseURL string, tokens TokenSource, breaker scribegate.CircuitBreaker) *Store {
	t.Helper()
	s, err := NewStore(Config{
		BaseURL:        baseURL,
		RoleID:         proRoleID,
		Tokens:         tokens,
		CircuitBreaker: breaker,
	})
	require.NoError(t, err)
	return s
}

func TestStore_GrantRevokeHasRole(t *testing.T) {
	tenant, srv := newTenant(t)
	s := newTestStore(t, srv.URL, &staticTokens{token: "mgmt-token"}, nil)
	ctx := context.Background()

	pro, err := s.HasRole(ctx, "auth0|123")
	require.NoError(t, err)
	assert.False(t, pro)

	require.NoError(t, s.Grant(ctx, "auth0|123"))
	require.NoError(t, s.Grant(ctx, "auth0|123"), "grant is idempotent")

	pro, err = s.HasRole(ctx, "auth0|123")
	require.NoError(t, err)
	assert.True(t, pro)

	require.NoError(t, s.Revoke(ctx, "auth0|123"))
	pro, err = s.HasRole(ctx, "auth0|123")
	require.NoError(t, err)
	assert.False(t, pro)

	assert.Contains(t, tenant.requests, "POST /api/v2/users/auth0%7C123/roles")
	assert.Contains(t, tenant.requests, "DELETE /api/v2/users/auth0%7C123/roles")
}

func TestStore_ErrorClasses(t *testing.T) {
	tenant, srv := newTenant(t)
	tenant.status = http.StatusTooManyRequests
	s := newTestStore(t, srv.URL, &staticTokens{token: "mgmt-token"}, nil)
	ctx := context.Background()

	err := s.Grant(ctx, "auth0|user-1")
	assert.ErrorIs(t, err, scribegate.ErrEntitlementMutation)
	assert.Contains(t, err.Error(), "status 429")

	err = s.Revoke(ctx, "auth0|user-1")
	assert.ErrorIs(t, err, scribegate.ErrEntitlementMutation)

	_, err = s.HasRole(ctx, "auth0|user-1")
	assert.ErrorIs(t, err, scribegate.ErrEntitlementCheck)
}

func TestStore_TokenFailure(t *testing.T) {
	tenant, srv := newTenant(t)
	tokenErr := errors.Join(scribegate.ErrUpstreamAuth, errors.New("tenant down"))
	s := newTestStore(t, srv.URL, &staticTokens{err: tokenErr}, nil)

	_, err := s.HasRole(context.Background(), "auth0|user-1")
	assert.ErrorIs(t, err, scribegate.ErrUpstreamAuth)
	assert.NotErrorIs(t, err, scribegate.ErrEntitlementCheck)
	assert.Empty(t, tenant.requests)
}

func TestStore_UnauthorizedInvalidatesToken(t *testing.T) {
	_, srv := newTenant(t)
	tokens := &staticTokens{token: "stale-token"}
	s := newTestStore(t, srv.URL, tokens, nil)

	err := s.Grant(context.Background(), "auth0|user-1")
	assert.ErrorIs(t, err, scribegate.ErrEntitlementMutation)
	assert.Equal(t, int32(1), tokens.invalidated.Load())
}

func TestStore_CircuitBreaker(t *testing.T) {
	tenant, srv := newTenant(t)
	tenant.status = http.StatusInternalServerError
	breaker := scribegate.NewBreaker(scribegate.BreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
		IsFailure:        IsUpstreamFailure,
	})
	s := newTestStore(t, srv.URL, &staticTokens{token: "mgmt-token"}, breaker)

	for i := 0; i < 2; i++ {
		_, err := s.HasRole(context.Background(), "auth0|user-1")
		require.Error(t, err)
	}
	_, err := s.HasRole(context.Background(), "auth0|user-1")
	assert.ErrorIs(t, err, scribegate.ErrCircuitOpen)
	assert.ErrorIs(t, err, scribegate.ErrEntitlementCheck)
	assert.Len(t, tenant.requests, 2)
}

func TestNewStore_Validation(t *testing.T) {
	_, err := NewStore(Config{RoleID: proRoleID, Tokens: &staticTokens{}})
	assert.ErrorIs(t, err, scribegate.ErrConfig)

	_, err = NewStore(Config{BaseURL: "https://tenant.example.com", Tokens: &staticTokens{}})
	assert.ErrorIs(t, err, scribegate.ErrConfig)

	_, err = NewStore(Config{BaseURL: "https://tenant.example.com", RoleID: proRoleID})
	assert.ErrorIs(t, err, scribegate.ErrConfig)
}

func TestStore_MalformedUserID(t *testing.T) {
	tenant, srv := newTenant(t)
	s := newTestStore(t, srv.URL, &staticTokens{token: "mgmt-token"}, nil)
	ctx := context.Background()

	for _, id := range []string{"", "bogus", "|123", "auth0|", "auth0|a b", "auth 0|123", "auth0|\x00", "auth0|" + strings.Repeat("x", 300)} {
		pro, err := s.HasRole(ctx, id)
		require.NoError(t, err, id)
		assert.False(t, pro, id)

		err = s.Grant(ctx, id)
		assert.ErrorIs(t, err, scribegate.ErrValidation, id)
		assert.ErrorIs(t, err, ErrInvalidUserID, id)

		err = s.Revoke(ctx, id)
		assert.ErrorIs(t, err, scribegate.ErrValidation, id)
	}
	assert.Empty(t, tenant.requests)
}

func TestStore_UnknownUsersDoNotOpenBreaker(t *testing.T) {
	tenant, srv := newTenant(t)
	tenant.roles["auth0|pro"] = true
	tenant.unknown["auth0|ghost"] = true
	breaker := scribegate.NewBreaker(scribegate.BreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
		IsFailure:        IsUpstreamFailure,
	})
	s := newTestStore(t, srv.URL, &staticTokens{token: "mgmt-token"}, breaker)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.HasRole(ctx, "auth0|ghost")
		require.ErrorIs(t, err, scribegate.ErrEntitlementCheck)
		require.NotErrorIs(t, err, scribegate.ErrCircuitOpen)

		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusNotFound, se.StatusCode)
	}
	assert.Equal(t, scribegate.BreakerClosed, breaker.State())

	pro, err := s.HasRole(ctx, "auth0|pro")
	require.NoError(t, err)
	assert.True(t, pro)
	require.NoError(t, s.Grant(ctx, "auth0|new-subscriber"))
}

func TestIsUpstreamFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"malformed id", ErrInvalidUserID, false},
		{"bad request", &StatusError{StatusCode: http.StatusBadRequest}, false},
		{"forbidden", &StatusError{StatusCode: http.StatusForbidden}, false},
		{"not found", fmt.Errorf("%w: %w", scribegate.ErrEntitlementCheck, &StatusError{StatusCode: http.StatusNotFound}), false},
		{"unauthorized", &StatusError{StatusCode: http.StatusUnauthorized}, true},
		{"throttled", &StatusError{StatusCode: http.StatusTooManyRequests}, true},
		{"server error", &StatusError{StatusCode: http.StatusBadGateway}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"token", scribegate.ErrUpstreamAuth, true},
		{"transport", errors.New("dial tcp: connection refused"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUpstreamFailure(tt.err))
		})
	}
}
