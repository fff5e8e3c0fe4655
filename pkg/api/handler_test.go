package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/textproto"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpmw "github.com/mihaimyh/scribegate/middleware/http"
	"github.com/mihaimyh/scribegate/pkg/scribegate"
	"github.com/mihaimyh/scribegate/storage/memory"
)

type fakeTranscriber struct {
	err  error
	urls []string
}

func (f *fakeTranscriber) ProcessAudio(context.Context, string, []byte) (*scribegate.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &scribegate.Result{MusicXML: "<score/>", MIDI: []byte("MThd")}, nil
}

func (f *fakeTranscriber) ProcessRemoteMedia(_ context.Context, u string) (*scribegate.Result, error) {
	f.urls = append(f.urls, u)
	if f.err != nil {
		return nil, f.err
	}
	return &scribegate.Result{MusicXML: "<remote/>"}, nil
}

type fakeCheckout struct {
	url    string
	err    error
	userID string
}

func (f *fakeCheckout) CheckoutURL(_ context.Context, userID string) (string, error) {
	f.userID = userID
	return f.url, f.err
}

type fixture struct {
	handler     *Handler
	transcriber *fakeTranscriber
	checkout    *fakeCheckout
}

func newFixture(t *testing.T, proUsers ...string) *fixture {
	t.Helper()
	limiter, err := scribegate.NewRateLimiter(memory.New(), scribegate.RateLimiterConfig{Limit: 1})
	require.NoError(t, err)

	f := &fixture{
		transcriber: &fakeTranscriber{},
		checkout:    &fakeCheckout{url: "https://checkout.stripe.test/session"},
	}
	gate, err := scribegate.NewGate(scribegate.GateConfig{
		Limiter:      limiter,
		Entitlements: memory.NewEntitlements(proUsers...),
		Transcriber:  f.transcriber,
	})
	require.NoError(t, err)

	webhook := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	f.handler, err = NewHandler(Config{
		Gate:           gate,
		Webhook:        webhook,
		Checkout:       f.checkout,
		FrontendOrigin: "https://app.example.com",
		TrustedProxies: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
	})
	require.NoError(t, err)
	return f
}

func uploadRequest(t *testing.T, contentType string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="take1.wav"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func findCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == httpmw.SessionCookieName {
			return c
		}
	}
	return nil
}

func TestNewHandler_RequiresGate(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.ErrorIs(t, err, scribegate.ErrConfig)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := serve(f.handler, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestUpload_SecureCookieBehindTrustedProxy(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		want       bool
	}{
		{"trusted load balancer", "10.0.0.5:443", true},
		{"direct client", "203.0.113.4:51000", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := uploadRequest(t, "audio/wav", []byte("RIFF"))
			req.RemoteAddr = tt.remoteAddr
			req.Header.Set("X-Forwarded-Proto", "https")

			rec := serve(f.handler, req)
			require.Equal(t, http.StatusOK, rec.Code)
			cookie := findCookie(rec)
			require.NotNil(t, cookie)
			assert.Equal(t, tt.want, cookie.Secure)
		})
	}
}

func TestUpload_FreeTier(t *testing.T) {
	f := newFixture(t)

	rec := serve(f.handler, uploadRequest(t, "audio/wav", []byte("RIFF")))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TranscriptionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "<score/>", resp.MusicXML)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("MThd")), resp.MIDI)

	cookie := findCookie(rec)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, "/", cookie.Path)
	assert.Equal(t, 86400, cookie.MaxAge)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)

	// The second upload with the same identity is over the limit.
	req := uploadRequest(t, "audio/wav", []byte("RIFF"))
	req.AddCookie(&http.Cookie{Name: httpmw.SessionCookieName, Value: cookie.Value})
	rec = serve(f.handler, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var limited httpmw.RateLimitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &limited))
	assert.Contains(t, limited.Detail, "Free tier limit reached")
	assert.Equal(t, 0, limited.Remaining)
	assert.NotZero(t, limited.ResetAt)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	again := findCookie(rec)
	require.NotNil(t, again)
	assert.Equal(t, cookie.Value, again.Value)
}

func TestUpload_FailedTranscriptionDoesNotCount(t *testing.T) {
	f := newFixture(t)
	f.transcriber.err = errors.New("worker down")
	identity, err := scribegate.NewIdentity()
	require.NoError(t, err)

	upload := func() *http.Request {
		req := uploadRequest(t, "audio/wav", []byte("RIFF"))
		req.AddCookie(&http.Cookie{Name: httpmw.SessionCookieName, Value: identity})
		return req
	}

	rec := serve(f.handler, upload())
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"detail":"Internal server error"}`, rec.Body.String())

	f.transcriber.err = nil
	rec = serve(f.handler, upload())
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(f.handler, upload())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestUpload_ProBypass(t *testing.T) {
	f := newFixture(t, "auth0|pro")

	for i := 0; i < 3; i++ {
		req := uploadRequest(t, "audio/wav", []byte("RIFF"))
		req.Header.Set(httpmw.HeaderUserID, "auth0|pro")
		req.Header.Set(httpmw.HeaderUserIsPro, "true")
		rec := serve(f.handler, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Nil(t, findCookie(rec))
	}
}

func TestUpload_Validation(t *testing.T) {
	f := newFixture(t)

	t.Run("not audio", func(t *testing.T) {
		rec := serve(f.handler, uploadRequest(t, "text/plain", []byte("hello")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"detail":"File must be an audio file"}`, rec.Body.String())
	})

	t.Run("empty file", func(t *testing.T) {
		rec := serve(f.handler, uploadRequest(t, "audio/wav", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("no multipart body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", strings.NewReader("x"))
		rec := serve(f.handler, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"detail":"No file uploaded"}`, rec.Body.String())
	})
}

func TestUploadURL(t *testing.T) {
	f := newFixture(t, "auth0|pro")

	form := func(vals url.Values) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/upload-url", strings.NewReader(vals.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req
	}

	rec := serve(f.handler, form(url.Values{"url": {"https://youtu.be/x"}, "id": {"auth0|pro"}}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"https://youtu.be/x"}, f.transcriber.urls)

	rec = serve(f.handler, form(url.Values{"url": {"https://youtu.be/x"}, "id": {"auth0|free"}}))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(f.handler, form(url.Values{"url": {"https://youtu.be/x"}}))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(f.handler, form(url.Values{"id": {"auth0|pro"}}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateCheckoutSession(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/create-checkout-session",
		strings.NewReader(url.Values{"id": {"auth0|123"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := serve(f.handler, req)

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "https://checkout.stripe.test/session", rec.Header().Get("Location"))
	assert.Equal(t, "auth0|123", f.checkout.userID)

	rec = serve(f.handler, httptest.NewRequest(http.MethodPost, "/api/v1/create-checkout-session", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.checkout.err = errors.New("stripe unavailable")
	req = httptest.NewRequest(http.MethodPost, "/api/v1/create-checkout-session", nil)
	req.Header.Set(httpmw.HeaderUserID, "auth0|123")
	rec = serve(f.handler, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCheckoutRouteAbsentWithoutCheckout(t *testing.T) {
	limiter, err := scribegate.NewRateLimiter(memory.New(), scribegate.RateLimiterConfig{})
	require.NoError(t, err)
	gate, err := scribegate.NewGate(scribegate.GateConfig{Limiter: limiter, Entitlements: memory.NewEntitlements()})
	require.NoError(t, err)
	h, err := NewHandler(Config{Gate: gate})
	require.NoError(t, err)

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/api/v1/create-checkout-session", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = serve(h, httptest.NewRequest(http.MethodPost, "/api/v1/webhook", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookMounted(t *testing.T) {
	f := newFixture(t)
	rec := serve(f.handler, httptest.NewRequest(http.MethodPost, "/api/v1/webhook", strings.NewReader("{}")))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestCORS(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/upload", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := serve(f.handler, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), httpmw.HeaderUserIsPro)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = serve(f.handler, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestID(t *testing.T) {
	f := newFixture(t)

	rec := serve(f.handler, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	generated := rec.Header().Get(HeaderRequestID)
	assert.Len(t, generated, 36)

	const inbound = "6f1c2b8e-8d4f-4c1a-9d8e-2f3a4b5c6d7e"
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(HeaderRequestID, inbound)
	rec = serve(f.handler, req)
	assert.Equal(t, inbound, rec.Header().Get(HeaderRequestID))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(HeaderRequestID, "not-a-uuid")
	rec = serve(f.handler, req)
	assert.NotEqual(t, "not-a-uuid", rec.Header().Get(HeaderRequestID))
}
