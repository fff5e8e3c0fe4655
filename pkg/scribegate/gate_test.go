package scribegate_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/scribegate/pkg/scribegate"
	"github.com/mihaimyh/scribegate/storage/memory"
)

type fakeTranscriber struct {
	mu    sync.Mutex
	err   error
	files []string
	urls  []string
}

func (f *fakeTranscriber) ProcessAudio(_ context.Context, filename string, _ []byte) (*scribegate.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, filename)
	if f.err != nil {
		return nil, f.err
	}
	return &scribegate.Result{MusicXML: "<score/>", MIDI: []byte{0x4d, 0x54}}, nil
}

func (f *fakeTranscriber) ProcessRemoteMedia(_ context.Context, url string) (*scribegate.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	if f.err != nil {
		return nil, f.err
	}
	return &scribegate.Result{MusicXML: "<score/>"}, nil
}

type gateFixture struct {
	gate         *scribegate.Gate
	limiter      *scribegate.RateLimiter
	entitlements *memory.Entitlements
	transcriber  *fakeTranscriber
}

func newGateFixture(t *testing.T, proUsers ...string) *gateFixture {
	t.Helper()
	limiter, err := scribegate.NewRateLimiter(memory.New(), scribegate.RateLimiterConfig{})
	require.NoError(t, err)

	f := &gateFixture{
		limiter:      limiter,
		entitlements: memory.NewEntitlements(proUsers...),
		transcriber:  &fakeTranscriber{},
	}
	f.gate, err = scribegate.NewGate(scribegate.GateConfig{
		Limiter:      limiter,
		Entitlements: f.entitlements,
		Transcriber:  f.transcriber,
	})
	require.NoError(t, err)
	return f
}

func audio() *scribegate.Upload {
	return &scribegate.Upload{Filename: "take1.wav", ContentType: "audio/wav", Data: []byte("RIFF....WAVE")}
}

func TestNewGate_Validation(t *testing.T) {
	_, err := scribegate.NewGate(scribegate.GateConfig{})
	assert.ErrorIs(t, err, scribegate.ErrConfig)
}

func TestGate_Admit_ProBypassesLimiter(t *testing.T) {
	f := newGateFixture(t, "auth0|pro")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		adm, err := f.gate.Admit(ctx, scribegate.AdmitRequest{UserID: "auth0|pro", ClaimsPro: true})
		require.NoError(t, err)
		assert.True(t, adm.Pro)
		assert.Empty(t, adm.IdentityID)
		require.NoError(t, adm.Commit(ctx))
	}
}

func TestGate_Admit_ProClaimNotBacked(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	adm, err := f.gate.Admit(ctx, scribegate.AdmitRequest{UserID: "auth0|free", ClaimsPro: true})
	require.NoError(t, err)
	assert.False(t, adm.Pro)
	assert.NotEmpty(t, adm.IdentityID)
}

func TestGate_Admit_EntitlementErrorFallsBackToFreeTier(t *testing.T) {
	f := newGateFixture(t, "auth0|pro")
	f.entitlements.SetHook(func(string, string) error { return errors.New("provider down") })

	adm, err := f.gate.Admit(context.Background(), scribegate.AdmitRequest{UserID: "auth0|pro", ClaimsPro: true})
	require.NoError(t, err)
	assert.False(t, adm.Pro)
}

func TestGate_Admit_DeniedCarriesIdentity(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	adm, err := f.gate.Admit(ctx, scribegate.AdmitRequest{})
	require.NoError(t, err)
	require.NoError(t, adm.Commit(ctx))

	_, err = f.gate.Admit(ctx, scribegate.AdmitRequest{IdentityToken: adm.IdentityID})
	require.ErrorIs(t, err, scribegate.ErrRateLimitExceeded)

	var rle *scribegate.RateLimitExceededError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, adm.IdentityID, rle.IdentityID)
	assert.Equal(t, adm.Decision.ResetAt, rle.ResetAt)
	assert.Equal(t, 1, rle.Limit)
}

func TestGate_Admission_SettlesOnce(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	adm, err := f.gate.Admit(ctx, scribegate.AdmitRequest{})
	require.NoError(t, err)
	require.NoError(t, adm.Release(ctx))
	require.NoError(t, adm.Commit(ctx))

	sess, err := f.limiter.Session(ctx, adm.IdentityID)
	require.NoError(t, err)
	assert.Equal(t, 0, sess.Count)
	assert.Equal(t, 0, sess.Pending)
}

func TestGate_Transcribe_CommitsOnSuccess(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	res, err := f.gate.Transcribe(ctx, scribegate.AdmitRequest{}, audio())
	require.NoError(t, err)
	assert.Equal(t, "<score/>", res.MusicXML)
	assert.False(t, res.Pro)
	assert.Equal(t, 1, res.Decision.Remaining)

	_, err = f.gate.Transcribe(ctx, scribegate.AdmitRequest{IdentityToken: res.IdentityID}, audio())
	assert.ErrorIs(t, err, scribegate.ErrRateLimitExceeded)
	assert.Len(t, f.transcriber.files, 1)
}

func TestGate_Transcribe_ReleasesOnFailure(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	f.transcriber.err = errors.New("worker crashed")

	identity, err := scribegate.NewIdentity()
	require.NoError(t, err)

	_, err = f.gate.Transcribe(ctx, scribegate.AdmitRequest{IdentityToken: identity}, audio())
	assert.ErrorIs(t, err, scribegate.ErrTranscription)

	f.transcriber.err = nil
	res, err := f.gate.Transcribe(ctx, scribegate.AdmitRequest{IdentityToken: identity}, audio())
	require.NoError(t, err)
	assert.Equal(t, identity, res.IdentityID)
}

func TestGate_Transcribe_ValidatesUpload(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		upload *scribegate.Upload
	}{
		{"missing", nil},
		{"empty", &scribegate.Upload{Filename: "a.wav", ContentType: "audio/wav"}},
		{"no filename", &scribegate.Upload{ContentType: "audio/wav", Data: []byte("x")}},
		{"not audio", &scribegate.Upload{Filename: "a.txt", ContentType: "text/plain", Data: []byte("x")}},
		{"too large", &scribegate.Upload{Filename: "a.wav", ContentType: "audio/wav", Data: make([]byte, scribegate.MaxUploadSize+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.gate.Transcribe(ctx, scribegate.AdmitRequest{}, tt.upload)
			assert.ErrorIs(t, err, scribegate.ErrUploadValidation)
		})
	}
	assert.Empty(t, f.transcriber.files)
}

func TestGate_TranscribeRemote(t *testing.T) {
	f := newGateFixture(t, "auth0|pro")
	ctx := context.Background()

	_, err := f.gate.TranscribeRemote(ctx, "auth0|pro", " ")
	assert.ErrorIs(t, err, scribegate.ErrUploadValidation)

	_, err = f.gate.TranscribeRemote(ctx, "auth0|free", "https://youtu.be/x")
	assert.ErrorIs(t, err, scribegate.ErrNotEntitled)

	_, err = f.gate.TranscribeRemote(ctx, "", "https://youtu.be/x")
	assert.ErrorIs(t, err, scribegate.ErrNotEntitled)

	res, err := f.gate.TranscribeRemote(ctx, "auth0|pro", "https://youtu.be/x")
	require.NoError(t, err)
	assert.Equal(t, "<score/>", res.MusicXML)
	assert.Equal(t, []string{"https://youtu.be/x"}, f.transcriber.urls)

	f.entitlements.SetHook(func(string, string) error { return errors.New("provider down") })
	_, err = f.gate.TranscribeRemote(ctx, "auth0|pro", "https://youtu.be/x")
	assert.ErrorIs(t, err, scribegate.ErrEntitlementCheck)
}

func TestRateLimitExceededError_RetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	err := &scribegate.RateLimitExceededError{Limit: 1, ResetAt: now.Add(time.Hour)}

	assert.Equal(t, time.Hour, err.RetryAfter(now))
	assert.Equal(t, time.Duration(0), err.RetryAfter(now.Add(2*time.Hour)))
	assert.Contains(t, err.Error(), "2026-01-01T01:00:00Z")
}
