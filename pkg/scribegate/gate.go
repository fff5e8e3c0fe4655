package scribegate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MaxUploadSize is the largest audio file accepted for transcription (50 MiB)
const MaxUploadSize = 50 << 20

// GateConfig wires the gate to its collaborators.
type GateConfig struct {
	Limiter      *RateLimiter
	Entitlements EntitlementStore
	Transcriber  Transcriber

	// MaxUploadSize overrides the upload size cap (default: 50 MiB)
	MaxUploadSize int64

	Logger  Logger
	Metrics Metrics
}

// Gate admits transcription requests: pro users pass, everyone else draws on the
// free tier of their anonymous identity.
type Gate struct {
	limiter      *RateLimiter
	entitlements EntitlementStore
	transcriber  Transcriber
	maxUpload    int64
	logger       Logger
	metrics      Metrics
}

// NewGate creates a gate.
func NewGate(config GateConfig) (*Gate, error) {
	if config.Limiter == nil {
		return nil, fmt.Errorf("%w: rate limiter is required", ErrConfig)
	}
	if config.Entitlements == nil {
		return nil, fmt.Errorf("%w: entitlement store is required", ErrConfig)
	}
	if config.MaxUploadSize <= 0 {
		config.MaxUploadSize = MaxUploadSize
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	return &Gate{
		limiter:      config.Limiter,
		entitlements: config.Entitlements,
		transcriber:  config.Transcriber,
		maxUpload:    config.MaxUploadSize,
		logger:       config.Logger,
		metrics:      config.Metrics,
	}, nil
}

// Limiter returns the free-tier rate limiter.
func (g *Gate) Limiter() *RateLimiter {
	return g.limiter
}

// MaxUploadSize returns the upload size cap in bytes.
func (g *Gate) MaxUploadSize() int64 {
	return g.maxUpload
}

// AdmitRequest describes the caller of a gated request.
type AdmitRequest struct {
	// UserID is the identity provider user id, if the caller is signed in
	UserID string

	// ClaimsPro is the client's hint that the user is pro. It is verified against
	// the entitlement store before it has any effect.
	ClaimsPro bool

	// IdentityToken is the anonymous identity presented by the client, possibly empty
	IdentityToken string
}

// Admission is an admitted request. Exactly one of Commit or Release should be called
// once the request finished; later calls are no-ops.
type Admission struct {
	Pro        bool
	UserID     string
	IdentityID string
	Decision   Decision

	limiter *RateLimiter
	once    sync.Once
}

// Commit counts the request against the free tier.
func (a *Admission) Commit(ctx context.Context) error {
	if a == nil || a.Pro {
		return nil
	}
	var err error
	a.once.Do(func() {
		err = a.limiter.Commit(ctx, a.IdentityID, a.Decision)
	})
	return err
}

// Release returns the reserved slot without counting the request.
func (a *Admission) Release(ctx context.Context) error {
	if a == nil || a.Pro {
		return nil
	}
	var err error
	a.once.Do(func() {
		err = a.limiter.Release(ctx, a.IdentityID, a.Decision)
	})
	return err
}

// Admit decides whether the request may proceed. A denied request returns a
// *RateLimitExceededError carrying the identity and its reset time.
func (g *Gate) Admit(ctx context.Context, req AdmitRequest) (*Admission, error) {
	if req.ClaimsPro && req.UserID != "" {
		pro, err := g.entitlements.HasRole(ctx, req.UserID)
		switch {
		case err != nil:
			g.metrics.RecordEntitlementCheck("error")
			g.logger.Warn("entitlement check failed, applying free tier",
				Field{"userId", req.UserID},
				Field{"error", err},
			)
		case pro:
			g.metrics.RecordEntitlementCheck("pro")
			g.metrics.RecordAdmission("pro")
			return &Admission{Pro: true, UserID: req.UserID}, nil
		default:
			g.metrics.RecordEntitlementCheck("free")
		}
	}

	identity, err := g.limiter.ResolveIdentity(req.IdentityToken)
	if err != nil {
		return nil, err
	}
	decision, err := g.limiter.CheckAndReserve(ctx, identity)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, &RateLimitExceededError{
			IdentityID: identity,
			Limit:      decision.Limit,
			ResetAt:    decision.ResetAt,
		}
	}
	return &Admission{
		UserID:     req.UserID,
		IdentityID: identity,
		Decision:   decision,
		limiter:    g.limiter,
	}, nil
}

// Upload is an audio file submitted for transcription.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ValidateUpload checks that u is a non-empty, named audio file within the size cap.
func (g *Gate) ValidateUpload(u *Upload) error {
	if u == nil || len(u.Data) == 0 {
		return fmt.Errorf("%w: no file uploaded", ErrUploadValidation)
	}
	if strings.TrimSpace(u.Filename) == "" {
		return fmt.Errorf("%w: filename is required", ErrUploadValidation)
	}
	if !strings.HasPrefix(strings.ToLower(u.ContentType), "audio/") {
		return fmt.Errorf("%w: file must be an audio file", ErrUploadValidation)
	}
	if int64(len(u.Data)) > g.maxUpload {
		return fmt.Errorf("%w: file exceeds %d bytes", ErrUploadValidation, g.maxUpload)
	}
	return nil
}

// Transcription is the outcome of a gated transcription.
type Transcription struct {
	*Result
	Pro        bool
	IdentityID string
	Decision   Decision
}

// Transcribe validates the upload, admits the caller and runs the transcription.
// Free-tier usage is committed only when the transcription succeeds.
func (g *Gate) Transcribe(ctx context.Context, req AdmitRequest, upload *Upload) (*Transcription, error) {
	if g.transcriber == nil {
		return nil, fmt.Errorf("%w: no transcriber configured", ErrTranscription)
	}
	if err := g.ValidateUpload(upload); err != nil {
		return nil, err
	}

	adm, err := g.Admit(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := g.transcriber.ProcessAudio(ctx, upload.Filename, upload.Data)
	g.metrics.RecordTranscription("file", time.Since(start), err)
	if err != nil {
		if rerr := adm.Release(context.WithoutCancel(ctx)); rerr != nil {
			g.logger.Error("failed to release free tier reservation", Field{"error", rerr})
		}
		return nil, wrapTranscription(err)
	}

	if cerr := adm.Commit(context.WithoutCancel(ctx)); cerr != nil {
		g.logger.Error("failed to commit free tier usage",
			Field{"identity", redact(adm.IdentityID)},
			Field{"error", cerr},
		)
	}
	return &Transcription{
		Result:     res,
		Pro:        adm.Pro,
		IdentityID: adm.IdentityID,
		Decision:   adm.Decision,
	}, nil
}

// TranscribeRemote transcribes media behind a URL. It is available to pro users only.
func (g *Gate) TranscribeRemote(ctx context.Context, userID, mediaURL string) (*Result, error) {
	if g.transcriber == nil {
		return nil, fmt.Errorf("%w: no transcriber configured", ErrTranscription)
	}
	if strings.TrimSpace(mediaURL) == "" {
		return nil, fmt.Errorf("%w: url is required", ErrUploadValidation)
	}
	if userID == "" {
		return nil, ErrNotEntitled
	}

	pro, err := g.entitlements.HasRole(ctx, userID)
	if err != nil {
		g.metrics.RecordEntitlementCheck("error")
		if errors.Is(err, ErrEntitlementCheck) || errors.Is(err, ErrUpstreamAuth) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrEntitlementCheck, err)
	}
	if !pro {
		g.metrics.RecordEntitlementCheck("free")
		return nil, ErrNotEntitled
	}
	g.metrics.RecordEntitlementCheck("pro")

	start := time.Now()
	res, err := g.transcriber.ProcessRemoteMedia(ctx, mediaURL)
	g.metrics.RecordTranscription("url", time.Since(start), err)
	if err != nil {
		return nil, wrapTranscription(err)
	}
	return res, nil
}

func wrapTranscription(err error) error {
	if errors.Is(err, ErrTranscription) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTranscription, err)
}
