package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	httpmw "github.com/mihaimyh/scribegate/middleware/http"
	"github.com/mihaimyh/scribegate/pkg/scribegate"
)

const (
	maxUserIDLen     = 255
	multipartMemory  = 32 << 20
	multipartSlack   = 1 << 20 // form boundaries and fields around the file
	formFieldFile    = "file"
	formFieldUserID  = "id"
	formFieldURL     = "url"
	detailTooLarge   = "File size must be less than 50MB"
	detailNoFile     = "No file uploaded"
	detailInternal   = "Internal server error"
	detailNotPro     = "A pro subscription is required"
	detailNoUserID   = "User id is required"
	detailURLMissing = "URL is required"
)

// Handler serves the gateway endpoints
type Handler struct {
	config Config
	logger scribegate.Logger
	router chi.Router
}

// NewHandler creates a new gateway handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &scribegate.NoopLogger{}
	}
	h := &Handler{config: config, logger: config.Logger}
	h.router = h.routes()
	return h, nil
}

// Router returns the chi router so callers can mount extra routes (e.g. /metrics).
func (h *Handler) Router() chi.Router {
	return h.router
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httpmw.TrustForwardedProto(h.config.TrustedProxies))
	r.Use(RequestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(CORS(h.config.FrontendOrigin))

	r.Get("/healthz", h.Healthz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/upload", h.Upload)
		r.Post("/upload-url", h.UploadURL)
		if h.config.Checkout != nil {
			r.Post("/create-checkout-session", h.CreateCheckoutSession)
		}
		if h.config.Webhook != nil {
			r.Handle("/webhook", h.config.Webhook)
		}
	})
	return r
}

// Healthz reports liveness
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Upload transcribes a multipart audio upload. Pro users (verified against the
// identity provider) are unlimited; everyone else draws on the free tier of the
// identity carried by the session cookie.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	gate := h.config.Gate
	r.Body = http.MaxBytesReader(w, r.Body, gate.MaxUploadSize()+multipartSlack)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusBadRequest, detailTooLarge)
			return
		}
		h.writeError(w, http.StatusBadRequest, detailNoFile)
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	upload, err := readUpload(r, gate.MaxUploadSize())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := httpmw.AdmitRequestFrom(r, h.userID, httpmw.ProHintFromHeader(httpmw.HeaderUserIsPro))
	res, err := gate.Transcribe(r.Context(), req, upload)
	if err != nil {
		h.handleTranscribeError(w, r, err)
		return
	}

	if !res.Pro {
		httpmw.SetSessionCookie(w, r, res.IdentityID)
	}
	h.writeResult(w, res.Result)
}

// UploadURL transcribes remote media for pro users.
func (h *Handler) UploadURL(w http.ResponseWriter, r *http.Request) {
	mediaURL := strings.TrimSpace(r.FormValue(formFieldURL))
	if mediaURL == "" {
		h.writeError(w, http.StatusBadRequest, detailURLMissing)
		return
	}

	res, err := h.config.Gate.TranscribeRemote(r.Context(), h.userID(r), mediaURL)
	switch {
	case err == nil:
		h.writeResult(w, res)
	case errors.Is(err, scribegate.ErrUploadValidation):
		h.writeError(w, http.StatusBadRequest, detailURLMissing)
	case errors.Is(err, scribegate.ErrNotEntitled):
		h.writeError(w, http.StatusForbidden, detailNotPro)
	default:
		h.logger.Error("remote transcription failed",
			scribegate.Field{Key: "requestId", Value: RequestIDFromContext(r.Context())},
			scribegate.Field{Key: "error", Value: err},
		)
		h.writeError(w, http.StatusInternalServerError, detailInternal)
	}
}

// CreateCheckoutSession redirects the user to the hosted checkout page.
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(r)
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, detailNoUserID)
		return
	}

	url, err := h.config.Checkout.CheckoutURL(r.Context(), userID)
	if err != nil {
		if errors.Is(err, scribegate.ErrValidation) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("checkout session failed",
			scribegate.Field{Key: "requestId", Value: RequestIDFromContext(r.Context())},
			scribegate.Field{Key: "error", Value: err},
		)
		h.writeError(w, http.StatusInternalServerError, detailInternal)
		return
	}
	http.Redirect(w, r, url, http.StatusSeeOther)
}

func (h *Handler) handleTranscribeError(w http.ResponseWriter, r *http.Request, err error) {
	var limited *scribegate.RateLimitExceededError
	switch {
	case errors.As(err, &limited):
		httpmw.SetSessionCookie(w, r, limited.IdentityID)
		httpmw.WriteRateLimited(w, limited, time.Now())
	case errors.Is(err, scribegate.ErrUploadValidation):
		h.writeError(w, http.StatusBadRequest, uploadDetail(err))
	default:
		h.logger.Error("transcription failed",
			scribegate.Field{Key: "requestId", Value: RequestIDFromContext(r.Context())},
			scribegate.Field{Key: "error", Value: err},
		)
		h.writeError(w, http.StatusInternalServerError, detailInternal)
	}
}

// userID reads the identity provider user id from the User-Id header or the
// "id" form field.
func (h *Handler) userID(r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(httpmw.HeaderUserID))
	if id == "" {
		id = strings.TrimSpace(r.FormValue(formFieldUserID))
	}
	if len(id) > maxUserIDLen {
		return ""
	}
	return id
}

func readUpload(r *http.Request, maxSize int64) (*scribegate.Upload, error) {
	file, header, err := r.FormFile(formFieldFile)
	if err != nil {
		return nil, errors.New(detailNoFile)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		return nil, errors.New(detailNoFile)
	}
	return &scribegate.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func uploadDetail(err error) string {
	msg := strings.TrimPrefix(err.Error(), scribegate.ErrUploadValidation.Error()+": ")
	if msg == "" {
		return err.Error()
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}

func (h *Handler) writeResult(w http.ResponseWriter, res *scribegate.Result) {
	h.writeJSON(w, http.StatusOK, TranscriptionResponse{
		MusicXML: res.MusicXML,
		MIDI:     base64.StdEncoding.EncodeToString(res.MIDI),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, detail string) {
	h.writeJSON(w, status, ErrorResponse{Detail: detail})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write response", scribegate.Field{Key: "error", Value: err})
	}
}
