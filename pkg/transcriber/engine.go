// Package transcriber is the HTTP client of the external transcription worker.
package transcriber

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/scribegate/pkg/scribegate"
)

// DefaultTimeout bounds one transcription round trip
const DefaultTimeout = 5 * time.Minute

const maxErrorBody = 1024

// Config holds configuration for the transcription engine client
type Config struct {
	// BaseURL of the worker, e.g. http://transcriber:9000
	BaseURL string

	// HTTPClient is optional (default: DefaultTimeout)
	HTTPClient *http.Client

	Logger scribegate.Logger
}

// Engine implements scribegate.Transcriber against the worker's
// /process and /process-url endpoints.
type Engine struct {
	baseURL    string
	httpClient *http.Client
	logger     scribegate.Logger
}

var _ scribegate.Transcriber = (*Engine)(nil)

// New creates a transcription engine client.
func New(config Config) (*Engine, error) {
	if strings.TrimSpace(config.BaseURL) == "" {
		return nil, fmt.Errorf("%w: transcriber URL is required", scribegate.ErrConfig)
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if config.Logger == nil {
		config.Logger = &scribegate.NoopLogger{}
	}
	return &Engine{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: config.HTTPClient,
		logger:     config.Logger,
	}, nil
}

type processResponse struct {
	MusicXML string `json:"mxml"`
	MIDI     string `json:"midi"`
}

// ProcessAudio uploads the audio as multipart field "file".
func (e *Engine) ProcessAudio(ctx context.Context, filename string, audio []byte) (*scribegate.Result, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}

	return e.post(ctx, "/process", mw.FormDataContentType(), &buf)
}

// ProcessRemoteMedia asks the worker to fetch and transcribe mediaURL.
func (e *Engine) ProcessRemoteMedia(ctx context.Context, mediaURL string) (*scribegate.Result, error) {
	body, err := json.Marshal(map[string]string{"url": mediaURL})
	if err != nil {
		return nil, err
	}
	return e.post(ctx, "/process-url", "application/json", bytes.NewReader(body))
}

func (e *Engine) post(ctx context.Context, path, contentType string, body io.Reader) (*scribegate.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	res, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", scribegate.ErrTranscription, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: %s: status %d, body: %s",
			scribegate.ErrTranscription, path, res.StatusCode, strings.TrimSpace(string(msg)))
	}

	var payload processResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: failed to parse response: %v", scribegate.ErrTranscription, err)
	}
	midi, err := base64.StdEncoding.DecodeString(payload.MIDI)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid midi encoding: %v", scribegate.ErrTranscription, err)
	}

	e.logger.Debug("transcription finished",
		scribegate.Field{"endpoint", path},
		scribegate.Field{"duration", time.Since(start)},
	)
	return &scribegate.Result{MusicXML: payload.MusicXML, MIDI: midi}, nil
}
