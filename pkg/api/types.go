package api

// TranscriptionResponse is the body of a successful transcription
type TranscriptionResponse struct {
	MusicXML string `json:"mxml"`
	MIDI     string `json:"midi"` // base64
}

// ErrorResponse is the body of every failed gateway request
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// HealthResponse is the body of /healthz
type HealthResponse struct {
	Status string `json:"status"`
}
