package protocol

import (
	"encoding/json"
	"time"
)

// TranscriptionCompleted is broadcast on the bus after a request finishes.
type TranscriptionCompleted struct {
	RequestID    string    `json:"request_id"`
	Source       string    `json:"source"`
	AudioPath    string    `json:"audio_path"`
	Language     string    `json:"language"`
	Confidence   *float64  `json:"confidence,omitempty"`
	AccuracyRate float64   `json:"accuracy_rate"`
	Duration     float64   `json:"duration"`
	ModelSize    string    `json:"model_size"`
	Degraded     bool      `json:"degraded"`
	Chars        int       `json:"chars"`
	Timestamp    time.Time `json:"timestamp"`
}

// TranscriptionFailed is broadcast when a request ends in an error.
type TranscriptionFailed struct {
	RequestID string    `json:"request_id"`
	Source    string    `json:"source"`
	Stage     string    `json:"stage"`
	Kind      string    `json:"kind"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptionRequest asks a worker to transcribe stored or remote audio.
// Exactly one of Object and URL is set.
type TranscriptionRequest struct {
	Object    string `json:"object,omitempty"`
	URL       string `json:"url,omitempty"`
	Video     bool   `json:"video,omitempty"`
	Language  string `json:"lang,omitempty"`
	ModelSize string `json:"model_size,omitempty"`
}

// TranscriptionReply answers a TranscriptionRequest. Result holds the
// encoded transcription when Error is empty.
type TranscriptionReply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Kind   string          `json:"kind,omitempty"`
}

const (
	SubjectTranscriptionRequest   = "lovanote.transcription.request"
	SubjectTranscriptionCompleted = "lovanote.transcription.completed"
	SubjectTranscriptionFailed    = "lovanote.transcription.failed"
)
