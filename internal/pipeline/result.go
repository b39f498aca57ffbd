package pipeline

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/loqalabs/lovanote/internal/apperr"
	"github.com/loqalabs/lovanote/internal/langdetect"
)

// TimestampLayout is the server-local timestamp format of a Result.
const TimestampLayout = "2006-01-02 15:04:05"

// Result is one finished transcription. It is never mutated after Assemble.
type Result struct {
	Text         string   `json:"text"`
	Language     string   `json:"language"`
	LanguageName string   `json:"language_name"`
	Confidence   *float64 `json:"confidence"`
	AccuracyRate float64  `json:"accuracy_rate"`
	Duration     float64  `json:"duration"`
	Timestamp    string   `json:"timestamp"`
	AudioPath    string   `json:"audio_path"`
	// Degraded marks text produced by the filler fallback instead of the cleanup service.
	Degraded  bool   `json:"degraded"`
	ModelSize string `json:"model_size,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Fields are the Assemble inputs. Confidence is nil when the caller named
// the language explicitly.
type Fields struct {
	Text       string
	Language   string
	Confidence *float64
	Duration   time.Duration
	AudioPath  string
	Degraded   bool
	ModelSize  string
	RequestID  string
	// At defaults to time.Now.
	At time.Time
}

// Assemble builds a Result. A missing language or audio path is a caller
// error reported as ErrMissingField. Empty text is a valid transcript of
// audio without speech.
func Assemble(f Fields) (Result, error) {
	var missing []string
	if f.Language == "" {
		missing = append(missing, "language")
	}
	if f.AudioPath == "" {
		missing = append(missing, "audio_path")
	}
	if len(missing) > 0 {
		return Result{}, apperr.Invalid("assemble", apperr.ErrMissingField, errors.New(strings.Join(missing, ", ")))
	}

	at := f.At
	if at.IsZero() {
		at = time.Now()
	}
	return Result{
		Text:         f.Text,
		Language:     f.Language,
		LanguageName: langdetect.Name(f.Language),
		Confidence:   f.Confidence,
		AccuracyRate: AccuracyRate(f.Confidence),
		Duration:     math.Round(f.Duration.Seconds()*100) / 100,
		Timestamp:    at.Format(TimestampLayout),
		AudioPath:    f.AudioPath,
		Degraded:     f.Degraded,
		ModelSize:    f.ModelSize,
		RequestID:    f.RequestID,
	}, nil
}

// AccuracyRate is confidence scaled to a percentage, or 100 when the
// language was given rather than detected.
func AccuracyRate(confidence *float64) float64 {
	if confidence == nil {
		return 100.0
	}
	return *confidence * 100
}
