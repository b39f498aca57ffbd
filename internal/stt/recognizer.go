package stt

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/lovanote/internal/apperr"
)

// ModelSize selects a pretrained weight set.
type ModelSize string

const (
	SizeTiny    ModelSize = "tiny"
	SizeBase    ModelSize = "base"
	SizeSmall   ModelSize = "small"
	SizeMedium  ModelSize = "medium"
	SizeLarge   ModelSize = "large"
	SizeLargeV3 ModelSize = "large-v3"
)

var knownSizes = []ModelSize{SizeTiny, SizeBase, SizeSmall, SizeMedium, SizeLarge, SizeLargeV3}

// Sizes lists the recognised model sizes, smallest first.
func Sizes() []ModelSize {
	return append([]ModelSize(nil), knownSizes...)
}

// ParseModelSize validates a size string. Empty input yields fallback.
func ParseModelSize(value string, fallback ModelSize) (ModelSize, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return fallback, nil
	}
	for _, s := range knownSizes {
		if string(s) == v {
			return s, nil
		}
	}
	return "", apperr.Invalid("model", apperr.ErrUnsupportedModel, fmt.Errorf("%q", value))
}

// LanguageProb is one entry of the classifier's raw vocabulary distribution.
type LanguageProb struct {
	Code        string  `json:"code"`
	Probability float64 `json:"probability"`
}

// Transcript captures recognizer output.
type Transcript struct {
	Text       string
	Language   string
	Confidence float64
}

// Model is a loaded speech model. Implementations must be safe for
// concurrent use since the cache shares one instance per size.
type Model interface {
	Size() ModelSize
	// DetectLanguage returns probabilities over the full classifier vocabulary
	// in vocabulary order.
	DetectLanguage(ctx context.Context, samples []float32) ([]LanguageProb, error)
	Transcribe(ctx context.Context, samples []float32, language string) (Transcript, error)
	Close() error
}

// Loader loads the weights for one model size.
type Loader interface {
	Load(ctx context.Context, size ModelSize) (Model, error)
}
