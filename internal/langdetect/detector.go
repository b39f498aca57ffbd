package langdetect

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/lovanote/internal/apperr"
	"github.com/loqalabs/lovanote/internal/audio"
	"github.com/loqalabs/lovanote/internal/stt"
)

// Result is the detector outcome. Confidence is the raw top-class
// probability even when Code was replaced by Default.
type Result struct {
	Code       Code
	Confidence float64
	// Raw is the classifier's own top code before the supported-set policy.
	Raw string
}

// Select applies the policy to a raw distribution: argmax with the first
// entry winning ties, and unsupported winners replaced by Default.
func Select(dist []stt.LanguageProb) (Result, error) {
	if len(dist) == 0 {
		return Result{}, errors.New("empty language distribution")
	}
	best := 0
	for i := 1; i < len(dist); i++ {
		if dist[i].Probability > dist[best].Probability {
			best = i
		}
	}
	top := dist[best]
	code := Code(top.Code)
	if !Supported(top.Code) {
		code = Default
	}
	return Result{Code: code, Confidence: top.Probability, Raw: top.Code}, nil
}

// Window returns exactly size samples from the start of samples, padding
// with silence when the input is shorter.
func Window(samples []float32, size int) []float32 {
	out := make([]float32, size)
	copy(out, samples)
	return out
}

// Detector runs the classifier over the leading window of normalized audio.
type Detector struct {
	models *stt.Transcriber
	window time.Duration
	log    *slog.Logger
}

func NewDetector(models *stt.Transcriber, window time.Duration, log *slog.Logger) *Detector {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Detector{models: models, window: window, log: log.With(slog.String("component", "langdetect"))}
}

func (d *Detector) Detect(ctx context.Context, in audio.Normalized, size stt.ModelSize) (Result, error) {
	model, err := d.models.Model(ctx, size)
	if err != nil {
		return Result{}, err
	}
	if timeout := d.models.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	n := int(d.window.Seconds() * float64(in.SampleRate))
	dist, err := model.DetectLanguage(ctx, Window(in.Samples, n))
	if err != nil {
		return Result{}, apperr.External("detect language", apperr.ErrDecode, err)
	}
	res, err := Select(dist)
	if err != nil {
		return Result{}, apperr.External("detect language", apperr.ErrDecode, err)
	}
	if res.Raw != string(res.Code) {
		d.log.Warn("detected unsupported language, using default",
			slog.String("detected", res.Raw),
			slog.String("default", string(Default)),
			slog.Float64("confidence", res.Confidence))
	}
	return res, nil
}
