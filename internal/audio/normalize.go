package audio

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"

	"github.com/loqalabs/lovanote/internal/apperr"
)

// PreprocessedSuffix is appended to the input base name for normalizer output.
const PreprocessedSuffix = "_preprocessed.wav"

// Normalizer produces NormalizedAudio from arbitrary input.
type Normalizer struct {
	decoder    Decoder
	sampleRate int
	log        *slog.Logger
}

func NewNormalizer(decoder Decoder, sampleRate int, log *slog.Logger) *Normalizer {
	if sampleRate <= 0 {
		sampleRate = TargetSampleRate
	}
	return &Normalizer{decoder: decoder, sampleRate: sampleRate, log: log.With(slog.String("component", "normalizer"))}
}

// Normalize decodes, downmixes, resamples and peak-normalizes the asset and
// writes the result beside the input. The input file is not modified.
func (n *Normalizer) Normalize(ctx context.Context, asset Asset) (Normalized, error) {
	pcm, err := n.decoder.Decode(ctx, asset.Path)
	if err != nil {
		return Normalized{}, apperr.Invalid("normalize", apperr.ErrDecode, err)
	}
	if pcm.Frames() == 0 || pcm.SampleRate <= 0 {
		return Normalized{}, apperr.Invalid("normalize", apperr.ErrDecode, fmt.Errorf("no samples in %s", filepath.Base(asset.Path)))
	}

	samples := Mix(pcm.Channels)
	samples = Resample(samples, pcm.SampleRate, n.sampleRate)
	samples, err = PeakNormalize(samples)
	if err != nil {
		return Normalized{}, apperr.Invalid("normalize", apperr.ErrSilentAudio, nil)
	}

	out := DerivedPath(asset.Path)
	if err := WriteWAV(out, samples, n.sampleRate); err != nil {
		return Normalized{}, fmt.Errorf("write normalized audio: %w", err)
	}
	derived, err := Stat(out, asset.OriginalName)
	if err != nil {
		return Normalized{}, err
	}

	n.log.Debug("audio normalized",
		slog.String("source", asset.Path),
		slog.Int("source_rate", pcm.SampleRate),
		slog.Int("source_channels", len(pcm.Channels)),
		slog.Int("samples", len(samples)))

	return Normalized{Asset: derived, Source: asset, SampleRate: n.sampleRate, Samples: samples}, nil
}

// DerivedPath is the normalizer output location for an input path.
func DerivedPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + PreprocessedSuffix
}

// Mix averages all channels into one.
func Mix(channels [][]float32) []float32 {
	if len(channels) == 0 {
		return nil
	}
	if len(channels) == 1 {
		return append([]float32(nil), channels[0]...)
	}
	frames := len(channels[0])
	out := make([]float32, frames)
	inv := 1 / float64(len(channels))
	for i := 0; i < frames; i++ {
		var sum float64
		for _, ch := range channels {
			if i < len(ch) {
				sum += float64(ch[i])
			}
		}
		out[i] = float32(sum * inv)
	}
	return out
}

// Resample converts samples from one rate to another by linear interpolation.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}
	ratio := float64(from) / float64(to)
	n := int(math.Round(float64(len(samples)) * float64(to) / float64(from)))
	out := make([]float32, n)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx] + (samples[idx+1]-samples[idx])*frac
	}
	return out
}

// PeakNormalize scales samples so the largest magnitude is exactly 1.
// Silent input is rejected instead of producing NaN samples.
func PeakNormalize(samples []float32) ([]float32, error) {
	var peak float32
	for _, s := range samples {
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return nil, apperr.ErrSilentAudio
	}
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = s / peak
	}
	return out, nil
}
