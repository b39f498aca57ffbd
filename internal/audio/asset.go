package audio

import (
	"fmt"
	"os"
	"time"
)

// TargetSampleRate is the rate every model call expects.
const TargetSampleRate = 16000

// Asset is a handle to audio bytes on local storage.
type Asset struct {
	Path         string
	OriginalName string
	Size         int64
}

// Stat builds an Asset for an existing file.
func Stat(path, originalName string) (Asset, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Asset{}, fmt.Errorf("stat audio: %w", err)
	}
	return Asset{Path: path, OriginalName: originalName, Size: info.Size()}, nil
}

// Normalized is a mono, TargetSampleRate, peak-normalized derivative of an Asset.
type Normalized struct {
	Asset
	Source     Asset
	SampleRate int
	Samples    []float32
}

// Duration reports the playback length of the normalized samples.
func (n Normalized) Duration() time.Duration {
	return SampleDuration(len(n.Samples), n.SampleRate)
}

// SampleDuration converts a sample count at rate into a duration.
func SampleDuration(samples, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(samples) / float64(rate) * float64(time.Second))
}

// PCM is decoded audio split by channel.
type PCM struct {
	Channels   [][]float32
	SampleRate int
}

// Frames returns the per-channel sample count.
func (p PCM) Frames() int {
	if len(p.Channels) == 0 {
		return 0
	}
	return len(p.Channels[0])
}
