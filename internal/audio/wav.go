package audio

import (
	"errors"
	"fmt"
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ReadWAV decodes a PCM WAV file into per-channel float samples in [-1, 1].
func ReadWAV(path string) (PCM, error) {
	f, err := os.Open(path)
	if err != nil {
		return PCM{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return PCM{}, errors.New("not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return PCM{}, fmt.Errorf("decode wav: %w", err)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		return PCM{}, errors.New("wav has no channels")
	}
	bitDepth := int(dec.BitDepth)
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(math.Pow(2, float64(bitDepth-1)))

	frames := len(buf.Data) / channels
	out := PCM{Channels: make([][]float32, channels), SampleRate: int(dec.SampleRate)}
	for c := range out.Channels {
		out.Channels[c] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			out.Channels[c][i] = float32(buf.Data[i*channels+c]) / scale
		}
	}
	return out, nil
}

// WriteWAV encodes mono float samples as 16-bit PCM.
func WriteWAV(path string, samples []float32, sampleRate int) error {
	return WritePCM(path, PCM{Channels: [][]float32{samples}, SampleRate: sampleRate})
}

// WritePCM encodes multi-channel float samples as interleaved 16-bit PCM.
func WritePCM(path string, pcm PCM) error {
	channels := len(pcm.Channels)
	if channels == 0 {
		return errors.New("no channels to write")
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer file.Close()

	frames := pcm.Frames()
	data := make([]int, frames*channels)
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			data[i*channels+c] = toInt16(pcm.Channels[c][i])
		}
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: pcm.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}

	enc := wav.NewEncoder(file, pcm.SampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

func toInt16(v float32) int {
	s := math.Round(float64(v) * 32767)
	if s > 32767 {
		return 32767
	}
	if s < -32768 {
		return -32768
	}
	return int(s)
}
