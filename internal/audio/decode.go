package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Decoder turns an audio file into PCM at its source rate and channel layout.
type Decoder interface {
	Decode(ctx context.Context, path string) (PCM, error)
}

// WavDecoder reads PCM WAV files directly.
type WavDecoder struct{}

func (WavDecoder) Decode(_ context.Context, path string) (PCM, error) {
	return ReadWAV(path)
}

// FFmpegDecoder converts any container ffmpeg understands into a temporary WAV.
type FFmpegDecoder struct {
	Binary string
}

func (d FFmpegDecoder) Decode(ctx context.Context, path string) (PCM, error) {
	binary := d.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	tmpFile, err := os.CreateTemp("", "lovanote-decode-*.wav")
	if err != nil {
		return PCM{}, fmt.Errorf("temp file: %w", err)
	}
	tmpFile.Close()
	defer os.Remove(tmpFile.Name())

	cmd := exec.CommandContext(ctx, binary,
		"-hide_banner",
		"-loglevel", "error",
		"-i", path,
		"-vn",
		"-acodec", "pcm_s16le",
		"-y",
		tmpFile.Name(),
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return PCM{}, fmt.Errorf("ffmpeg: %s: %w", strings.TrimSpace(string(output)), err)
	}
	return ReadWAV(tmpFile.Name())
}

// AutoDecoder reads WAV natively and hands everything else to ffmpeg.
// Files are recognised by their RIFF header, not their extension.
type AutoDecoder struct {
	FFmpeg FFmpegDecoder
}

func (d AutoDecoder) Decode(ctx context.Context, path string) (PCM, error) {
	if isWAV(path) {
		pcm, err := ReadWAV(path)
		if err == nil {
			return pcm, nil
		}
		// compressed or float WAV variants fall through to ffmpeg
	}
	return d.FFmpeg.Decode(ctx, path)
}

func isWAV(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var head [12]byte
	if _, err := io.ReadFull(f, head[:]); err != nil {
		return false
	}
	return bytes.Equal(head[0:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE"))
}
