package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/loqalabs/lovanote/internal/audio"
	"github.com/mattn/go-shellwords"
)

// ExecLoader drives an external helper process. The helper receives
// --audio <wav> --model <size> [--model-dir <dir>] and either --detect or
// --language <code>, and prints one JSON object on stdout.
type ExecLoader struct {
	cmd      []string
	modelDir string
}

type execTranscript struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

type execDetection struct {
	Languages []LanguageProb `json:"languages"`
}

func NewExecLoader(command, modelDir string) (*ExecLoader, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &ExecLoader{cmd: args, modelDir: modelDir}, nil
}

func (l *ExecLoader) Load(_ context.Context, size ModelSize) (Model, error) {
	if _, err := exec.LookPath(l.cmd[0]); err != nil {
		return nil, fmt.Errorf("stt helper %q: %w", l.cmd[0], err)
	}
	return &execModel{cmd: l.cmd, size: size, modelDir: l.modelDir}, nil
}

type execModel struct {
	cmd      []string
	size     ModelSize
	modelDir string
}

func (m *execModel) Size() ModelSize { return m.size }

func (m *execModel) DetectLanguage(ctx context.Context, samples []float32) ([]LanguageProb, error) {
	var resp execDetection
	if err := m.run(ctx, samples, []string{"--detect"}, &resp); err != nil {
		return nil, err
	}
	return resp.Languages, nil
}

func (m *execModel) Transcribe(ctx context.Context, samples []float32, language string) (Transcript, error) {
	var extra []string
	if language != "" {
		extra = append(extra, "--language", language)
	}
	var resp execTranscript
	if err := m.run(ctx, samples, extra, &resp); err != nil {
		return Transcript{}, err
	}
	if resp.Language == "" {
		resp.Language = language
	}
	return Transcript{Text: resp.Text, Language: resp.Language, Confidence: resp.Confidence}, nil
}

func (m *execModel) run(ctx context.Context, samples []float32, extra []string, out any) error {
	dir, err := os.MkdirTemp("", "lovanote_stt_*")
	if err != nil {
		return fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	wavPath := filepath.Join(dir, "input.wav")
	if err := audio.WriteWAV(wavPath, samples, audio.TargetSampleRate); err != nil {
		return err
	}

	cmdArgs := append([]string{}, m.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", wavPath, "--model", string(m.size))
	if m.modelDir != "" {
		cmdArgs = append(cmdArgs, "--model-dir", m.modelDir)
	}
	cmdArgs = append(cmdArgs, extra...)

	command := exec.CommandContext(ctx, m.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}
	if err := json.Unmarshal(stdout.Bytes(), out); err != nil {
		return fmt.Errorf("decode stt response: %w", err)
	}
	return nil
}

func (m *execModel) Close() error { return nil }
