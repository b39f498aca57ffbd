package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// execGenerator hands a cleanup prompt to a local command. The command reads
// one JSON object on stdin and answers either with {"content": ...} or with
// the cleaned text as plain stdout.
type execGenerator struct {
	argv []string
}

type execInput struct {
	RequestID   string  `json:"request_id,omitempty"`
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`
}

type execOutput struct {
	Content          *string `json:"content"`
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
}

func NewExecGenerator(command string) (Generator, error) {
	argv, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse cleaner command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("cleaner command empty")
	}
	return &execGenerator{argv: argv}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	input, err := json.Marshal(execInput{
		RequestID:   req.RequestID,
		Prompt:      req.Prompt,
		System:      req.System,
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.argv[0], g.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("cleaner command %s: %w: %s", g.argv[0], err, msg)
		}
		return fmt.Errorf("cleaner command %s: %w", g.argv[0], err)
	}

	chunk := Chunk{RequestID: req.RequestID}
	var out execOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err == nil && out.Content != nil {
		chunk.Content = *out.Content
		chunk.PromptTokens = out.PromptTokens
		chunk.CompletionTokens = out.CompletionTokens
	} else {
		chunk.Content = strings.TrimRight(stdout.String(), "\r\n")
	}
	if strings.TrimSpace(chunk.Content) == "" {
		return fmt.Errorf("cleaner command %s produced no output", g.argv[0])
	}
	return consumer(chunk)
}
