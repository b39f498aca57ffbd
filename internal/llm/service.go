package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/lovanote/internal/config"
)

// NewGenerator builds the configured backend. Mode "off" yields nil.
func NewGenerator(cfg config.CleanerConfig) (Generator, error) {
	switch cfg.Mode {
	case "openai":
		return NewOpenAIGenerator(cfg.APIKey, cfg.Endpoint, cfg.Model)
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "mock":
		return NewMockGenerator(), nil
	case "off", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}

// Collect runs req to completion and concatenates every chunk.
func Collect(ctx context.Context, gen Generator, req Request) (string, error) {
	var b strings.Builder
	err := gen.Generate(ctx, req, func(c Chunk) error {
		b.WriteString(c.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}
