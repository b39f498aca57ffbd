package llm

import (
	"context"
	"strings"
	"time"
)

// MockGenerator echoes the prompt's payload, or returns Err when set.
type MockGenerator struct {
	Reply string
	Err   error
	Delay time.Duration
}

func NewMockGenerator() Generator { return &MockGenerator{} }

func (m *MockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	if m.Err != nil {
		return m.Err
	}
	content := m.Reply
	if content == "" {
		// echo the text after the instruction line
		prompt := req.Prompt
		if i := strings.Index(prompt, "\n"); i >= 0 {
			prompt = prompt[i+1:]
		}
		content = strings.TrimSpace(prompt)
	}
	return consumer(Chunk{
		RequestID: req.RequestID,
		Content:   content,
		Latency:   m.Delay,
	})
}
