package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	reply string
}

// NewMockGenerator streams a canned reply word by word, useful when no
// Ollama server is reachable.
func NewMockGenerator(reply string) Generator {
	if reply == "" {
		reply = "This is a mock reply. The language model backend is not configured."
	}
	return &mockGenerator{reply: reply}
}

func (m *mockGenerator) Stream(ctx context.Context, req Request, consumer func(Chunk) error) error {
	words := strings.Fields(m.reply)
	start := time.Now()
	for i, w := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
		content := w
		if i < len(words)-1 {
			content += " "
		}
		if err := consumer(Chunk{Content: content, Latency: time.Since(start)}); err != nil {
			return err
		}
	}
	return consumer(Chunk{
		Done:             true,
		PromptTokens:     len(req.Messages) * 8,
		CompletionTokens: len(words),
		Latency:          time.Since(start),
	})
}

func (m *mockGenerator) ListModels(ctx context.Context) ([]string, error) {
	return []string{"mock"}, nil
}
