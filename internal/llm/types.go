package llm

import (
	"context"
	"fmt"
	"time"
)

// Message is one entry of a chat transcript sent to the model. Images carry
// base64-encoded attachment payloads for multimodal models.
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// Request describes one streamed chat completion.
type Request struct {
	Model       string
	Messages    []Message
	NumCtx      int
	Temperature float64
	TopP        float64
}

// Chunk represents streamed model output. The final chunk has Done set and
// carries token accounting for the whole exchange.
type Chunk struct {
	Content          string
	Done             bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable chat backend.
type Generator interface {
	// Stream sends the request and invokes consumer once per streamed chunk.
	// A non-nil consumer error aborts the stream and is returned as-is.
	Stream(ctx context.Context, req Request, consumer func(Chunk) error) error

	// ListModels reports the model names the backend can serve.
	ListModels(ctx context.Context) ([]string, error)
}

// RejectedParamError is returned when the backend refuses a request because
// of a specific sampling or context option. Callers may retry once without
// the named parameter.
type RejectedParamError struct {
	Param  string
	Detail string
}

func (e *RejectedParamError) Error() string {
	return fmt.Sprintf("model rejected parameter %q: %s", e.Param, e.Detail)
}
