package synth

import "context"

// Request contains parameters to synthesize one sentence of speech.
type Request struct {
	Text     string
	Voice    string
	Speed    float64
	Language string
}

// Audio is the synthesized output for one sentence.
type Audio struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Synthesizer is the contract for producing audio. Calls are synchronous;
// the pipeline invokes them concurrently for pipelining.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Audio, error)
}
