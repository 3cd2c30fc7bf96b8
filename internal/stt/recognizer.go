package stt

import (
	"context"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts speech-to-text backends. The audio payload is a
// complete WAV file, not raw PCM.
type Recognizer interface {
	Transcribe(ctx context.Context, wavData []byte, language string) (TranscriptResult, error)
}
