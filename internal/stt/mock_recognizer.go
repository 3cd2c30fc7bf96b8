package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, wavData []byte, _ string) (TranscriptResult, error) {
	return TranscriptResult{
		Text:       fmt.Sprintf("[mock transcript of %d bytes]", len(wavData)),
		Confidence: 0,
	}, nil
}
