package synth

import (
	"context"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
	delay      time.Duration
}

// NewMockSynth returns a synthesizer that produces silence sized to a rough
// reading speed, for development without a speech engine installed.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, delay: 10 * time.Millisecond}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case <-time.After(m.delay):
	}
	// ~80ms of silence per word keeps mock playback plausibly paced.
	words := 1
	for _, r := range req.Text {
		if r == ' ' {
			words++
		}
	}
	samples := m.sampleRate * words * 80 / 1000
	return Audio{
		PCM:        make([]byte, samples*2*m.channels),
		SampleRate: m.sampleRate,
		Channels:   m.channels,
	}, nil
}
