package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
)

const mockSamplesPerRune = 800

type mockEngine struct {
	sampleRate int
	speakers   map[string]Speaker
}

// NewMock returns an engine that renders a short tone per input character.
func NewMock(sampleRate int) Engine {
	return &mockEngine{sampleRate: sampleRate, speakers: make(map[string]Speaker)}
}

func (m *mockEngine) CreateSpeaker(_ context.Context, spk Speaker) error {
	if spk.Name == "" {
		return fmt.Errorf("speaker name is empty")
	}
	m.speakers[spk.Name] = spk
	return nil
}

func (m *mockEngine) Infer(ctx context.Context, speaker, text string) ([]float32, error) {
	if _, ok := m.speakers[speaker]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSpeaker, speaker)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("text is empty")
	}

	runes := []rune(text)
	samples := make([]float32, 0, len(runes)*mockSamplesPerRune)
	for _, r := range runes {
		freq := 200 + float64(r%64)*10
		for i := 0; i < mockSamplesPerRune; i++ {
			v := 0.3 * math.Sin(2*math.Pi*freq*float64(i)/float64(m.sampleRate))
			samples = append(samples, float32(v))
		}
	}
	return samples, nil
}

func (m *mockEngine) SampleRate() int { return m.sampleRate }

func (m *mockEngine) Close() error { return nil }
