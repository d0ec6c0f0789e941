// Package engine defines the contract of the speech inference backend.
// Implementations are synchronous and must not be called concurrently; the
// tts worker is their only caller.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/config"
)

var ErrUnknownSpeaker = errors.New("unknown speaker")

// Speaker describes the voice profile registered once at startup.
type Speaker struct {
	Name      string
	ModelPath string
	RefAudio  audio.Buffer
	RefText   string
}

// Engine is the contract for producing audio.
type Engine interface {
	CreateSpeaker(ctx context.Context, spk Speaker) error
	Infer(ctx context.Context, speaker, text string) ([]float32, error)
	SampleRate() int
	Close() error
}

// New builds the engine selected by cfg.Mode.
func New(cfg config.EngineConfig) (Engine, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMock(cfg.SampleRate), nil
	case "exec":
		return NewExec(cfg.Command, cfg.SampleRate)
	}
	return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
}
