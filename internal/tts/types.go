package tts

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	JobID string
	Text  string
	Voice string
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	JobID      string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.SynthConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return nil, fmt.Errorf("unknown synth mode %q", cfg.Mode)
	}
}
