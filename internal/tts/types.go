package tts

import "github.com/loqalabs/loqa-tts/internal/audio"

// Job is one synthesis request travelling from a handler to the worker.
// The worker sends at most once on reply and then closes it.
type Job struct {
	RequestID string
	Text      string
	reply     chan<- audio.Buffer
}

// State is the worker's position in its Idle/Inferring cycle.
type State int32

const (
	StateIdle State = iota
	StateInferring
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInferring:
		return "inferring"
	}
	return "unknown"
}
