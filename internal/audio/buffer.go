// Package audio holds the canonical mono waveform used across the service and
// converts it to and from WAV containers.
package audio

import "time"

// Buffer is a mono waveform with samples normalized to roughly [-1, 1].
type Buffer struct {
	Samples    []float32
	SampleRate uint32
}

// Duration returns the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate == 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Len returns the number of samples.
func (b Buffer) Len() int { return len(b.Samples) }
