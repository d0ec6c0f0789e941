package audio

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedSampleFormat = errors.New("unsupported sample format")
	ErrUnsupportedChannels     = errors.New("only mono audio is supported")
	ErrMalformedContainer      = errors.New("malformed wav container")
	ErrTruncated               = errors.New("truncated sample data")
)

// DecodeError reports why a container could not be turned into a Buffer.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("decode wav: %v", e.Err)
	}
	return fmt.Sprintf("decode wav %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError wraps failures of the container writer.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string { return fmt.Sprintf("encode wav: %v", e.Err) }

func (e *EncodeError) Unwrap() error { return e.Err }
