package audio

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/go-audio/wav"
	"github.com/orcaman/writerseeker"
)

// wavHeaderSize is the RIFF, fmt and data chunk headers written by the encoder.
const wavHeaderSize = 44

// Encode renders the buffer as a mono 32-bit float WAV container. An empty
// buffer yields a header-only container with a zero-length data chunk.
func Encode(b Buffer) ([]byte, error) {
	if b.SampleRate == 0 {
		return nil, &EncodeError{Err: errors.New("sample rate must be positive")}
	}
	if len(b.Samples) == 0 {
		return encodeEmpty(b.SampleRate)
	}
	return encodeFrames(b.Samples, b.SampleRate)
}

func encodeFrames(samples []float32, rate uint32) ([]byte, error) {
	out := &writerseeker.WriterSeeker{}
	enc := wav.NewEncoder(out, int(rate), 32, 1, wavFormatIEEEFloat)
	for _, s := range samples {
		if err := enc.WriteFrame(s); err != nil {
			return nil, &EncodeError{Err: err}
		}
	}
	if err := enc.Close(); err != nil {
		return nil, &EncodeError{Err: err}
	}
	data, err := io.ReadAll(out.Reader())
	if err != nil {
		return nil, &EncodeError{Err: err}
	}
	return data, nil
}

// encodeEmpty writes the header the wav encoder emits with its first frame,
// then drops that frame and zeroes the sizes. The encoder never writes a
// header without a frame.
func encodeEmpty(rate uint32) ([]byte, error) {
	data, err := encodeFrames([]float32{0}, rate)
	if err != nil {
		return nil, err
	}
	if len(data) < wavHeaderSize || string(data[36:40]) != "data" {
		return nil, &EncodeError{Err: errors.New("unexpected encoder header layout")}
	}
	data = data[:wavHeaderSize]
	binary.LittleEndian.PutUint32(data[4:8], wavHeaderSize-8)
	binary.LittleEndian.PutUint32(data[40:44], 0)
	return data, nil
}
