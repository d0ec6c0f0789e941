package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/riff"
	"github.com/go-audio/wav"
)

// DecodeFile reads a WAV file from disk into a Buffer.
func DecodeFile(path string) (Buffer, error) {
	buf, _, err := DecodeFileFormat(path)
	return buf, err
}

// DecodeFileFormat is DecodeFile that also reports the on-disk sample format.
func DecodeFileFormat(path string) (Buffer, SampleFormat, error) {
	f, err := os.Open(path)
	if err != nil {
		return Buffer{}, 0, &DecodeError{Source: path, Err: err}
	}
	defer f.Close()

	buf, format, err := decode(f)
	if err != nil {
		return Buffer{}, 0, &DecodeError{Source: path, Err: err}
	}
	return buf, format, nil
}

// DecodeBytes decodes an in-memory WAV container.
func DecodeBytes(data []byte) (Buffer, error) {
	return Decode(bytes.NewReader(data))
}

// Decode reads a mono WAV container. Supported encodings are 8-bit and 16-bit
// integer PCM and 32-bit IEEE float, in the plain or extensible fmt layout.
func Decode(r io.ReadSeeker) (Buffer, error) {
	buf, _, err := decode(r)
	if err != nil {
		return Buffer{}, &DecodeError{Err: err}
	}
	return buf, nil
}

func decode(r io.ReadSeeker) (Buffer, SampleFormat, error) {
	d := wav.NewDecoder(r)
	d.ReadInfo()
	if err := d.Err(); err != nil {
		return Buffer{}, 0, fmt.Errorf("%w: %v", ErrMalformedContainer, err)
	}
	if d.SampleRate == 0 || d.NumChans == 0 {
		return Buffer{}, 0, fmt.Errorf("%w: missing fmt chunk", ErrMalformedContainer)
	}

	tag := int(d.WavAudioFormat)
	if tag == wavFormatExtensible {
		sub, err := extensibleSubFormat(r)
		if err != nil {
			return Buffer{}, 0, err
		}
		tag = int(sub)
	}
	format, err := ResolveFormat(tag, int(d.BitDepth))
	if err != nil {
		return Buffer{}, 0, err
	}
	if d.NumChans != 1 {
		return Buffer{}, 0, fmt.Errorf("%w: got %d channels", ErrUnsupportedChannels, d.NumChans)
	}

	if err := d.FwdToPCM(); err != nil {
		return Buffer{}, 0, fmt.Errorf("%w: %v", ErrMalformedContainer, err)
	}
	if d.PCMSize < 0 || d.PCMSize%format.Width() != 0 {
		return Buffer{}, 0, fmt.Errorf("%w: data chunk of %d bytes is not a whole number of %s samples", ErrTruncated, d.PCMSize, format)
	}
	remaining, err := remainingBytes(r)
	if err != nil {
		return Buffer{}, 0, err
	}
	if int64(d.PCMSize) > remaining {
		return Buffer{}, 0, fmt.Errorf("%w: data chunk declares %d bytes, %d present", ErrTruncated, d.PCMSize, remaining)
	}

	raw := make([]byte, d.PCMSize)
	if _, err := io.ReadFull(d.PCMChunk, raw); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Buffer{}, 0, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		return Buffer{}, 0, err
	}

	return Buffer{
		Samples:    format.NormalizeAll(raw),
		SampleRate: d.SampleRate,
	}, format, nil
}

// extensibleSubFormat reads the SubFormat code from a WAVE_FORMAT_EXTENSIBLE
// fmt chunk. The wav decoder skips the extension, so the chunk is located
// again from the start of the stream. The read position is restored.
func extensibleSubFormat(r io.ReadSeeker) (uint16, error) {
	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	defer r.Seek(pos, io.SeekStart)

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	p := riff.New(r)
	if err := p.ParseHeaders(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedContainer, err)
	}
	for {
		chunk, err := p.NextChunk()
		if err != nil {
			return 0, fmt.Errorf("%w: fmt chunk not found: %v", ErrMalformedContainer, err)
		}
		if chunk.ID != riff.FmtID {
			chunk.Drain()
			continue
		}
		// tag(2) channels(2) rate(4) byte rate(4) align(2) bits(2) cbSize(2)
		// valid bits(2) channel mask(4) then the SubFormat GUID.
		if chunk.Size < fmtExtensibleSize {
			return 0, fmt.Errorf("%w: extensible fmt chunk of %d bytes", ErrMalformedContainer, chunk.Size)
		}
		body := make([]byte, fmtExtensibleSize)
		if _, err := io.ReadFull(chunk, body); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrMalformedContainer, err)
		}
		return binary.LittleEndian.Uint16(body[24:26]), nil
	}
}

func remainingBytes(r io.Seeker) (int64, error) {
	cur, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	end, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := r.Seek(cur, io.SeekStart); err != nil {
		return 0, err
	}
	return end - cur, nil
}
