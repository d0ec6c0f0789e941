package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// WAV fmt chunk audio format tags.
const (
	wavFormatPCM        = 1
	wavFormatIEEEFloat  = 3
	wavFormatExtensible = 0xFFFE
)

// fmtExtensibleSize is the fmt chunk length of the extensible layout.
const fmtExtensibleSize = 40

// SampleFormat identifies a supported on-disk sample encoding.
type SampleFormat int

const (
	FormatInt8 SampleFormat = iota + 1
	FormatInt16
	FormatFloat32
)

// ResolveFormat maps the fmt chunk fields to a SampleFormat.
func ResolveFormat(audioFormat, bitDepth int) (SampleFormat, error) {
	switch {
	case audioFormat == wavFormatPCM && bitDepth == 8:
		return FormatInt8, nil
	case audioFormat == wavFormatPCM && bitDepth == 16:
		return FormatInt16, nil
	case audioFormat == wavFormatIEEEFloat && bitDepth == 32:
		return FormatFloat32, nil
	}
	return 0, fmt.Errorf("%w: format tag %d with %d bits", ErrUnsupportedSampleFormat, audioFormat, bitDepth)
}

// Width is the number of bytes per sample.
func (f SampleFormat) Width() int {
	switch f {
	case FormatInt8:
		return 1
	case FormatInt16:
		return 2
	case FormatFloat32:
		return 4
	}
	return 0
}

func (f SampleFormat) String() string {
	switch f {
	case FormatInt8:
		return "int8"
	case FormatInt16:
		return "int16"
	case FormatFloat32:
		return "float32"
	}
	return "unknown"
}

// Normalize converts one little-endian sample to the canonical float range.
// 8-bit WAV data is stored unsigned and is re-centred before scaling.
func (f SampleFormat) Normalize(b []byte) float32 {
	switch f {
	case FormatInt8:
		return float32(int8(b[0]-128)) / 256.0
	case FormatInt16:
		return float32(int16(binary.LittleEndian.Uint16(b))) / 32768.0
	case FormatFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	}
	return 0
}

// NormalizeAll converts a raw sample block. len(raw) must be a multiple of the
// format width.
func (f SampleFormat) NormalizeAll(raw []byte) []float32 {
	w := f.Width()
	out := make([]float32, len(raw)/w)
	for i := range out {
		out[i] = f.Normalize(raw[i*w : i*w+w])
	}
	return out
}
