// Package audio provides the waveform container codec and scratch storage used by
// the voice assistant pipeline.
package audio

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/book-expert/voice-assistant/internal/core"
)

// Output format constants.
const (
	DEFAULT_SAMPLE_RATE = 44100 // Rate every reply is encoded at unless configured otherwise.
	OUTPUT_BIT_DEPTH    = 16
	OUTPUT_CHANNELS     = 1
	MAX_SAMPLE_RATE     = 192000
)

// RIFF layout constants.
const (
	riffHeaderSize  = 12
	chunkHeaderSize = 8
	fmtChunkMinSize = 16
	pcmHeaderSize   = 44
	formatPCM       = 1
	formatFloat     = 3
	formatExtended  = 0xFFFE
	int16Scale      = 32767.0
	bitsPerByte     = 8
)

// Error message formats.
const (
	errFmtSampleRate      = "%w: sample rate must be between 1 and %d Hz, got %d"
	errFmtTruncatedChunk  = "%w: chunk %q truncated"
	errFmtUnsupportedFmt  = "%w: audio format %d with %d bits per sample"
	errFmtBase64          = "%w: invalid base64 payload: %w"
	errFmtMissingChunk    = "%w: missing %q chunk"
	errFmtInvalidChannels = "%w: channel count must be positive"
)

// Codec errors.
var (
	ErrEmptyWaveform = errors.New("waveform is empty")
	ErrInvalidFormat = errors.New("invalid wav data")
)

// EncodedAudio is a base64 WAV payload ready for JSON transport.
type EncodedAudio string

// Encode writes the waveform as a 16-bit PCM mono WAV at sampleRate and returns the
// base64 text of the container. Failures wrap core.ErrEncoding.
func Encode(waveform core.Waveform, sampleRate int) (EncodedAudio, error) {
	wav, err := EncodeWAV(waveform.Samples, sampleRate)
	if err != nil {
		return "", core.NewError(core.ErrEncoding, "encode", err)
	}

	return EncodeContainer(wav), nil
}

// EncodeContainer returns the base64 text of an already built WAV container.
func EncodeContainer(wav []byte) EncodedAudio {
	return EncodedAudio(base64.StdEncoding.EncodeToString(wav))
}

// DecodeContainer returns the WAV container carried by encoded.
func DecodeContainer(encoded EncodedAudio) ([]byte, error) {
	wav, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf(errFmtBase64, ErrInvalidFormat, err)
	}

	return wav, nil
}

// Decode reverses Encode.
func Decode(encoded EncodedAudio) (core.Waveform, error) {
	wav, err := DecodeContainer(encoded)
	if err != nil {
		return core.Waveform{}, err
	}

	return DecodeWAV(wav)
}

// EncodeWAV writes samples in [-1, 1] as a 16-bit PCM mono WAV container. Samples
// outside the range are clipped.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyWaveform
	}

	err := validateSampleRate(sampleRate)
	if err != nil {
		return nil, err
	}

	blockAlign := OUTPUT_CHANNELS * OUTPUT_BIT_DEPTH / bitsPerByte
	dataSize := len(samples) * blockAlign

	buf := bytes.NewBuffer(make([]byte, 0, pcmHeaderSize+dataSize))

	buf.WriteString("RIFF")
	writeLE(buf, uint32(pcmHeaderSize-chunkHeaderSize+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	writeLE(buf, uint32(fmtChunkMinSize))
	writeLE(buf, uint16(formatPCM))
	writeLE(buf, uint16(OUTPUT_CHANNELS))
	writeLE(buf, uint32(sampleRate))
	writeLE(buf, uint32(sampleRate*blockAlign))
	writeLE(buf, uint16(blockAlign))
	writeLE(buf, uint16(OUTPUT_BIT_DEPTH))

	buf.WriteString("data")
	writeLE(buf, uint32(dataSize))

	pcm := make([]int16, len(samples))
	for i, sample := range samples {
		pcm[i] = floatToPCM16(sample)
	}

	writeLE(buf, pcm)

	return buf.Bytes(), nil
}

// DecodeWAV parses a RIFF/WAVE container holding 16-bit PCM or 32-bit float samples.
// Multi-channel audio is averaged down to mono.
func DecodeWAV(data []byte) (core.Waveform, error) {
	if len(data) < riffHeaderSize || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return core.Waveform{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidFormat)
	}

	var (
		format   wavFormat
		haveFmt  bool
		pcmBytes []byte
		haveData bool
	)

	offset := riffHeaderSize
	for offset+chunkHeaderSize <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+chunkHeaderSize]))
		bodyStart := offset + chunkHeaderSize
		bodyEnd := bodyStart + chunkSize

		if bodyEnd > len(data) {
			// Streaming writers leave the data size unset; take what is there.
			if chunkID != "data" {
				return core.Waveform{}, fmt.Errorf(errFmtTruncatedChunk, ErrInvalidFormat, chunkID)
			}

			bodyEnd = len(data)
		}

		switch chunkID {
		case "fmt ":
			parsed, err := parseFormat(data[bodyStart:bodyEnd])
			if err != nil {
				return core.Waveform{}, err
			}

			format, haveFmt = parsed, true
		case "data":
			pcmBytes, haveData = data[bodyStart:bodyEnd], true
		}

		// Chunks are padded to an even size.
		offset = bodyEnd + chunkSize%2
	}

	if !haveFmt {
		return core.Waveform{}, fmt.Errorf(errFmtMissingChunk, ErrInvalidFormat, "fmt ")
	}

	if !haveData {
		return core.Waveform{}, fmt.Errorf(errFmtMissingChunk, ErrInvalidFormat, "data")
	}

	samples, err := format.decode(pcmBytes)
	if err != nil {
		return core.Waveform{}, err
	}

	if len(samples) == 0 {
		return core.Waveform{}, ErrEmptyWaveform
	}

	return core.Waveform{Samples: samples, SampleRate: format.sampleRate}, nil
}

type wavFormat struct {
	audioFormat   uint16
	channels      int
	sampleRate    int
	bitsPerSample int
}

func parseFormat(body []byte) (wavFormat, error) {
	if len(body) < fmtChunkMinSize {
		return wavFormat{}, fmt.Errorf(errFmtTruncatedChunk, ErrInvalidFormat, "fmt ")
	}

	format := wavFormat{
		audioFormat:   binary.LittleEndian.Uint16(body[0:2]),
		channels:      int(binary.LittleEndian.Uint16(body[2:4])),
		sampleRate:    int(binary.LittleEndian.Uint32(body[4:8])),
		bitsPerSample: int(binary.LittleEndian.Uint16(body[14:16])),
	}

	// WAVE_FORMAT_EXTENSIBLE keeps the real format code in the sub-format GUID.
	const subFormatOffset = 24
	if format.audioFormat == formatExtended && len(body) >= subFormatOffset+2 {
		format.audioFormat = binary.LittleEndian.Uint16(body[subFormatOffset : subFormatOffset+2])
	}

	if format.channels <= 0 {
		return wavFormat{}, fmt.Errorf(errFmtInvalidChannels, ErrInvalidFormat)
	}

	err := validateSampleRate(format.sampleRate)
	if err != nil {
		return wavFormat{}, err
	}

	return format, nil
}

func (f wavFormat) decode(raw []byte) ([]float32, error) {
	var read func([]byte) float32

	switch {
	case f.audioFormat == formatPCM && f.bitsPerSample == 16:
		read = func(b []byte) float32 {
			return float32(int16(binary.LittleEndian.Uint16(b))) / int16Scale
		}
	case f.audioFormat == formatFloat && f.bitsPerSample == 32:
		read = func(b []byte) float32 {
			return math.Float32frombits(binary.LittleEndian.Uint32(b))
		}
	default:
		return nil, fmt.Errorf(errFmtUnsupportedFmt, ErrInvalidFormat, f.audioFormat, f.bitsPerSample)
	}

	sampleSize := f.bitsPerSample / bitsPerByte
	frameSize := sampleSize * f.channels
	frames := len(raw) / frameSize
	samples := make([]float32, frames)

	for frame := range frames {
		var sum float32

		base := frame * frameSize
		for channel := range f.channels {
			start := base + channel*sampleSize
			sum += read(raw[start : start+sampleSize])
		}

		samples[frame] = sum / float32(f.channels)
	}

	return samples, nil
}

func validateSampleRate(sampleRate int) error {
	if sampleRate <= 0 || sampleRate > MAX_SAMPLE_RATE {
		return fmt.Errorf(errFmtSampleRate, core.ErrEncoding, MAX_SAMPLE_RATE, sampleRate)
	}

	return nil
}

func floatToPCM16(sample float32) int16 {
	if math.IsNaN(float64(sample)) {
		return 0
	}

	clipped := math.Max(-1, math.Min(1, float64(sample)))

	return int16(math.Round(clipped * int16Scale))
}

// writeLE appends a fixed-size value in little-endian order. bytes.Buffer writes
// never fail, so the error is dropped.
func writeLE(buf *bytes.Buffer, value any) {
	_ = binary.Write(buf, binary.LittleEndian, value)
}
