package codec

import (
	"encoding/binary"
	"fmt"
)

// BytesPerSample is the width of one 16-bit PCM sample.
const BytesPerSample = 2

// Encoding identifies how audio bytes are laid out.
type Encoding string

const (
	// EncodingMulaw is 8-bit G.711 μ-law.
	EncodingMulaw Encoding = "mulaw"

	// EncodingPCM16 is signed 16-bit little-endian linear PCM.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingWAV is PCM16 inside a RIFF/WAVE container.
	EncodingWAV Encoding = "wav"
)

// ParseEncoding accepts the names used in configuration and provider
// responses.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "mulaw", "ulaw", "audio/x-mulaw", "g711_ulaw", "ulaw_8000":
		return EncodingMulaw, nil
	case "pcm16", "pcm", "linear16", "audio/pcm", "audio/l16", "audio/x-l16":
		return EncodingPCM16, nil
	case "wav", "audio/wav", "audio/x-wav", "audio/wave":
		return EncodingWAV, nil
	default:
		return "", fmt.Errorf("unknown audio encoding %q", s)
	}
}

// PCMToSamples interprets little-endian PCM16 bytes as samples.
func PCMToSamples(pcm []byte) ([]int16, error) {
	if len(pcm)%BytesPerSample != 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("pcm length %d is not a multiple of %d", len(pcm), BytesPerSample)}
	}
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:])) //nolint:gosec // PCM16 reinterpretation
	}
	return out, nil
}

// SamplesToPCM serializes samples as little-endian PCM16 bytes.
func SamplesToPCM(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		putSample(out[i*BytesPerSample:], s)
	}
	return out
}

func putSample(b []byte, s int16) {
	binary.LittleEndian.PutUint16(b, uint16(s)) //nolint:gosec // PCM16 reinterpretation
}
