package codec

import (
	"encoding/binary"
	"fmt"
)

// WAVHeaderSize is the size of the canonical header written by WrapPCM.
const WAVHeaderSize = 44

// WAVInfo describes the fmt chunk of a parsed container.
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	Data          []byte
}

// WrapPCM prepends a canonical 44-byte RIFF/WAVE header to raw PCM.
func WrapPCM(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	dataSize := len(pcm)
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	wav := make([]byte, WAVHeaderSize+dataSize)

	copy(wav[0:4], "RIFF")
	binary.LittleEndian.PutUint32(wav[4:8], uint32(36+dataSize)) //nolint:gosec // bounded by slice length
	copy(wav[8:12], "WAVE")

	copy(wav[12:16], "fmt ")
	binary.LittleEndian.PutUint32(wav[16:20], 16)
	binary.LittleEndian.PutUint16(wav[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(wav[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(wav[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(wav[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(wav[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(wav[34:36], uint16(bitsPerSample))

	copy(wav[36:40], "data")
	binary.LittleEndian.PutUint32(wav[40:44], uint32(dataSize)) //nolint:gosec // bounded by slice length
	copy(wav[WAVHeaderSize:], pcm)

	return wav
}

// ParseWAV walks the RIFF chunks of data and returns the PCM format and
// payload. Chunks other than "fmt " and "data" are skipped.
func ParseWAV(data []byte) (*WAVInfo, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, &DecodeError{Reason: "missing RIFF/WAVE header"}
	}

	var (
		info   WAVInfo
		gotFmt bool
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(data) {
			if id == "data" {
				// Streamed WAVs sometimes carry a placeholder size.
				size = len(data) - body
			} else {
				return nil, &DecodeError{Reason: fmt.Sprintf("chunk %q overruns container", id)}
			}
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, &DecodeError{Reason: "fmt chunk too short"}
			}
			if format := binary.LittleEndian.Uint16(data[body : body+2]); format != 1 {
				return nil, &DecodeError{Reason: fmt.Sprintf("unsupported wav format %d", format)}
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			gotFmt = true
		case "data":
			if !gotFmt {
				return nil, &DecodeError{Reason: "data chunk before fmt chunk"}
			}
			info.Data = data[body : body+size]
			return &info, nil
		}

		pos = body + size
		if size%2 == 1 {
			pos++
		}
	}
	return nil, &DecodeError{Reason: "no data chunk"}
}

// UnwrapPCM returns the PCM payload and sample rate of a 16-bit WAV.
// Multi-channel input is rejected.
func UnwrapPCM(data []byte) ([]byte, int, error) {
	info, err := ParseWAV(data)
	if err != nil {
		return nil, 0, err
	}
	if info.BitsPerSample != 16 {
		return nil, 0, &DecodeError{Reason: fmt.Sprintf("unsupported bits per sample %d", info.BitsPerSample)}
	}
	if info.Channels != 1 {
		return nil, 0, &DecodeError{Reason: fmt.Sprintf("unsupported channel count %d", info.Channels)}
	}
	pcm := make([]byte, len(info.Data))
	copy(pcm, info.Data)
	return pcm, info.SampleRate, nil
}
