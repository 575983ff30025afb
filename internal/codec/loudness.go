package codec

import "encoding/binary"

// MeanAbsAmplitude is the coarse loudness measure used for gating and
// barge-in: the mean absolute linear amplitude of the decoded frame.
func MeanAbsAmplitude(frame []byte, enc Encoding) float64 {
	switch enc {
	case EncodingPCM16:
		n := len(frame) / BytesPerSample
		if n == 0 {
			return 0
		}
		var sum int64
		for i := 0; i < n; i++ {
			s := int64(int16(binary.LittleEndian.Uint16(frame[i*BytesPerSample:]))) //nolint:gosec // PCM16 reinterpretation
			if s < 0 {
				s = -s
			}
			sum += s
		}
		return float64(sum) / float64(n)
	default:
		if len(frame) == 0 {
			return 0
		}
		var sum int64
		for _, b := range frame {
			s := int64(mulawTable[b])
			if s < 0 {
				s = -s
			}
			sum += s
		}
		return float64(sum) / float64(len(frame))
	}
}
