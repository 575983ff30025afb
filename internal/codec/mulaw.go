package codec

import "math/bits"

const (
	// mulawBias is added to the magnitude before encoding (G.711 0x84).
	mulawBias = 0x84

	// MulawClip is the largest magnitude the law can represent; louder
	// samples are clipped before encoding.
	MulawClip = 32635

	// SilenceByte is the μ-law encoding of a zero-amplitude sample.
	SilenceByte byte = 0xFF

	// TelephonyRate is the sample rate of companded telephony audio.
	TelephonyRate = 8000
)

var mulawTable [256]int16

func init() {
	for i := range mulawTable {
		mulawTable[i] = decodeMulaw(byte(i))
	}
}

func decodeMulaw(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F

	magnitude := ((int(mantissa) << 3) + mulawBias) << exponent
	magnitude -= mulawBias
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// DecodeCompanded maps one μ-law byte to a 16-bit linear sample.
func DecodeCompanded(b byte) int16 {
	return mulawTable[b]
}

// EncodeLinear maps a 16-bit linear sample to μ-law, clipping to MulawClip.
func EncodeLinear(sample int16) byte {
	s := int(sample)
	var sign byte
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > MulawClip {
		s = MulawClip
	}
	s += mulawBias

	exponent := 0
	if top := s >> 7; top > 0 {
		exponent = bits.Len(uint(top)) - 1
	}
	mantissa := (s >> (exponent + 3)) & 0x0F

	return ^(sign | byte(exponent<<4) | byte(mantissa))
}

// QuantizationStep returns the spacing between adjacent decoded levels in
// the segment that b belongs to.
func QuantizationStep(b byte) int {
	exponent := ((^b) >> 4) & 0x07
	return 1 << (exponent + 3)
}

// MulawToPCM decodes a μ-law buffer into little-endian 16-bit PCM.
func MulawToPCM(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*BytesPerSample)
	for i, b := range mulaw {
		putSample(out[i*BytesPerSample:], mulawTable[b])
	}
	return out
}

// MulawToSamples decodes a μ-law buffer into linear samples.
func MulawToSamples(mulaw []byte) []int16 {
	out := make([]int16, len(mulaw))
	for i, b := range mulaw {
		out[i] = mulawTable[b]
	}
	return out
}

// SamplesToMulaw encodes linear samples as μ-law.
func SamplesToMulaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = EncodeLinear(s)
	}
	return out
}
