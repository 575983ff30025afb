package codec

import "fmt"

// Resample converts samples from one rate to another by picking, for every
// output position, the input sample at the same relative time. At ratio 2
// every input sample appears twice in a row.
func Resample(samples []int16, fromRate, toRate int) ([]int16, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: from=%d, to=%d", fromRate, toRate)
	}
	if fromRate == toRate {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out, nil
	}

	n := int(int64(len(samples)) * int64(toRate) / int64(fromRate))
	out := make([]int16, n)
	for i := range out {
		src := int(int64(i) * int64(fromRate) / int64(toRate))
		if src >= len(samples) {
			src = len(samples) - 1
		}
		out[i] = samples[src]
	}
	return out, nil
}

// ResamplePCM16 is Resample over little-endian PCM16 bytes.
func ResamplePCM16(pcm []byte, fromRate, toRate int) ([]byte, error) {
	samples, err := PCMToSamples(pcm)
	if err != nil {
		return nil, err
	}
	out, err := Resample(samples, fromRate, toRate)
	if err != nil {
		return nil, err
	}
	return SamplesToPCM(out), nil
}

// MulawToWAV decodes telephony audio, resamples it to rate and wraps it in
// a mono WAV container, ready for upload to a transcriber.
func MulawToWAV(mulaw []byte, rate int) ([]byte, error) {
	samples, err := Resample(MulawToSamples(mulaw), TelephonyRate, rate)
	if err != nil {
		return nil, err
	}
	return WrapPCM(SamplesToPCM(samples), rate, 1, 16), nil
}

// ToMulaw converts synthesized audio in the given encoding and rate into
// 8 kHz μ-law. WAV input carries its own rate and rate is ignored.
func ToMulaw(audio []byte, enc Encoding, rate int) ([]byte, error) {
	switch enc {
	case EncodingMulaw:
		if rate != 0 && rate != TelephonyRate {
			samples, err := Resample(MulawToSamples(audio), rate, TelephonyRate)
			if err != nil {
				return nil, err
			}
			return SamplesToMulaw(samples), nil
		}
		out := make([]byte, len(audio))
		copy(out, audio)
		return out, nil

	case EncodingWAV:
		pcm, wavRate, err := UnwrapPCM(audio)
		if err != nil {
			return nil, err
		}
		return ToMulaw(pcm, EncodingPCM16, wavRate)

	case EncodingPCM16:
		samples, err := PCMToSamples(audio)
		if err != nil {
			return nil, err
		}
		samples, err = Resample(samples, rate, TelephonyRate)
		if err != nil {
			return nil, err
		}
		return SamplesToMulaw(samples), nil

	default:
		return nil, fmt.Errorf("unsupported encoding %q", enc)
	}
}
