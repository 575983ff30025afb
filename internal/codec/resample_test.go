package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResample_DoublesAtRatioTwo(t *testing.T) {
	in := []int16{1, -2, 300, -4000, 5, 32767}
	out, err := Resample(in, 8000, 16000)
	require.NoError(t, err)
	require.Len(t, out, 2*len(in))
	for i, s := range in {
		assert.Equal(t, s, out[2*i])
		assert.Equal(t, s, out[2*i+1])
	}
}

func TestResample_HalvesAtRatioOneHalf(t *testing.T) {
	out, err := Resample([]int16{1, 2, 3, 4, 5, 6}, 16000, 8000)
	require.NoError(t, err)
	assert.Equal(t, []int16{1, 3, 5}, out)
}

func TestResample_SameRateCopies(t *testing.T) {
	in := []int16{1, 2, 3}
	out, err := Resample(in, 8000, 8000)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	out[0] = 99
	assert.Equal(t, int16(1), in[0])
}

func TestResample_InvalidRates(t *testing.T) {
	_, err := Resample([]int16{1}, 0, 8000)
	assert.Error(t, err)
	_, err = Resample([]int16{1}, 8000, -1)
	assert.Error(t, err)
}

func TestResample_NonIntegerRatio(t *testing.T) {
	in := make([]int16, 2205)
	for i := range in {
		in[i] = int16(i)
	}
	out, err := Resample(in, 22050, 8000)
	require.NoError(t, err)
	assert.Len(t, out, 800)
	assert.Equal(t, int16(0), out[0])
	for i := 1; i < len(out); i++ {
		assert.Greater(t, out[i], out[i-1])
	}
}

func TestResamplePCM16_RejectsOddLength(t *testing.T) {
	_, err := ResamplePCM16([]byte{1, 2, 3}, 8000, 16000)
	var decErr *DecodeError
	assert.ErrorAs(t, err, &decErr)
}

func TestMulawToWAV(t *testing.T) {
	mulaw := []byte{0xFF, 0x80, 0x00, 0xFE}
	wav, err := MulawToWAV(mulaw, 16000)
	require.NoError(t, err)

	pcm, rate, err := UnwrapPCM(wav)
	require.NoError(t, err)
	assert.Equal(t, 16000, rate)

	samples, err := PCMToSamples(pcm)
	require.NoError(t, err)
	assert.Equal(t, []int16{0, 0, 32124, 32124, -32124, -32124, 8, 8}, samples)
}

func TestToMulaw(t *testing.T) {
	pcm16k := SamplesToPCM([]int16{0, 0, 32124, 32124})

	t.Run("pcm16", func(t *testing.T) {
		out, err := ToMulaw(pcm16k, EncodingPCM16, 16000)
		require.NoError(t, err)
		assert.Equal(t, []byte{0xFF, 0x80}, out)
	})

	t.Run("wav", func(t *testing.T) {
		out, err := ToMulaw(WrapPCM(pcm16k, 16000, 1, 16), EncodingWAV, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte{0xFF, 0x80}, out)
	})

	t.Run("mulaw passthrough", func(t *testing.T) {
		in := []byte{0x01, 0x02}
		out, err := ToMulaw(in, EncodingMulaw, TelephonyRate)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := ToMulaw(pcm16k, Encoding("opus"), 48000)
		assert.Error(t, err)
	})
}

func TestParseEncoding(t *testing.T) {
	for in, want := range map[string]Encoding{
		"ulaw_8000": EncodingMulaw,
		"pcm":       EncodingPCM16,
		"audio/wav": EncodingWAV,
	} {
		got, err := ParseEncoding(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseEncoding("mp3")
	assert.Error(t, err)
}
