package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nadzzz/parley/internal/codec"
)

func TestFrame_Duration(t *testing.T) {
	mulaw := Frame{Payload: make([]byte, 160), Encoding: codec.EncodingMulaw, SampleRate: 8000}
	assert.Equal(t, 20*time.Millisecond, mulaw.Duration())

	pcm := Frame{Payload: make([]byte, 640), Encoding: codec.EncodingPCM16, SampleRate: 16000}
	assert.Equal(t, 20*time.Millisecond, pcm.Duration())

	assert.Zero(t, Frame{Payload: []byte{1}}.Duration())
}

func TestUtterance_HasAudio(t *testing.T) {
	assert.True(t, Utterance{Kind: UtteranceAudio, Audio: []byte{1}}.HasAudio())
	assert.False(t, Utterance{Kind: UtteranceAudio}.HasAudio())
	assert.False(t, Utterance{Kind: UtteranceText, Audio: []byte{1}, Text: "hi"}.HasAudio())
}

func TestUtteranceKind_String(t *testing.T) {
	assert.Equal(t, "audio", UtteranceAudio.String())
	assert.Equal(t, "text", UtteranceText.String())
	assert.Equal(t, "say", UtteranceSay.String())
	assert.Equal(t, "unknown", UtteranceKind(42).String())
}
