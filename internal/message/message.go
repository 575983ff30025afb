// Package message defines the values that flow through a call: inbound and
// outbound audio frames, conversation turns, and the utterances that start a
// response cycle.
package message

import (
	"time"

	"github.com/nadzzz/parley/internal/codec"
)

// Frame is one packet of call audio. Frames are immutable once built.
type Frame struct {
	// Payload is the raw audio bytes, already demultiplexed from the wire.
	Payload []byte

	// Encoding describes Payload (μ-law for telephony streams).
	Encoding codec.Encoding

	// SampleRate is the payload's sample rate in Hz.
	SampleRate int

	// Seq is the carrier's chunk number, counting from 1. Zero means the
	// transport has none and the session numbers the frame on arrival. Gaps
	// are counted as missing frames; frames are never reordered.
	Seq uint64
}

// Duration estimates how much audio the frame carries.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := len(f.Payload)
	if f.Encoding == codec.EncodingPCM16 {
		samples /= codec.BytesPerSample
	}
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Role identifies who produced a Turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one party's contribution to the conversation.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Seq       int       `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// UtteranceKind selects how the orchestrator treats an Utterance.
type UtteranceKind int

const (
	// UtteranceAudio is buffered caller audio that needs transcription.
	UtteranceAudio UtteranceKind = iota

	// UtteranceText is text injected on the caller's side of the
	// conversation (e.g. the liveness prompt); it goes through the model.
	UtteranceText

	// UtteranceSay is text spoken verbatim without consulting the model
	// (e.g. the greeting).
	UtteranceSay
)

// String returns the kind name used in logs.
func (k UtteranceKind) String() string {
	switch k {
	case UtteranceAudio:
		return "audio"
	case UtteranceText:
		return "text"
	case UtteranceSay:
		return "say"
	default:
		return "unknown"
	}
}

// Utterance is the input to one response cycle.
type Utterance struct {
	Kind UtteranceKind

	// Audio holds μ-law bytes for UtteranceAudio.
	Audio []byte

	// Text holds the content for UtteranceText and UtteranceSay.
	Text string

	// SystemInitiated marks utterances produced by the daemon itself rather
	// than the caller. Idle escalation does not pause for these.
	SystemInitiated bool
}

// HasAudio returns true if the utterance carries caller audio.
func (u Utterance) HasAudio() bool {
	return u.Kind == UtteranceAudio && len(u.Audio) > 0
}
