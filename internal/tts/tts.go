// Package tts defines the interface for text-to-speech synthesis.
//
// Parley speaks every assistant reply back into the call. Backends return
// whatever their native output is; Telephony normalizes it to the 8 kHz
// mu-law stream the caller hears.
package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/nadzzz/parley/internal/codec"
)

// ErrEmptyText is returned when asked to synthesize nothing.
var ErrEmptyText = errors.New("empty text for synthesis")

// SynthesizeOpts controls synthesis behavior.
type SynthesizeOpts struct {
	// Language is the ISO-639-1 code (e.g., "en", "fr", "es") to select the voice.
	Language string

	// Voice overrides automatic language-based voice selection.
	Voice string
}

// Synthesizer converts text to audio.
type Synthesizer interface {
	// Synthesize generates audio for text. The result describes its own encoding.
	Synthesize(ctx context.Context, text string, opts SynthesizeOpts) (*SynthesizeResult, error)

	// Name identifies the backend in logs and metrics.
	Name() string

	// Close releases any resources held by the synthesizer.
	Close() error
}

// SynthesizeResult holds the output of TTS synthesis.
type SynthesizeResult struct {
	// Audio is the synthesized audio in Encoding.
	Audio []byte

	// Encoding is the layout of Audio (mulaw, pcm16 or wav).
	Encoding codec.Encoding

	// ContentType is the MIME type of the audio (e.g., "audio/x-mulaw").
	ContentType string

	// SampleRate is the audio sample rate in Hz (e.g., 22050).
	SampleRate int
}

// Telephony converts the result to 8 kHz mu-law.
func (r *SynthesizeResult) Telephony() ([]byte, error) {
	return codec.ToMulaw(r.Audio, r.Encoding, r.SampleRate)
}

// SynthesisError reports a failed synthesis request.
type SynthesisError struct {
	Provider  string
	Message   string
	Cause     error
	Retryable bool
}

// NewSynthesisError creates a SynthesisError.
func NewSynthesisError(provider, msg string, cause error, retryable bool) *SynthesisError {
	return &SynthesisError{Provider: provider, Message: msg, Cause: cause, Retryable: retryable}
}

func (e *SynthesisError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *SynthesisError) Unwrap() error { return e.Cause }
