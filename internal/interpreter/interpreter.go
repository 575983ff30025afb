// Package interpreter defines the speech-to-text and language-model contracts
// the turn engine consumes.
//
// A call needs two services here: a Transcriber that turns a caller's
// utterance into text, and a LanguageModel that produces the assistant's
// reply from the conversation so far. Parley ships with two backends that
// implement both: OpenAI (cloud) and Local (whisper-compatible server plus
// Ollama or any OpenAI-compatible chat endpoint).
package interpreter

import (
	"context"

	"github.com/nadzzz/parley/internal/message"
)

// TranscribeOpts controls transcription behavior.
type TranscribeOpts struct {
	// Language is the ISO-639-1 code (e.g., "en", "es") to guide transcription.
	Language string

	// Prompt provides context to improve recognition of domain-specific terms.
	Prompt string

	// Model overrides the default transcription model.
	Model string

	// SampleRate is the rate of the WAV payload, for backends that want it.
	SampleRate int
}

// TranscribeResult holds the output of a transcription.
type TranscribeResult struct {
	Text     string
	Language string
}

// Transcriber converts a caller utterance (a mono 16-bit WAV) to text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte, opts TranscribeOpts) (*TranscribeResult, error)
}

// LanguageModel produces the assistant's next reply from the conversation.
type LanguageModel interface {
	Generate(ctx context.Context, turns []message.Turn) (string, error)
}

// Stream yields reply text incrementally. Next returns io.EOF once the reply
// is complete. Close releases the underlying connection and is safe to call
// more than once.
type Stream interface {
	Next() (string, error)
	Close() error
}

// StreamingLanguageModel is a LanguageModel that can also deliver the reply
// as it is generated.
type StreamingLanguageModel interface {
	LanguageModel
	GenerateStream(ctx context.Context, turns []message.Turn) (Stream, error)
}

// Interpreter is a backend that provides both services.
type Interpreter interface {
	Transcriber
	StreamingLanguageModel

	// Name returns the backend identifier (e.g., "openai", "local").
	Name() string

	// Close releases any resources held by the backend.
	Close() error
}
