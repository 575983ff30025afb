package interpreter

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	// ErrEmptyAudio is returned when there is nothing to transcribe.
	ErrEmptyAudio = errors.New("audio data is empty")

	// ErrEmptyTranscript is returned when the provider heard nothing usable.
	ErrEmptyTranscript = errors.New("transcript is empty")

	// ErrEmptyReply is returned when the model produced no text.
	ErrEmptyReply = errors.New("reply is empty")
)

// TranscriptionError is a speech-to-text provider failure or an empty or
// unusable transcript.
type TranscriptionError struct {
	Provider  string
	Message   string
	Cause     error
	Retryable bool
}

// NewTranscriptionError creates a new TranscriptionError.
func NewTranscriptionError(provider, msg string, cause error, retryable bool) *TranscriptionError {
	return &TranscriptionError{Provider: provider, Message: msg, Cause: cause, Retryable: retryable}
}

func (e *TranscriptionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s transcription error: %s: %v", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s transcription error: %s", e.Provider, e.Message)
}

func (e *TranscriptionError) Unwrap() error { return e.Cause }

// GenerationError is a language-model provider failure.
type GenerationError struct {
	Provider  string
	Message   string
	Cause     error
	Retryable bool
}

// NewGenerationError creates a new GenerationError.
func NewGenerationError(provider, msg string, cause error, retryable bool) *GenerationError {
	return &GenerationError{Provider: provider, Message: msg, Cause: cause, Retryable: retryable}
}

func (e *GenerationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s generation error: %s: %v", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s generation error: %s", e.Provider, e.Message)
}

func (e *GenerationError) Unwrap() error { return e.Cause }

// UsableTranscript reports whether text contains anything worth answering.
// Providers return punctuation-only or whitespace transcripts for noise.
func UsableTranscript(text string) bool {
	return strings.IndexFunc(text, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}) >= 0
}

// statusRetryable reports whether an HTTP status is worth retrying.
func statusRetryable(status int) bool {
	return status == 429 || status >= 500
}

// StatusError builds the error for a non-2xx provider response.
func StatusError(status int, body []byte) *HTTPStatusError {
	return &HTTPStatusError{Status: status, Body: strings.TrimSpace(string(body))}
}

// HTTPStatusError is a non-2xx provider response.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *HTTPStatusError) Retryable() bool { return statusRetryable(e.Status) }
