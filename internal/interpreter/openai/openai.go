// Package openai implements the Interpreter interface using OpenAI's APIs.
//
// It uses the Audio Transcription API (Whisper / gpt-4o-transcribe) for
// speech-to-text, and the Chat Completions API, streamed over server-sent
// events, for the assistant's replies.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nadzzz/parley/internal/config"
	"github.com/nadzzz/parley/internal/interpreter"
	"github.com/nadzzz/parley/internal/message"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

// Interpreter uses OpenAI APIs for transcription and reply generation.
type Interpreter struct {
	apiKey             string
	baseURL            string
	transcriptionModel string
	completionModel    string
	language           string
	temperature        float64
	client             *http.Client
}

// New creates a new OpenAI interpreter from config.
func New(cfg config.OpenAIConfig) *Interpreter {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &Interpreter{
		apiKey:             cfg.APIKey,
		baseURL:            base,
		transcriptionModel: cfg.TranscriptionModel,
		completionModel:    cfg.CompletionModel,
		language:           cfg.Language,
		temperature:        cfg.Temperature,
		client:             &http.Client{},
	}
}

// Name returns the backend identifier.
func (i *Interpreter) Name() string { return providerName }

// Transcribe sends a WAV utterance to the OpenAI Transcription API.
func (i *Interpreter) Transcribe(ctx context.Context, wav []byte, opts interpreter.TranscribeOpts) (*interpreter.TranscribeResult, error) {
	if len(wav) == 0 {
		return nil, interpreter.NewTranscriptionError(providerName, "no audio", interpreter.ErrEmptyAudio, false)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "audio_"+uuid.NewString()+".wav")
	if err != nil {
		return nil, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(wav)); err != nil {
		return nil, fmt.Errorf("writing audio: %w", err)
	}

	model := i.transcriptionModel
	if opts.Model != "" {
		model = opts.Model
	}
	_ = writer.WriteField("model", model)

	lang := opts.Language
	if lang == "" {
		lang = i.language
	}
	if lang != "" {
		_ = writer.WriteField("language", lang)
	}
	if opts.Prompt != "" {
		_ = writer.WriteField("prompt", opts.Prompt)
	}
	_ = writer.WriteField("response_format", "json")
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+"/audio/transcriptions", body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+i.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, interpreter.NewTranscriptionError(providerName, "request failed", err, true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		serr := interpreter.StatusError(resp.StatusCode, respBody)
		return nil, interpreter.NewTranscriptionError(providerName, "transcription failed", serr, serr.Retryable())
	}

	var result struct {
		Text     string `json:"text"`
		Language string `json:"language"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, interpreter.NewTranscriptionError(providerName, "decoding transcription", err, false)
	}

	text := strings.TrimSpace(result.Text)
	if !interpreter.UsableTranscript(text) {
		return nil, interpreter.NewTranscriptionError(providerName, "nothing recognized", interpreter.ErrEmptyTranscript, false)
	}

	slog.Debug("transcription complete", "text_length", len(text))
	return &interpreter.TranscribeResult{Text: text, Language: result.Language}, nil
}

// Generate asks the Chat Completions API for the full reply in one response.
func (i *Interpreter) Generate(ctx context.Context, turns []message.Turn) (string, error) {
	resp, err := i.chat(ctx, turns, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", interpreter.NewGenerationError(providerName, "decoding chat response", err, false)
	}
	if len(chatResp.Choices) == 0 {
		return "", interpreter.NewGenerationError(providerName, "no choices returned", interpreter.ErrEmptyReply, false)
	}

	content := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if content == "" {
		return "", interpreter.NewGenerationError(providerName, "empty content", interpreter.ErrEmptyReply, false)
	}
	slog.Debug("generation complete", "text_length", len(content))
	return content, nil
}

// GenerateStream asks for the reply as a server-sent event stream of deltas.
func (i *Interpreter) GenerateStream(ctx context.Context, turns []message.Turn) (interpreter.Stream, error) {
	resp, err := i.chat(ctx, turns, true)
	if err != nil {
		return nil, err
	}
	return interpreter.NewLineStream(resp.Body, parseSSELine), nil
}

// Close is a no-op for the OpenAI interpreter.
func (i *Interpreter) Close() error { return nil }

func (i *Interpreter) chat(ctx context.Context, turns []message.Turn, stream bool) (*http.Response, error) {
	reqBody := chatRequest{
		Model:       i.completionModel,
		Messages:    toChatMessages(turns),
		Temperature: i.temperature,
		Stream:      stream,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshalling chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+i.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, interpreter.NewGenerationError(providerName, "chat request failed", err, true)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		serr := interpreter.StatusError(resp.StatusCode, respBody)
		return nil, interpreter.NewGenerationError(providerName, "chat failed", serr, serr.Retryable())
	}
	return resp, nil
}

// --- Internal types and helpers ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func toChatMessages(turns []message.Turn) []chatMessage {
	out := make([]chatMessage, 0, len(turns))
	for _, t := range turns {
		out = append(out, chatMessage{Role: string(t.Role), Content: t.Text})
	}
	return out
}

// parseSSELine handles one "data: {...}" line of a chat completion stream.
func parseSSELine(line []byte) (string, bool, error) {
	s := string(line)
	if !strings.HasPrefix(s, "data:") {
		return "", false, nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(s, "data:"))
	if payload == "[DONE]" {
		return "", true, nil
	}

	var chunk chatChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		// Malformed keep-alives are skipped rather than failing the reply.
		slog.Debug("skipping unparseable stream chunk", "error", err)
		return "", false, nil
	}
	if len(chunk.Choices) == 0 {
		return "", false, nil
	}
	return chunk.Choices[0].Delta.Content, false, nil
}
