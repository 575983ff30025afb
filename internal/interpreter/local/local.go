// Package local implements the Interpreter interface using self-hosted models.
//
// It supports any Whisper-compatible transcription endpoint (e.g., whisper.cpp
// server, faster-whisper, whisper-asr-webservice) and either Ollama's native
// API or any OpenAI-compatible chat endpoint (e.g., vLLM, llama.cpp server).
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/nadzzz/parley/internal/config"
	"github.com/nadzzz/parley/internal/interpreter"
	"github.com/nadzzz/parley/internal/message"
)

const providerName = "local"

// llmFlavor selects the wire format spoken by the LLM endpoint.
type llmFlavor int

const (
	flavorOpenAI llmFlavor = iota
	flavorOllamaChat
	flavorOllamaGenerate
)

// Interpreter uses self-hosted models for transcription and replies.
type Interpreter struct {
	whisperEndpoint string
	whisperType     string // "openai" or "asr"
	llmEndpoint     string
	llmModel        string
	flavor          llmFlavor
	vadFilter       bool
	defaultLanguage string
	temperature     float64
	client          *http.Client
}

// New creates a new local interpreter from config.
func New(cfg config.LocalConfig) *Interpreter {
	wt := cfg.WhisperType
	if wt == "" {
		wt = "openai"
	}
	model := cfg.LLMModel
	if model == "" {
		model = "llama3"
	}
	return &Interpreter{
		whisperEndpoint: cfg.WhisperEndpoint,
		whisperType:     wt,
		llmEndpoint:     cfg.LLMEndpoint,
		llmModel:        model,
		flavor:          detectFlavor(cfg.LLMEndpoint),
		vadFilter:       cfg.VADFilter,
		defaultLanguage: cfg.Language,
		temperature:     cfg.Temperature,
		client:          &http.Client{},
	}
}

func detectFlavor(endpoint string) llmFlavor {
	switch {
	case strings.HasSuffix(endpoint, "/api/chat"):
		return flavorOllamaChat
	case strings.HasSuffix(endpoint, "/api/generate"):
		return flavorOllamaGenerate
	default:
		return flavorOpenAI
	}
}

// Name returns the backend identifier.
func (i *Interpreter) Name() string { return providerName }

// Transcribe sends a WAV utterance to the local Whisper-compatible endpoint.
// Supports two flavors:
//   - "openai": OpenAI-compatible API (whisper.cpp server, faster-whisper)
//   - "asr":    ahmetoner/whisper-asr-webservice (POST /asr with query params)
func (i *Interpreter) Transcribe(ctx context.Context, wav []byte, opts interpreter.TranscribeOpts) (*interpreter.TranscribeResult, error) {
	if len(wav) == 0 {
		return nil, interpreter.NewTranscriptionError(providerName, "no audio", interpreter.ErrEmptyAudio, false)
	}

	var (
		res *interpreter.TranscribeResult
		err error
	)
	switch i.whisperType {
	case "asr":
		res, err = i.transcribeASR(ctx, wav, opts)
	default:
		res, err = i.transcribeOpenAI(ctx, wav, opts)
	}
	if err != nil {
		return nil, err
	}

	res.Text = strings.TrimSpace(res.Text)
	if !interpreter.UsableTranscript(res.Text) {
		return nil, interpreter.NewTranscriptionError(providerName, "nothing recognized", interpreter.ErrEmptyTranscript, false)
	}
	return res, nil
}

// transcribeASR handles the ahmetoner/whisper-asr-webservice format.
// API: POST /asr?task=transcribe&language=en&output=json&vad_filter=true
// Body: multipart/form-data with field "audio_file"
func (i *Interpreter) transcribeASR(ctx context.Context, wav []byte, opts interpreter.TranscribeOpts) (*interpreter.TranscribeResult, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("audio_file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(wav)); err != nil {
		return nil, fmt.Errorf("writing audio: %w", err)
	}
	writer.Close()

	q := make(url.Values)
	q.Set("task", "transcribe")
	q.Set("output", "json")
	q.Set("encode", "true")
	if lang := i.language(opts); lang != "" {
		q.Set("language", lang)
	}
	if opts.Prompt != "" {
		q.Set("initial_prompt", opts.Prompt)
	}
	if i.vadFilter {
		q.Set("vad_filter", "true")
	}

	reqURL := i.whisperEndpoint + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	slog.Debug("whisper-asr request", "url", reqURL)
	return i.doTranscribe(req)
}

// transcribeOpenAI handles OpenAI-compatible whisper endpoints.
func (i *Interpreter) transcribeOpenAI(ctx context.Context, wav []byte, opts interpreter.TranscribeOpts) (*interpreter.TranscribeResult, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(wav)); err != nil {
		return nil, fmt.Errorf("writing audio: %w", err)
	}
	if opts.Model != "" {
		_ = writer.WriteField("model", opts.Model)
	}
	if lang := i.language(opts); lang != "" {
		_ = writer.WriteField("language", lang)
	}
	_ = writer.WriteField("response_format", "json")
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.whisperEndpoint, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return i.doTranscribe(req)
}

func (i *Interpreter) doTranscribe(req *http.Request) (*interpreter.TranscribeResult, error) {
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

	slog.Debug("local transcription complete", "text_length", len(result.Text), "language", result.Language)
	return &interpreter.TranscribeResult{Text: result.Text, Language: result.Language}, nil
}

func (i *Interpreter) language(opts interpreter.TranscribeOpts) string {
	if opts.Language != "" {
		return opts.Language
	}
	return i.defaultLanguage
}

// Generate asks the local LLM for the complete reply.
func (i *Interpreter) Generate(ctx context.Context, turns []message.Turn) (string, error) {
	resp, err := i.post(ctx, turns, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", interpreter.NewGenerationError(providerName, "reading response", err, true)
	}

	content := strings.TrimSpace(extractContent(respData))
	if content == "" {
		return "", interpreter.NewGenerationError(providerName, "empty response", interpreter.ErrEmptyReply, false)
	}
	slog.Debug("local generation complete", "text_length", len(content))
	return content, nil
}

// GenerateStream asks the local LLM for an incremental reply. Ollama streams
// NDJSON; OpenAI-compatible servers stream server-sent events.
func (i *Interpreter) GenerateStream(ctx context.Context, turns []message.Turn) (interpreter.Stream, error) {
	resp, err := i.post(ctx, turns, true)
	if err != nil {
		return nil, err
	}
	if i.flavor == flavorOpenAI {
		return interpreter.NewLineStream(resp.Body, parseSSELine), nil
	}
	return interpreter.NewLineStream(resp.Body, parseNDJSONLine), nil
}

// Close is a no-op for the local interpreter.
func (i *Interpreter) Close() error { return nil }

func (i *Interpreter) post(ctx context.Context, turns []message.Turn, stream bool) (*http.Response, error) {
	bodyBytes, err := json.Marshal(i.requestBody(turns, stream))
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.llmEndpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, interpreter.NewGenerationError(providerName, "LLM request failed", err, true)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		serr := interpreter.StatusError(resp.StatusCode, respBody)
		return nil, interpreter.NewGenerationError(providerName, "LLM failed", serr, serr.Retryable())
	}
	return resp, nil
}

func (i *Interpreter) requestBody(turns []message.Turn, stream bool) map[string]any {
	if i.flavor == flavorOllamaGenerate {
		system, prompt := flattenTurns(turns)
		return map[string]any{
			"model":  i.llmModel,
			"system": system,
			"prompt": prompt,
			"stream": stream,
		}
	}

	msgs := make([]map[string]string, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, map[string]string{"role": string(t.Role), "content": t.Text})
	}
	body := map[string]any{
		"model":    i.llmModel,
		"messages": msgs,
		"stream":   stream,
	}
	if i.flavor == flavorOllamaChat {
		body["options"] = map[string]any{"temperature": i.temperature}
	} else {
		body["temperature"] = i.temperature
	}
	return body
}

// --- Internal helpers ---

// flattenTurns renders a conversation for completion-style endpoints that
// take a single prompt.
func flattenTurns(turns []message.Turn) (system, prompt string) {
	var sys, sb strings.Builder
	for _, t := range turns {
		switch t.Role {
		case message.RoleSystem:
			if sys.Len() > 0 {
				sys.WriteString("\n")
			}
			sys.WriteString(t.Text)
		case message.RoleUser:
			sb.WriteString("User: " + t.Text + "\n")
		case message.RoleAssistant:
			sb.WriteString("Assistant: " + t.Text + "\n")
		}
	}
	sb.WriteString("Assistant:")
	return sys.String(), sb.String()
}

func extractContent(data []byte) string {
	// OpenAI-compatible format: {"choices": [{"message": {"content": "..."}}]}
	var chatResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &chatResp); err == nil && len(chatResp.Choices) > 0 {
		return chatResp.Choices[0].Message.Content
	}

	// Ollama formats: {"message": {"content": "..."}} or {"response": "..."}
	var ollamaResp ollamaChunk
	if err := json.Unmarshal(data, &ollamaResp); err == nil {
		if ollamaResp.Message.Content != "" {
			return ollamaResp.Message.Content
		}
		return ollamaResp.Response
	}

	return ""
}

type ollamaChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

func parseNDJSONLine(line []byte) (string, bool, error) {
	var chunk ollamaChunk
	if err := json.Unmarshal(line, &chunk); err != nil {
		return "", false, fmt.Errorf("decoding stream chunk: %w", err)
	}
	if chunk.Error != "" {
		return "", false, fmt.Errorf("ollama: %s", chunk.Error)
	}
	fragment := chunk.Message.Content
	if fragment == "" {
		fragment = chunk.Response
	}
	if chunk.Done {
		// The final chunk may still carry text.
		if fragment != "" {
			return fragment, false, nil
		}
		return "", true, nil
	}
	return fragment, false, nil
}

func parseSSELine(line []byte) (string, bool, error) {
	s := string(line)
	if !strings.HasPrefix(s, "data:") {
		return "", false, nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(s, "data:"))
	if payload == "[DONE]" {
		return "", true, nil
	}
	var chunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil || len(chunk.Choices) == 0 {
		return "", false, nil
	}
	return chunk.Choices[0].Delta.Content, false, nil
}
