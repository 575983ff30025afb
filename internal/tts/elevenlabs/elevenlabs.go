// Package elevenlabs implements the TTS Synthesizer using the ElevenLabs API.
//
// Audio is requested in a raw output format (ulaw_8000 or pcm_<rate>) so no
// compressed-audio decoder is needed before it reaches the call.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nadzzz/parley/internal/codec"
	"github.com/nadzzz/parley/internal/config"
	"github.com/nadzzz/parley/internal/tts"
)

const (
	providerName = "elevenlabs"

	defaultBaseURL = "https://api.elevenlabs.io/v1"
	defaultModel   = "eleven_multilingual_v2"
	defaultVoice   = "21m00Tcm4TlvDq8ikWAM"
	defaultTimeout = 60 * time.Second

	// FormatMulaw8k is the native telephony format.
	FormatMulaw8k = "ulaw_8000"

	defaultStability       = 0.3
	defaultSimilarityBoost = 0.75
)

// Synthesizer implements tts.Synthesizer using the ElevenLabs REST API.
type Synthesizer struct {
	apiKey     string
	baseURL    string
	voice      string
	model      string
	format     string
	encoding   codec.Encoding
	sampleRate int
	settings   voiceSettings
	client     *http.Client
}

// New creates an ElevenLabs synthesizer from config.
func New(cfg config.ElevenLabsConfig) (*Synthesizer, error) {
	s := &Synthesizer{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		voice:   cfg.VoiceID,
		model:   cfg.Model,
		format:  cfg.OutputFormat,
		settings: voiceSettings{
			Stability:       cfg.Stability,
			SimilarityBoost: cfg.SimilarityBoost,
		},
		client: &http.Client{Timeout: defaultTimeout},
	}
	if s.baseURL == "" {
		s.baseURL = defaultBaseURL
	}
	if s.voice == "" {
		s.voice = defaultVoice
	}
	if s.model == "" {
		s.model = defaultModel
	}
	if s.format == "" {
		s.format = FormatMulaw8k
	}
	if s.settings.Stability == 0 {
		s.settings.Stability = defaultStability
	}
	if s.settings.SimilarityBoost == 0 {
		s.settings.SimilarityBoost = defaultSimilarityBoost
	}

	enc, rate, err := ParseOutputFormat(s.format)
	if err != nil {
		return nil, err
	}
	s.encoding, s.sampleRate = enc, rate
	return s, nil
}

// ParseOutputFormat maps an ElevenLabs output_format to its raw encoding.
// Only formats that need no decoder are accepted.
func ParseOutputFormat(format string) (codec.Encoding, int, error) {
	codecName, rateStr, ok := strings.Cut(format, "_")
	if !ok {
		return "", 0, fmt.Errorf("invalid output format %q", format)
	}
	rate, err := strconv.Atoi(rateStr)
	if err != nil || rate <= 0 {
		return "", 0, fmt.Errorf("invalid output format %q", format)
	}
	switch codecName {
	case "ulaw":
		return codec.EncodingMulaw, rate, nil
	case "pcm":
		return codec.EncodingPCM16, rate, nil
	default:
		return "", 0, fmt.Errorf("unsupported output format %q: only ulaw_* and pcm_* are raw", format)
	}
}

// Name returns the backend identifier.
func (s *Synthesizer) Name() string { return providerName }

type synthesisRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id,omitempty"`
	LanguageCode  string         `json:"language_code,omitempty"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type errorResponse struct {
	Detail struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"detail"`
}

// Synthesize converts text to speech.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, opts tts.SynthesizeOpts) (*tts.SynthesizeResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, tts.NewSynthesisError(providerName, "nothing to say", tts.ErrEmptyText, false)
	}

	voice := opts.Voice
	if voice == "" {
		voice = s.voice
	}

	reqBody := synthesisRequest{
		Text:          text,
		ModelID:       s.model,
		VoiceSettings: &s.settings,
	}
	if s.model != defaultModel {
		reqBody.LanguageCode = opts.Language
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s?output_format=%s", s.baseURL, url.PathEscape(voice), url.QueryEscape(s.format))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("xi-api-key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	slog.Debug("elevenlabs synthesize", "text_length", len(text), "voice", voice, "format", s.format)

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, tts.NewSynthesisError(providerName, "request failed", err, true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, handleError(resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, tts.NewSynthesisError(providerName, "reading audio", err, true)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &tts.SynthesizeResult{
		Audio:       audio,
		Encoding:    s.encoding,
		ContentType: contentType,
		SampleRate:  s.sampleRate,
	}, nil
}

// Close is a no-op.
func (s *Synthesizer) Close() error { return nil }

func handleError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError

	msg := strings.TrimSpace(string(raw))
	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && er.Detail.Message != "" {
		msg = er.Detail.Message
	}
	return tts.NewSynthesisError(providerName, fmt.Sprintf("HTTP %d", resp.StatusCode), fmt.Errorf("%s", msg), retryable)
}
