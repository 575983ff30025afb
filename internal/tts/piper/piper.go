// Package piper implements the TTS Synthesizer using a Piper Wyoming protocol server.
//
// Piper is a fast, local neural text-to-speech system. The linuxserver/piper
// container exposes the Wyoming protocol on TCP port 10200.
//
// Wyoming protocol format (per event):
//
//	<json_length> <payload_length>\n
//	<json_bytes>\n
//	<payload_bytes>   (if payload_length > 0)
package piper

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nadzzz/parley/internal/codec"
	"github.com/nadzzz/parley/internal/config"
	"github.com/nadzzz/parley/internal/tts"
)

const providerName = "piper"

// defaultVoices maps ISO-639-1 language codes to Piper voice model names.
var defaultVoices = map[string]string{
	"en": "en_US-lessac-medium",
	"es": "es_MX-claude-high",
	"fr": "fr_FR-siwis-medium",
	"de": "de_DE-thorsten-medium",
	"pt": "pt_BR-faber-medium",
	"it": "it_IT-riccardo-x_low",
}

// Synthesizer implements tts.Synthesizer using the Wyoming protocol.
type Synthesizer struct {
	endpoint  string            // default host:port
	endpoints map[string]string // language -> host:port
	voices    map[string]string // language -> voice name
	language  string
	timeout   time.Duration
}

// New creates a new Piper synthesizer from config.
func New(cfg config.PiperConfig) *Synthesizer {
	voices := make(map[string]string, len(defaultVoices)+len(cfg.Voices))
	for k, v := range defaultVoices {
		voices[k] = v
	}
	for k, v := range cfg.Voices {
		voices[k] = v
	}

	endpoints := make(map[string]string, len(cfg.Endpoints))
	for lang, ep := range cfg.Endpoints {
		endpoints[lang] = cleanEndpoint(ep)
	}

	return &Synthesizer{
		endpoint:  cleanEndpoint(cfg.Endpoint),
		endpoints: endpoints,
		voices:    voices,
		language:  cfg.Language,
		timeout:   30 * time.Second,
	}
}

func cleanEndpoint(ep string) string {
	ep = strings.TrimPrefix(ep, "tcp://")
	return strings.TrimPrefix(ep, "http://")
}

// Name returns the backend identifier.
func (s *Synthesizer) Name() string { return providerName }

// Synthesize sends text to the Piper server and returns raw 16-bit PCM at
// the voice's native rate.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, opts tts.SynthesizeOpts) (*tts.SynthesizeResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, tts.NewSynthesisError(providerName, "nothing to say", tts.ErrEmptyText, false)
	}

	lang := opts.Language
	if lang == "" {
		lang = s.language
	}
	voice := opts.Voice
	if voice == "" {
		voice = s.voices[lang]
	}
	if voice == "" {
		voice = s.voices["en"]
	}

	endpoint := s.endpoints[lang]
	if endpoint == "" {
		endpoint = s.endpoint
	}
	if endpoint == "" {
		return nil, fmt.Errorf("no piper endpoint configured for language %q", lang)
	}

	slog.Debug("piper synthesize", "text_length", len(text), "voice", voice, "language", lang, "endpoint", endpoint)

	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, tts.NewSynthesisError(providerName, "connecting", err, true)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(s.timeout))
	}

	// Unblock reads if the caller gives up before the deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	req := wyomingEvent{
		Type: "synthesize",
		Data: map[string]any{
			"text":  text,
			"voice": map[string]any{"name": voice},
		},
	}
	if err := writeEvent(conn, req, nil); err != nil {
		return nil, tts.NewSynthesisError(providerName, "sending synthesize event", err, true)
	}

	pcm, rate, err := readAudio(bufio.NewReader(conn))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, tts.NewSynthesisError(providerName, "reading audio", err, false)
	}

	return &tts.SynthesizeResult{
		Audio:       pcm,
		Encoding:    codec.EncodingPCM16,
		ContentType: "audio/L16",
		SampleRate:  rate,
	}, nil
}

// Close is a no-op; connections are per-request.
func (s *Synthesizer) Close() error { return nil }

// readAudio consumes audio-start, audio-chunk* and audio-stop events.
func readAudio(r *bufio.Reader) ([]byte, int, error) {
	var (
		pcm      bytes.Buffer
		rate     = 22050
		channels = 1
		width    = 2
	)
	for {
		evt, payload, err := readEvent(r)
		if err != nil {
			return nil, 0, err
		}

		switch evt.Type {
		case "audio-start":
			if v, ok := evt.Data["rate"].(float64); ok {
				rate = int(v)
			}
			if v, ok := evt.Data["channels"].(float64); ok {
				channels = int(v)
			}
			if v, ok := evt.Data["width"].(float64); ok {
				width = int(v)
			}
			if channels != 1 || width != codec.BytesPerSample {
				return nil, 0, fmt.Errorf("unsupported audio format: %d channels, %d bytes per sample", channels, width)
			}

		case "audio-chunk":
			pcm.Write(payload)

		case "audio-stop":
			slog.Debug("piper audio-stop", "pcm_bytes", pcm.Len(), "rate", rate)
			return pcm.Bytes(), rate, nil

		case "error":
			msg := "unknown error"
			if text, ok := evt.Data["text"].(string); ok {
				msg = text
			}
			return nil, 0, fmt.Errorf("piper error: %s", msg)
		}
	}
}

// --- Wyoming protocol helpers ---

type wyomingEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// writeEvent sends a Wyoming event.
func writeEvent(w io.Writer, evt wyomingEvent, payload []byte) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d %d\n", len(body), len(payload))
	buf.Write(body)
	buf.WriteByte('\n')
	buf.Write(payload)
	_, err = w.Write(buf.Bytes())
	return err
}

// readEvent reads one Wyoming event.
func readEvent(r *bufio.Reader) (*wyomingEvent, []byte, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	fields := strings.Fields(header)
	if len(fields) != 2 {
		return nil, nil, fmt.Errorf("invalid wyoming header: %q", strings.TrimSpace(header))
	}
	jsonLen, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, nil, fmt.Errorf("parsing json_length: %w", err)
	}
	payloadLen, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, nil, fmt.Errorf("parsing payload_length: %w", err)
	}

	body := make([]byte, jsonLen+1)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, fmt.Errorf("reading json: %w", err)
	}

	var evt wyomingEvent
	if err := json.Unmarshal(body[:jsonLen], &evt); err != nil {
		return nil, nil, fmt.Errorf("unmarshalling event: %w", err)
	}

	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, nil, fmt.Errorf("reading payload: %w", err)
		}
	}
	return &evt, payload, nil
}
