// Package dispatch implements the response orchestrator.
//
// A run takes one utterance through transcribe → generate → synthesize →
// pace. Runs never surface errors to the caller's audio: every failure is
// logged and the session simply returns to listening. Conversation memory
// is never rolled back.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nadzzz/parley/internal/codec"
	"github.com/nadzzz/parley/internal/interpreter"
	"github.com/nadzzz/parley/internal/message"
	"github.com/nadzzz/parley/internal/metrics"
	"github.com/nadzzz/parley/internal/pacer"
	"github.com/nadzzz/parley/internal/tts"
)

// DefaultProviderTimeout bounds each provider call when Options leaves it zero.
const DefaultProviderTimeout = 30 * time.Second

// errStreamIdle ends a reply stream that produced nothing for a whole
// provider timeout.
var errStreamIdle = fmt.Errorf("model stream idle: %w", context.DeadlineExceeded)

// Conversation is the session side of a run. Implementations serialize these
// calls with inbound frame handling.
type Conversation interface {
	// History returns a snapshot of the turns so far.
	History() []message.Turn

	// AppendTurn records a turn produced by h. Turns from a run that has
	// been superseded by a newer one are dropped.
	AppendTurn(h *Handle, role message.Role, text string)

	// BeginSpeaking marks the session Speaking for h. It reports false when
	// h no longer owns the session. Repeated calls for the same h are no-ops.
	BeginSpeaking(h *Handle) bool

	// Send delivers one outbound frame of h. It fails once h is cancelled or
	// the transport is closed.
	Send(h *Handle, frame []byte) error

	// Finish ends h's run and returns the session to listening.
	Finish(h *Handle, err error)
}

// Options tunes the orchestrator.
type Options struct {
	InboundEncoding    codec.Encoding
	InboundRate        int
	TranscriberRate    int
	TranscribeLanguage string // empty leaves the choice to the transcriber's own config
	SpeechLanguage     string
	ProviderTimeout    time.Duration
	Streaming          bool
	Chunking           ChunkConfig
}

// Dispatcher runs responses. It holds no per-call state and is shared by
// all sessions.
type Dispatcher struct {
	transcriber interpreter.Transcriber
	model       interpreter.LanguageModel
	synthesizer tts.Synthesizer
	pacer       *pacer.Pacer
	metrics     *metrics.Metrics
	opts        Options
}

// New creates a Dispatcher.
func New(tr interpreter.Transcriber, lm interpreter.LanguageModel, synth tts.Synthesizer, p *pacer.Pacer, m *metrics.Metrics, opts Options) *Dispatcher {
	if opts.InboundEncoding == "" {
		opts.InboundEncoding = codec.EncodingMulaw
	}
	if opts.InboundRate <= 0 {
		opts.InboundRate = codec.TelephonyRate
	}
	if opts.TranscriberRate <= 0 {
		opts.TranscriberRate = 16000
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = DefaultProviderTimeout
	}
	return &Dispatcher{
		transcriber: tr,
		model:       lm,
		synthesizer: synth,
		pacer:       p,
		metrics:     m,
		opts:        opts,
	}
}

// Run takes u through the full pipeline and always ends with conv.Finish.
// It blocks until the run completes or h is cancelled.
func (d *Dispatcher) Run(conv Conversation, h *Handle, u message.Utterance, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("run_id", h.ID(), "kind", u.Kind.String())
	start := time.Now()
	logger.Debug("response started", "system_initiated", u.SystemInitiated)

	err := d.run(conv, h, u, logger)
	switch {
	case err == nil:
		logger.Info("response complete", "duration_ms", time.Since(start).Milliseconds())
	case h.Cancelled():
		logger.Info("response cancelled", "duration_ms", time.Since(start).Milliseconds())
	default:
		logger.Warn("turn aborted", "error", err, "retryable", retryable(err))
	}
	conv.Finish(h, err)
}

func (d *Dispatcher) run(conv Conversation, h *Handle, u message.Utterance, logger *slog.Logger) error {
	ctx := h.Context()

	text := u.Text
	switch u.Kind {
	case message.UtteranceAudio:
		transcript, err := d.transcribe(ctx, u.Audio)
		if err != nil {
			return err
		}
		logger.Info("transcription complete", "text_length", len(transcript))
		text = transcript

	case message.UtteranceSay:
		if strings.TrimSpace(text) == "" {
			return nil
		}
		conv.AppendTurn(h, message.RoleAssistant, text)
		return d.speak(ctx, conv, h, d.pacer.NewRun(), text)
	}

	if strings.TrimSpace(text) == "" {
		return interpreter.NewTranscriptionError("input", "empty utterance", interpreter.ErrEmptyTranscript, false)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	conv.AppendTurn(h, message.RoleUser, text)

	if sm, ok := d.model.(interpreter.StreamingLanguageModel); ok && d.opts.Streaming {
		return d.respondStreaming(ctx, conv, h, sm, logger)
	}
	return d.respond(ctx, conv, h, logger)
}

// respond generates the whole reply, records it, then speaks it.
func (d *Dispatcher) respond(ctx context.Context, conv Conversation, h *Handle, logger *slog.Logger) error {
	gctx, cancel := context.WithTimeout(ctx, d.opts.ProviderTimeout)
	defer cancel()

	start := time.Now()
	reply, err := d.model.Generate(gctx, conv.History())
	d.metrics.ObserveProvider(nameOf(d.model), "generate", start, err)
	if err != nil {
		return err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return interpreter.NewGenerationError(nameOf(d.model), "empty reply", interpreter.ErrEmptyReply, false)
	}

	conv.AppendTurn(h, message.RoleAssistant, reply)
	logger.Debug("reply generated", "text_length", len(reply))
	return d.speak(ctx, conv, h, d.pacer.NewRun(), reply)
}

// respondStreaming forwards reply fragments to synthesis while the model is
// still generating. The assistant turn is recorded as soon as generation
// ends, with whatever text arrived, even if playback is still running or
// later fails.
func (d *Dispatcher) respondStreaming(ctx context.Context, conv Conversation, h *Handle, sm interpreter.StreamingLanguageModel, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	fragments := make(chan string, 8)

	g.Go(func() error {
		defer close(fragments)

		var full strings.Builder
		defer func() {
			if reply := strings.TrimSpace(full.String()); reply != "" {
				conv.AppendTurn(h, message.RoleAssistant, reply)
				logger.Debug("reply generated", "text_length", len(reply))
			}
		}()

		// ProviderTimeout bounds each wait on the model. The clock is stopped
		// while emit waits for playback.
		tctx, cancel := context.WithCancelCause(gctx)
		defer cancel(nil)
		idle := time.AfterFunc(d.opts.ProviderTimeout, func() { cancel(errStreamIdle) })
		defer idle.Stop()

		start := time.Now()
		stream, err := sm.GenerateStream(tctx, conv.History())
		if err != nil {
			if cause := context.Cause(tctx); cause != nil {
				err = cause
			}
			d.metrics.ObserveProvider(nameOf(sm), "generate", start, err)
			return err
		}
		defer stream.Close()

		chunker := NewChunker(d.opts.Chunking)
		emit := func(frags []string) error {
			for _, f := range frags {
				select {
				case fragments <- f:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		}

		for {
			idle.Reset(d.opts.ProviderTimeout)
			delta, err := stream.Next()
			idle.Stop()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				if cause := context.Cause(tctx); cause != nil {
					err = cause
				}
				d.metrics.ObserveProvider(nameOf(sm), "generate", start, err)
				return interpreter.NewGenerationError(nameOf(sm), "stream interrupted", err, false)
			}
			full.WriteString(delta)
			if err := emit(chunker.Push(delta)); err != nil {
				return err
			}
		}
		d.metrics.ObserveProvider(nameOf(sm), "generate", start, nil)

		if strings.TrimSpace(full.String()) == "" {
			return interpreter.NewGenerationError(nameOf(sm), "empty reply", interpreter.ErrEmptyReply, false)
		}
		return emit(chunker.Flush())
	})

	g.Go(func() error {
		run := d.pacer.NewRun()
		for frag := range fragments {
			if err := d.speak(gctx, conv, h, run, frag); err != nil {
				return err
			}
		}
		return nil
	})

	return g.Wait()
}

// speak synthesizes text and paces it onto the call. The session only
// becomes Speaking once there is audio to play.
func (d *Dispatcher) speak(ctx context.Context, conv Conversation, h *Handle, run *pacer.Run, text string) error {
	audio, err := d.synthesize(ctx, text)
	if err != nil {
		return err
	}
	if len(audio) == 0 {
		return nil
	}
	if !conv.BeginSpeaking(h) {
		return context.Canceled
	}

	_, err = run.Pace(ctx, audio, func(frame []byte) error {
		if err := conv.Send(h, frame); err != nil {
			return err
		}
		d.metrics.FrameSent()
		return nil
	})
	return err
}

func (d *Dispatcher) transcribe(ctx context.Context, audio []byte) (string, error) {
	name := nameOf(d.transcriber)
	wav, err := d.transcriptionWAV(audio)
	if err != nil {
		return "", interpreter.NewTranscriptionError(name, "preparing audio", err, false)
	}

	tctx, cancel := context.WithTimeout(ctx, d.opts.ProviderTimeout)
	defer cancel()

	start := time.Now()
	res, err := d.transcriber.Transcribe(tctx, wav, interpreter.TranscribeOpts{
		Language:   d.opts.TranscribeLanguage,
		SampleRate: d.opts.TranscriberRate,
	})
	d.metrics.ObserveProvider(name, "transcribe", start, err)
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(res.Text)
	if !interpreter.UsableTranscript(text) {
		return "", interpreter.NewTranscriptionError(name, "nothing recognized", interpreter.ErrEmptyTranscript, false)
	}
	return text, nil
}

// transcriptionWAV converts buffered call audio to a mono WAV at the
// transcriber's rate.
func (d *Dispatcher) transcriptionWAV(audio []byte) ([]byte, error) {
	if len(audio) == 0 {
		return nil, interpreter.ErrEmptyAudio
	}

	var samples []int16
	switch d.opts.InboundEncoding {
	case codec.EncodingMulaw:
		samples = codec.MulawToSamples(audio)
	case codec.EncodingPCM16:
		s, err := codec.PCMToSamples(audio)
		if err != nil {
			return nil, err
		}
		samples = s
	default:
		return nil, fmt.Errorf("unsupported inbound encoding %q", d.opts.InboundEncoding)
	}

	samples, err := codec.Resample(samples, d.opts.InboundRate, d.opts.TranscriberRate)
	if err != nil {
		return nil, err
	}
	return codec.WrapPCM(codec.SamplesToPCM(samples), d.opts.TranscriberRate, 1, 16), nil
}

// synthesize returns telephony audio for text.
func (d *Dispatcher) synthesize(ctx context.Context, text string) ([]byte, error) {
	sctx, cancel := context.WithTimeout(ctx, d.opts.ProviderTimeout)
	defer cancel()

	start := time.Now()
	res, err := d.synthesizer.Synthesize(sctx, text, tts.SynthesizeOpts{Language: d.opts.SpeechLanguage})
	d.metrics.ObserveProvider(d.synthesizer.Name(), "synthesize", start, err)
	if err != nil {
		return nil, err
	}

	audio, err := res.Telephony()
	if err != nil {
		return nil, tts.NewSynthesisError(d.synthesizer.Name(), "converting audio", err, false)
	}
	return audio, nil
}

// retryable reports whether a provider marked err as worth repeating.
func retryable(err error) bool {
	var (
		terr *interpreter.TranscriptionError
		gerr *interpreter.GenerationError
		serr *tts.SynthesisError
		herr *interpreter.HTTPStatusError
	)
	switch {
	case errors.As(err, &terr):
		return terr.Retryable
	case errors.As(err, &gerr):
		return gerr.Retryable
	case errors.As(err, &serr):
		return serr.Retryable
	case errors.As(err, &herr):
		return herr.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func nameOf(v any) string {
	if n, ok := v.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "unknown"
}
