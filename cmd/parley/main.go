// Parley answers phone calls delivered as media streams and holds a spoken
// conversation with the caller: it listens, transcribes, asks a language
// model for a reply and speaks it back, yielding whenever the caller talks
// over it.
//
// Usage:
//
//	parley [flags]
//	parley --config /path/to/parley.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	_ "github.com/nadzzz/parley/docs"
	"github.com/nadzzz/parley/internal/codec"
	"github.com/nadzzz/parley/internal/config"
	"github.com/nadzzz/parley/internal/dispatch"
	"github.com/nadzzz/parley/internal/health"
	"github.com/nadzzz/parley/internal/interpreter"
	localinterp "github.com/nadzzz/parley/internal/interpreter/local"
	openaiinterp "github.com/nadzzz/parley/internal/interpreter/openai"
	"github.com/nadzzz/parley/internal/metrics"
	"github.com/nadzzz/parley/internal/pacer"
	"github.com/nadzzz/parley/internal/session"
	httptransport "github.com/nadzzz/parley/internal/transport/http"
	"github.com/nadzzz/parley/internal/tts"
	"github.com/nadzzz/parley/internal/tts/elevenlabs"
	"github.com/nadzzz/parley/internal/tts/piper"
)

// version is set at build time via ldflags.
var version = "dev"

// @title       Parley API
// @version     1.0
// @description Call webhook, media stream and session inspection API of the parley voice agent.
// @BasePath    /
func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configFile := flag.String("config", "", "path to config file (e.g. configs/parley.yaml)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("parley %s\n", version)
		os.Exit(0)
	}

	// Load configuration.
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging.
	config.SetupLogging(cfg.Logging)
	slog.Info("parley starting", "version", version)

	if err := run(cfg); err != nil {
		slog.Error("parley failed", "error", err)
		os.Exit(1)
	}
	slog.Info("parley stopped")
}

func run(cfg *config.Config) error {
	// Create root context with signal handling for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	interp, err := newInterpreter(cfg.Interpreter)
	if err != nil {
		return err
	}
	defer interp.Close()

	synth, err := newSynthesizer(cfg.TTS)
	if err != nil {
		return err
	}
	defer synth.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	inbound, err := codec.ParseEncoding(cfg.Audio.InboundEncoding)
	if err != nil {
		return fmt.Errorf("audio.inbound_encoding: %w", err)
	}

	p, err := pacer.ForTelephony(cfg.Audio.FrameMillis)
	if err != nil {
		return fmt.Errorf("creating pacer: %w", err)
	}

	// The transcription language is left to interpreter.<backend>.language.
	dispatcher := dispatch.New(interp, interp, synth, p, m, dispatch.Options{
		InboundEncoding: inbound,
		InboundRate:     cfg.Audio.InboundRate,
		TranscriberRate: cfg.Audio.TranscriberRate,
		SpeechLanguage:  cfg.TTS.Language,
		ProviderTimeout: cfg.Turn.ProviderTimeout,
		Streaming:       cfg.Turn.Streaming,
		Chunking:        dispatch.DefaultChunkConfig(),
	})

	registry := session.NewRegistry(session.ConfigFrom(cfg, inbound), dispatcher,
		session.WithMaxSessions(cfg.Turn.MaxSessions),
		session.WithRegistryMetrics(m),
		session.WithRegistryLogger(slog.Default()),
	)

	httpTransport := httptransport.New(httptransport.Options{
		Port:            cfg.Server.HTTPPort,
		PublicHost:      cfg.Server.PublicHost,
		WelcomeURL:      cfg.Server.WelcomeURL,
		InboundEncoding: inbound,
		InboundRate:     cfg.Audio.InboundRate,
		Sessions:        registry,
		Metrics:         m,
	})

	healthOpts := []health.Option{health.WithGatherer(reg), health.WithSessions(registry)}
	var grpcHealth *health.GRPCServer
	if cfg.Server.GRPCPort > 0 {
		grpcHealth = health.NewGRPC(cfg.Server.GRPCPort)
		healthOpts = append(healthOpts, health.WithGRPC(grpcHealth))
	}
	healthServer := health.New(cfg.Server.HealthPort, healthOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return healthServer.ListenAndServe(gctx) })
	if grpcHealth != nil {
		g.Go(func() error { return grpcHealth.ListenAndServe(gctx) })
	}
	g.Go(func() error {
		slog.Info("starting transport", "name", httpTransport.Name())
		return httpTransport.Listen(gctx, registry)
	})

	// Mark as ready once the servers are started.
	healthServer.SetReady(true)
	slog.Info("parley ready",
		"http_port", cfg.Server.HTTPPort,
		"health_port", cfg.Server.HealthPort,
		"interpreter", interp.Name(),
		"tts", synth.Name())

	// Block until shutdown signal or a server failure.
	<-gctx.Done()
	slog.Info("shutting down, hanging up calls", "sessions", registry.Len())
	healthServer.SetReady(false)
	registry.CloseAll()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newInterpreter(cfg config.InterpreterConfig) (interpreter.Interpreter, error) {
	switch cfg.Backend {
	case "openai":
		slog.Info("using OpenAI interpreter",
			"transcription_model", cfg.OpenAI.TranscriptionModel,
			"completion_model", cfg.OpenAI.CompletionModel)
		return openaiinterp.New(cfg.OpenAI), nil
	case "local":
		slog.Info("using local interpreter",
			"whisper", cfg.Local.WhisperEndpoint,
			"llm", cfg.Local.LLMEndpoint)
		return localinterp.New(cfg.Local), nil
	default:
		return nil, fmt.Errorf("unknown interpreter backend %q", cfg.Backend)
	}
}

func newSynthesizer(cfg config.TTSConfig) (tts.Synthesizer, error) {
	switch cfg.Backend {
	case "elevenlabs":
		slog.Info("using ElevenLabs synthesizer",
			"voice_id", cfg.ElevenLabs.VoiceID,
			"model", cfg.ElevenLabs.Model,
			"output_format", cfg.ElevenLabs.OutputFormat)
		s, err := elevenlabs.New(cfg.ElevenLabs)
		if err != nil {
			return nil, fmt.Errorf("creating elevenlabs synthesizer: %w", err)
		}
		return s, nil
	case "piper":
		slog.Info("using Piper synthesizer", "endpoint", cfg.Piper.Endpoint, "language", cfg.Piper.Language)
		return piper.New(cfg.Piper), nil
	default:
		return nil, fmt.Errorf("unknown tts backend %q", cfg.Backend)
	}
}
