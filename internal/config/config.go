// Package config handles loading and validating the parley configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the parley daemon.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Audio       AudioConfig       `mapstructure:"audio"`
	Turn        TurnConfig        `mapstructure:"turn"`
	Interpreter InterpreterConfig `mapstructure:"interpreter"`
	TTS         TTSConfig         `mapstructure:"tts"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds listener and webhook settings.
type ServerConfig struct {
	HTTPPort   int    `mapstructure:"http_port"`
	HealthPort int    `mapstructure:"health_port"`
	GRPCPort   int    `mapstructure:"grpc_port"` // gRPC health service; 0 disables it
	PublicHost string `mapstructure:"public_host"` // host used in the TwiML stream URL; empty means the request Host
	WelcomeURL string `mapstructure:"welcome_url"` // optional audio played before the stream connects
}

// AudioConfig describes the call audio formats.
type AudioConfig struct {
	InboundEncoding string `mapstructure:"inbound_encoding"` // mulaw (default), pcm16
	InboundRate     int    `mapstructure:"inbound_rate"`
	TranscriberRate int    `mapstructure:"transcriber_rate"` // rate of the WAV sent to the transcriber
	FrameMillis     int    `mapstructure:"frame_ms"`         // outbound frame duration
}

// TurnConfig controls turn-taking, liveness and barge-in.
type TurnConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	WarnAfter        time.Duration `mapstructure:"warn_after"`
	TerminateAfter   time.Duration `mapstructure:"terminate_after"`
	ListenThreshold  float64       `mapstructure:"listen_threshold"`  // mean abs amplitude below which a frame is silence
	BargeInThreshold float64       `mapstructure:"bargein_threshold"` // mean abs amplitude that interrupts playback
	EchoIgnoreWindow time.Duration `mapstructure:"echo_ignore_window"`
	ProviderTimeout  time.Duration `mapstructure:"provider_timeout"`
	LivenessPrompt   string        `mapstructure:"liveness_prompt"`
	Greeting         string        `mapstructure:"greeting"`
	SystemPrompt     string        `mapstructure:"system_prompt"`
	Streaming        bool          `mapstructure:"streaming"`
	MaxSessions      int           `mapstructure:"max_sessions"`
	InboundRate      float64       `mapstructure:"inbound_rate"`  // frames per second; 0 disables limiting
	InboundBurst     int           `mapstructure:"inbound_burst"`
}

// InterpreterConfig selects and configures the transcription and LLM backend.
type InterpreterConfig struct {
	Backend string       `mapstructure:"backend"` // "openai" or "local"
	OpenAI  OpenAIConfig `mapstructure:"openai"`
	Local   LocalConfig  `mapstructure:"local"`
}

// OpenAIConfig holds OpenAI API settings.
type OpenAIConfig struct {
	APIKey             string  `mapstructure:"api_key"`
	BaseURL            string  `mapstructure:"base_url"`
	TranscriptionModel string  `mapstructure:"transcription_model"`
	CompletionModel    string  `mapstructure:"completion_model"`
	Language           string  `mapstructure:"language"`
	Temperature        float64 `mapstructure:"temperature"`
}

// LocalConfig holds self-hosted model settings.
type LocalConfig struct {
	WhisperEndpoint string  `mapstructure:"whisper_endpoint"`
	WhisperType     string  `mapstructure:"whisper_type"` // "openai" (default) or "asr" (ahmetoner/whisper-asr-webservice)
	LLMEndpoint     string  `mapstructure:"llm_endpoint"` // .../api/chat, .../api/generate or an OpenAI-compatible URL
	LLMModel        string  `mapstructure:"llm_model"`
	VADFilter       bool    `mapstructure:"vad_filter"`
	Language        string  `mapstructure:"language"`
	Temperature     float64 `mapstructure:"temperature"`
}

// TTSConfig selects and configures the text-to-speech backend.
type TTSConfig struct {
	Backend    string           `mapstructure:"backend"` // "elevenlabs" or "piper"
	Language   string           `mapstructure:"language"`
	ElevenLabs ElevenLabsConfig `mapstructure:"elevenlabs"`
	Piper      PiperConfig      `mapstructure:"piper"`
}

// ElevenLabsConfig holds ElevenLabs API settings.
type ElevenLabsConfig struct {
	APIKey          string  `mapstructure:"api_key"`
	BaseURL         string  `mapstructure:"base_url"`
	VoiceID         string  `mapstructure:"voice_id"`
	Model           string  `mapstructure:"model"`
	OutputFormat    string  `mapstructure:"output_format"` // ulaw_8000 or pcm_<rate>
	Stability       float64 `mapstructure:"stability"`
	SimilarityBoost float64 `mapstructure:"similarity_boost"`
}

// PiperConfig holds Piper TTS settings (Wyoming protocol).
//
// Endpoints maps ISO-639-1 codes to per-language Wyoming servers and takes
// precedence over Endpoint.
type PiperConfig struct {
	Endpoint  string            `mapstructure:"endpoint"`
	Endpoints map[string]string `mapstructure:"endpoints"`
	Voices    map[string]string `mapstructure:"voices"`
	Language  string            `mapstructure:"language"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Load reads the configuration from file, environment variables, and defaults.
// If configFile is non-empty it is used directly; otherwise the standard
// search order applies: ./parley.yaml, ./configs/parley.yaml, /etc/parley/parley.yaml.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("parley")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/parley")
	}

	// Environment variables: PARLEY_SERVER_HTTP_PORT, PARLEY_TURN_WARN_AFTER, etc.
	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The config file is optional; env vars and defaults are sufficient.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		slog.Info("no config file found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Resolve env var references in sensitive fields (e.g., "${OPENAI_API_KEY}").
	cfg.Interpreter.OpenAI.APIKey = resolveEnvRef(cfg.Interpreter.OpenAI.APIKey)
	cfg.TTS.ElevenLabs.APIKey = resolveEnvRef(cfg.TTS.ElevenLabs.APIKey)
	cfg.TTS.ElevenLabs.VoiceID = resolveEnvRef(cfg.TTS.ElevenLabs.VoiceID)

	if cfg.TTS.Piper.Language == "" {
		cfg.TTS.Piper.Language = cfg.TTS.Language
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.health_port", 8081)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.public_host", "")
	v.SetDefault("server.welcome_url", "")

	v.SetDefault("audio.inbound_encoding", "mulaw")
	v.SetDefault("audio.inbound_rate", 8000)
	v.SetDefault("audio.transcriber_rate", 16000)
	v.SetDefault("audio.frame_ms", 20)

	v.SetDefault("turn.tick_interval", time.Second)
	v.SetDefault("turn.warn_after", 10*time.Second)
	v.SetDefault("turn.terminate_after", 10*time.Second)
	v.SetDefault("turn.listen_threshold", 50.0)
	v.SetDefault("turn.bargein_threshold", 2000.0)
	v.SetDefault("turn.echo_ignore_window", 500*time.Millisecond)
	v.SetDefault("turn.provider_timeout", 30*time.Second)
	v.SetDefault("turn.liveness_prompt", "¿Hola, estás ahí?")
	v.SetDefault("turn.greeting", "")
	v.SetDefault("turn.system_prompt", "Eres un agente de atención al cliente. Responde de forma breve y natural, como en una llamada telefónica.")
	v.SetDefault("turn.streaming", true)
	v.SetDefault("turn.max_sessions", 100)
	v.SetDefault("turn.inbound_rate", 100.0)
	v.SetDefault("turn.inbound_burst", 50)

	v.SetDefault("interpreter.backend", "openai")
	v.SetDefault("interpreter.openai.transcription_model", "whisper-1")
	v.SetDefault("interpreter.openai.completion_model", "gpt-4o")
	v.SetDefault("interpreter.openai.language", "es")
	v.SetDefault("interpreter.openai.temperature", 0.8)
	v.SetDefault("interpreter.local.whisper_endpoint", "http://localhost:8000/v1/audio/transcriptions")
	v.SetDefault("interpreter.local.whisper_type", "openai")
	v.SetDefault("interpreter.local.llm_endpoint", "http://localhost:11434/api/chat")
	v.SetDefault("interpreter.local.llm_model", "llama3")
	v.SetDefault("interpreter.local.vad_filter", false)
	v.SetDefault("interpreter.local.language", "")
	v.SetDefault("interpreter.local.temperature", 0.8)

	v.SetDefault("tts.backend", "elevenlabs")
	v.SetDefault("tts.language", "es")
	v.SetDefault("tts.elevenlabs.output_format", "ulaw_8000")
	v.SetDefault("tts.elevenlabs.stability", 0.3)
	v.SetDefault("tts.elevenlabs.similarity_boost", 0.75)
	v.SetDefault("tts.piper.endpoint", "localhost:10200")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks the settings that would otherwise fail deep inside a call.
func (c *Config) Validate() error {
	t := c.Turn
	switch {
	case t.TickInterval <= 0:
		return fmt.Errorf("turn.tick_interval must be positive, got %s", t.TickInterval)
	case t.WarnAfter <= 0:
		return fmt.Errorf("turn.warn_after must be positive, got %s", t.WarnAfter)
	case t.TerminateAfter <= 0:
		return fmt.Errorf("turn.terminate_after must be positive, got %s", t.TerminateAfter)
	case t.ProviderTimeout <= 0:
		return fmt.Errorf("turn.provider_timeout must be positive, got %s", t.ProviderTimeout)
	case t.EchoIgnoreWindow < 0:
		return fmt.Errorf("turn.echo_ignore_window must not be negative, got %s", t.EchoIgnoreWindow)
	case t.EchoIgnoreWindow > t.TerminateAfter:
		return fmt.Errorf("turn.echo_ignore_window (%s) exceeds turn.terminate_after (%s)", t.EchoIgnoreWindow, t.TerminateAfter)
	case t.ListenThreshold < 0 || t.BargeInThreshold < 0:
		return errors.New("turn thresholds must not be negative")
	case t.ListenThreshold > t.BargeInThreshold:
		return fmt.Errorf("turn.listen_threshold (%g) exceeds turn.bargein_threshold (%g)", t.ListenThreshold, t.BargeInThreshold)
	case t.MaxSessions < 0:
		return fmt.Errorf("turn.max_sessions must not be negative, got %d", t.MaxSessions)
	case t.InboundRate < 0:
		return fmt.Errorf("turn.inbound_rate must not be negative, got %g", t.InboundRate)
	}

	a := c.Audio
	if a.InboundRate <= 0 || a.TranscriberRate <= 0 {
		return fmt.Errorf("audio rates must be positive, got inbound=%d transcriber=%d", a.InboundRate, a.TranscriberRate)
	}
	if a.FrameMillis <= 0 {
		return fmt.Errorf("audio.frame_ms must be positive, got %d", a.FrameMillis)
	}

	switch c.Interpreter.Backend {
	case "openai", "local":
	default:
		return fmt.Errorf("unknown interpreter backend: %q", c.Interpreter.Backend)
	}
	switch c.TTS.Backend {
	case "elevenlabs", "piper":
	default:
		return fmt.Errorf("unknown tts backend: %q", c.TTS.Backend)
	}
	return nil
}

// resolveEnvRef replaces "${VAR_NAME}" patterns with the corresponding env var value.
func resolveEnvRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		envKey := val[2 : len(val)-1]
		if envVal := os.Getenv(envKey); envVal != "" {
			return envVal
		}
	}
	return val
}

// SetupLogging configures the global slog logger based on config.
func SetupLogging(cfg LoggingConfig) {
	slog.SetDefault(slog.New(NewHandler(cfg, os.Stdout)))
}

// NewHandler builds the slog handler SetupLogging installs.
func NewHandler(cfg LoggingConfig, w io.Writer) slog.Handler {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}
