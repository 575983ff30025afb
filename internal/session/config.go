package session

import (
	"github.com/nadzzz/parley/internal/codec"
	"github.com/nadzzz/parley/internal/config"
	"github.com/nadzzz/parley/internal/liveness"
)

// ConfigFrom builds the per-call settings from the daemon configuration.
func ConfigFrom(cfg *config.Config, inbound codec.Encoding) Config {
	return Config{
		TickInterval: cfg.Turn.TickInterval,
		Liveness: liveness.Config{
			WarnAfter:      cfg.Turn.WarnAfter,
			TerminateAfter: cfg.Turn.TerminateAfter,
		},
		ListenThreshold:  cfg.Turn.ListenThreshold,
		BargeInThreshold: cfg.Turn.BargeInThreshold,
		EchoIgnoreWindow: cfg.Turn.EchoIgnoreWindow,
		LivenessPrompt:   cfg.Turn.LivenessPrompt,
		Greeting:         cfg.Turn.Greeting,
		SystemPrompt:     cfg.Turn.SystemPrompt,
		InboundEncoding:  inbound,
		InboundRate:      cfg.Audio.InboundRate,
		FrameRateLimit:   cfg.Turn.InboundRate,
		FrameBurst:       cfg.Turn.InboundBurst,
	}
}
