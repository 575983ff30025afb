// Package liveness decides when a caller has finished an utterance and when
// a silent call should be prompted and then hung up.
//
// The Monitor is a pure state machine: it never starts timers or goroutines.
// The owning session feeds it activity and periodic ticks with the current
// time and acts on the returned Decision. That keeps the escalation schedule
// testable with a fake clock.
package liveness

import (
	"fmt"
	"time"
)

// Default escalation schedule.
const (
	DefaultTickInterval   = time.Second
	DefaultWarnAfter      = 10 * time.Second
	DefaultTerminateAfter = 10 * time.Second
)

// Stage is the idle escalation stage.
type Stage int

const (
	// StageActive means the caller has been heard within WarnAfter.
	StageActive Stage = iota
	// StageWarned means the "are you still there?" prompt has been issued.
	StageWarned
	// StageTerminated means the call should be (or has been) hung up.
	StageTerminated
)

// String returns the stage name used in logs and metrics.
func (s Stage) String() string {
	switch s {
	case StageActive:
		return "active"
	case StageWarned:
		return "warned"
	case StageTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Config controls the idle escalation schedule.
type Config struct {
	// WarnAfter is how long the caller may stay silent before the prompt.
	WarnAfter time.Duration

	// TerminateAfter is measured from the prompt, not from the last activity.
	TerminateAfter time.Duration
}

// DefaultConfig returns the 10 s / 10 s schedule.
func DefaultConfig() Config {
	return Config{WarnAfter: DefaultWarnAfter, TerminateAfter: DefaultTerminateAfter}
}

// Validate rejects non-positive thresholds.
func (c Config) Validate() error {
	if c.WarnAfter <= 0 {
		return fmt.Errorf("liveness: warn_after must be positive, got %s", c.WarnAfter)
	}
	if c.TerminateAfter <= 0 {
		return fmt.Errorf("liveness: terminate_after must be positive, got %s", c.TerminateAfter)
	}
	return nil
}

// Decision tells the session what a tick concluded.
type Decision struct {
	// Flush is set when the buffer is non-empty and did not grow since the
	// previous tick: the caller stopped talking.
	Flush bool

	// Warn is set exactly once per escalation, when the idle prompt is due.
	Warn bool

	// Terminate is set exactly once, when the call should be hung up.
	Terminate bool
}

// Monitor tracks buffer growth and caller idleness for one session.
type Monitor struct {
	cfg Config

	lastSize     int
	lastActivity time.Time
	warnedAt     time.Time
	stage        Stage
}

// New returns a monitor whose idle clock starts at now.
func New(cfg Config, now time.Time) *Monitor {
	return &Monitor{cfg: cfg, lastActivity: now}
}

// Activity records caller activity at now. It resets the idle clock and
// cancels a pending termination that has not fired yet.
func (m *Monitor) Activity(now time.Time) {
	if m.stage == StageTerminated {
		return
	}
	if now.After(m.lastActivity) {
		m.lastActivity = now
	}
	m.stage = StageActive
	m.warnedAt = time.Time{}
}

// Tick evaluates the growth check and the idle schedule. buffered is the
// current utterance buffer size.
func (m *Monitor) Tick(now time.Time, buffered int) Decision {
	var d Decision
	if m.stage == StageTerminated {
		return d
	}

	d.Flush = buffered > 0 && buffered == m.lastSize
	m.lastSize = buffered

	switch m.stage {
	case StageActive:
		if now.Sub(m.lastActivity) >= m.cfg.WarnAfter {
			m.stage = StageWarned
			m.warnedAt = now
			d.Warn = true
		}
	case StageWarned:
		if now.Sub(m.warnedAt) >= m.cfg.TerminateAfter {
			m.stage = StageTerminated
			d.Terminate = true
		}
	}
	return d
}

// Flushed tells the monitor the buffer was emptied, so the next growth
// comparison starts from zero.
func (m *Monitor) Flushed() {
	m.lastSize = 0
}

// Stage returns the current escalation stage.
func (m *Monitor) Stage() Stage {
	return m.stage
}

// IdleFor reports how long the caller has been silent as of now.
func (m *Monitor) IdleFor(now time.Time) time.Duration {
	return now.Sub(m.lastActivity)
}
