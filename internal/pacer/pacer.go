// Package pacer meters synthesized audio onto the call in real time.
package pacer

import (
	"context"
	"fmt"
	"time"

	"github.com/nadzzz/parley/internal/codec"
)

// DefaultFrameMillis is the outbound frame duration used by telephony media streams.
const DefaultFrameMillis = 20

// SendFunc delivers one frame. An error stops pacing.
type SendFunc func(frame []byte) error

// Pacer splits audio into fixed-size frames and emits them no faster than
// the audio plays.
type Pacer struct {
	frameSize int
	frameDur  time.Duration
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures a Pacer.
type Option func(*Pacer)

// WithClock replaces the wall clock and sleeper, for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pacer) {
		p.now = now
		p.sleep = sleep
	}
}

// New returns a pacer emitting frameSize-byte frames, each worth frameDur.
func New(frameSize int, frameDur time.Duration, opts ...Option) (*Pacer, error) {
	if frameSize <= 0 || frameDur <= 0 {
		return nil, fmt.Errorf("invalid frame: %d bytes / %s", frameSize, frameDur)
	}
	p := &Pacer{
		frameSize: frameSize,
		frameDur:  frameDur,
		now:       time.Now,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ForTelephony returns a pacer for 8 kHz mu-law with frames of frameMillis.
func ForTelephony(frameMillis int, opts ...Option) (*Pacer, error) {
	return New(codec.TelephonyRate*frameMillis/1000, time.Duration(frameMillis)*time.Millisecond, opts...)
}

// FrameSize returns the frame size in bytes.
func (p *Pacer) FrameSize() int { return p.frameSize }

// FrameDuration returns the playback time of one full frame.
func (p *Pacer) FrameDuration() time.Duration { return p.frameDur }

// NewRun starts a schedule. Audio paced through the same Run plays back to
// back, so one reply split over several syntheses stays contiguous.
func (p *Pacer) NewRun() *Run {
	return &Run{p: p}
}

// Pace emits audio on a fresh schedule.
func (p *Pacer) Pace(ctx context.Context, audio []byte, send SendFunc) (int, error) {
	return p.NewRun().Pace(ctx, audio, send)
}

// Run is one playback schedule.
type Run struct {
	p       *Pacer
	started bool
	origin  time.Time
	elapsed time.Duration
}

// Pace emits audio frame by frame. It checks ctx before every frame and
// returns the number of frames sent. The final frame may be short.
func (r *Run) Pace(ctx context.Context, audio []byte, send SendFunc) (int, error) {
	p := r.p
	sent := 0
	for off := 0; off < len(audio); off += p.frameSize {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		now := p.now()
		if !r.started {
			r.started = true
			r.origin = now
		}
		due := r.origin.Add(r.elapsed)
		if wait := due.Sub(now); wait > 0 {
			if err := p.sleep(ctx, wait); err != nil {
				return sent, err
			}
			if err := ctx.Err(); err != nil {
				return sent, err
			}
		} else if -wait > p.frameDur {
			// Fell behind (slow synthesis); restart the schedule here
			// instead of bursting to catch up.
			r.origin = now.Add(-r.elapsed)
		}

		end := min(off+p.frameSize, len(audio))
		if err := send(audio[off:end]); err != nil {
			return sent, err
		}
		sent++
		r.elapsed += p.frameDur * time.Duration(end-off) / time.Duration(p.frameSize)
	}
	return sent, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
