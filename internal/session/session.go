// Package session owns the per-call turn-taking state machine.
//
// A Session serializes everything that touches call state behind one mutex:
// inbound frames, the silence tick, and the callbacks of the response run.
// Provider calls and frame pacing happen on the run's goroutine without the
// lock, so inbound handling never waits for them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nadzzz/parley/internal/codec"
	"github.com/nadzzz/parley/internal/dispatch"
	"github.com/nadzzz/parley/internal/liveness"
	"github.com/nadzzz/parley/internal/message"
	"github.com/nadzzz/parley/internal/metrics"
	"github.com/nadzzz/parley/internal/transport"
	"github.com/nadzzz/parley/internal/utterance"
)

var (
	// ErrClosed is returned when a frame arrives for a closed session.
	ErrClosed = errors.New("session closed")

	// ErrEmptyInstructions is returned by AppendInstructions for blank text.
	ErrEmptyInstructions = errors.New("instructions are empty")
)

// Responder runs one response. *dispatch.Dispatcher implements it.
type Responder interface {
	Run(conv dispatch.Conversation, h *dispatch.Handle, u message.Utterance, logger *slog.Logger)
}

// Config holds the per-call behavior settings.
type Config struct {
	TickInterval     time.Duration
	Liveness         liveness.Config
	ListenThreshold  float64
	BargeInThreshold float64
	EchoIgnoreWindow time.Duration
	LivenessPrompt   string
	Greeting         string
	SystemPrompt     string
	InboundEncoding  codec.Encoding
	InboundRate      int
	FrameRateLimit   float64 // inbound frames per second; 0 disables
	FrameBurst       int
}

// Info is a point-in-time view of a session.
type Info struct {
	ID             string    `json:"id"`
	State          State     `json:"state"`
	Stage          string    `json:"liveness"`
	Turns          int       `json:"turns"`
	BufferedBytes  int       `json:"buffered_bytes"`
	ReceivedMillis int64     `json:"received_ms"`
	MissingFrames  uint64    `json:"missing_frames"`
	StartedAt      time.Time `json:"started_at"`
}

// Option configures a Session.
type Option func(*Session)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithMetrics attaches collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithLogger sets the parent logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// Session is one call.
type Session struct {
	id        string
	cfg       Config
	conn      transport.Conn
	responder Responder
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	limiter   *rate.Limiter
	onClose   func()

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	runs   sync.WaitGroup

	mu              sync.Mutex
	state           State
	history         []message.Turn
	buffer          *utterance.Buffer
	monitor         *liveness.Monitor
	inflight        *dispatch.Handle // current run, Thinking or Speaking
	activeSynthesis *dispatch.Handle // set only while Speaking
	lastRun         *dispatch.Handle // newest run; only it may append turns
	holdIdle        bool             // inflight run pauses idle escalation
	playbackStart   time.Time
	startedAt       time.Time
	lastSeq         uint64
	missing         uint64
	received        time.Duration
}

// New creates a session in StateIdle. Call Start when the stream begins.
func New(ctx context.Context, id string, conn transport.Conn, responder Responder, cfg Config, opts ...Option) *Session {
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:        id,
		cfg:       cfg,
		conn:      conn,
		responder: responder,
		now:       time.Now,
		logger:    slog.Default(),
		ctx:       sctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		buffer:    utterance.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session_id", id)
	if s.cfg.TickInterval <= 0 {
		s.cfg.TickInterval = liveness.DefaultTickInterval
	}
	if s.cfg.InboundEncoding == "" {
		s.cfg.InboundEncoding = codec.EncodingMulaw
	}
	if s.cfg.InboundRate <= 0 {
		s.cfg.InboundRate = codec.TelephonyRate
	}
	if cfg.FrameRateLimit > 0 {
		burst := cfg.FrameBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.FrameRateLimit), burst)
	}
	s.history = s.initialHistory()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start moves Idle → Listening, starts the idle clock and, if configured,
// speaks the greeting.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return
	}
	now := s.now()
	s.startedAt = now
	s.monitor = liveness.New(s.cfg.Liveness, now)
	s.setStateLocked(StateListening)
	s.metrics.SessionOpened()
	s.logger.Info("session started")

	if s.cfg.Greeting != "" {
		s.startRunLocked(message.Utterance{Kind: message.UtteranceSay, Text: s.cfg.Greeting, SystemInitiated: true}, true)
	}
}

// Run drives the silence tick until ctx ends or the session closes.
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Close("context done")
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.Tick(s.now())
		}
	}
}

// HandleFrame processes one inbound frame. Malformed frames are dropped and
// reported; they never close the session.
func (s *Session) HandleFrame(f message.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		s.metrics.FrameDropped(metrics.DropClosed)
		return ErrClosed
	case StateIdle:
		s.metrics.FrameDropped(metrics.DropNotStarted)
		return nil
	}

	now := s.now()
	if s.limiter != nil && !s.limiter.AllowN(now, 1) {
		s.metrics.FrameDropped(metrics.DropRateLimited)
		return nil
	}

	enc := f.Encoding
	if enc == "" {
		enc = s.cfg.InboundEncoding
	}
	if len(f.Payload) == 0 || (enc == codec.EncodingPCM16 && len(f.Payload)%codec.BytesPerSample != 0) {
		s.metrics.FrameDropped(metrics.DropDecode)
		return &codec.DecodeError{Reason: fmt.Sprintf("unusable %s frame of %d bytes", enc, len(f.Payload))}
	}
	f.Encoding = enc
	if f.SampleRate <= 0 {
		f.SampleRate = s.cfg.InboundRate
	}
	s.countFrameLocked(f)

	loudness := codec.MeanAbsAmplitude(f.Payload, enc)
	if s.state == StateSpeaking {
		switch {
		case loudness > s.cfg.BargeInThreshold:
			s.bargeInLocked(now, loudness)
		case now.Sub(s.playbackStart) < s.cfg.EchoIgnoreWindow:
			s.metrics.FrameDropped(metrics.DropEcho)
			return nil
		}
	}

	if loudness < s.cfg.ListenThreshold {
		s.metrics.FrameDropped(metrics.DropSilence)
		return nil
	}
	s.buffer.Append(f.Payload)
	s.monitor.Activity(now)
	s.verifyLocked()
	return nil
}

// Tick runs the growth check and the idle schedule at now.
func (s *Session) Tick(now time.Time) {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateClosed {
		s.mu.Unlock()
		return
	}

	if s.inflight != nil && s.holdIdle {
		s.monitor.Activity(now)
	}
	d := s.monitor.Tick(now, s.buffer.TotalBytes())

	if d.Terminate {
		s.metrics.Liveness(liveness.StageTerminated.String())
		s.logger.Info("caller silent, hanging up", "idle", s.monitor.IdleFor(now).String())
		s.closeLocked("caller silent")
		s.mu.Unlock()
		if err := s.conn.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
			s.logger.Warn("hangup failed", "error", err)
		}
		return
	}
	defer s.mu.Unlock()

	if d.Flush && s.state == StateListening {
		audio := s.buffer.FlushAndClear()
		s.monitor.Flushed()
		s.metrics.UtteranceFlushed()
		s.logger.Debug("utterance complete", "bytes", len(audio))
		s.startRunLocked(message.Utterance{Kind: message.UtteranceAudio, Audio: audio}, true)
	}

	if d.Warn {
		s.metrics.Liveness(liveness.StageWarned.String())
		if s.state == StateListening && s.cfg.LivenessPrompt != "" {
			s.logger.Info("caller silent, prompting", "idle", s.monitor.IdleFor(now).String())
			s.startRunLocked(message.Utterance{Kind: message.UtteranceText, Text: s.cfg.LivenessPrompt, SystemInitiated: true}, false)
		}
	}
	s.verifyLocked()
}

// Close ends the session. It cancels the in-flight response and is safe to
// call more than once.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(reason)
}

// TransportClosed implements transport.Sink.
func (s *Session) TransportClosed() {
	s.Close("transport closed")
}

// Wait blocks until every response run of the session has returned.
func (s *Session) Wait() {
	s.runs.Wait()
}

// Reset truncates the conversation back to the configured system prompt,
// abandons any response in progress and discards buffered audio.
// Instructions added with AppendInstructions are dropped too.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	if s.inflight != nil {
		s.inflight.Cancel()
		s.inflight, s.activeSynthesis, s.lastRun = nil, nil, nil
	}
	s.history = s.initialHistory()
	s.buffer.Reset()
	if s.monitor != nil {
		s.monitor.Flushed()
		s.monitor.Activity(s.now())
	}
	if s.state != StateIdle {
		s.setStateLocked(StateListening)
	}
	s.logger.Info("conversation reset")
	s.verifyLocked()
	return nil
}

// AppendInstructions extends the system turn with caller context, such as
// what the operator knows about the caller. It applies from the next model
// call on.
func (s *Session) AppendInstructions(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInstructions
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	if len(s.history) > 0 && s.history[0].Role == message.RoleSystem {
		s.history[0].Text = strings.TrimSpace(s.history[0].Text + " " + text)
	} else {
		turns := make([]message.Turn, 0, len(s.history)+1)
		turns = append(turns, message.Turn{Role: message.RoleSystem, Text: text, CreatedAt: s.now()})
		for i, t := range s.history {
			t.Seq = i + 1
			turns = append(turns, t)
		}
		s.history = turns
	}
	s.logger.Info("instructions appended", "length", len(text))
	return nil
}

// State returns the current turn state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot for the sessions API.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	stage := liveness.StageActive
	if s.monitor != nil {
		stage = s.monitor.Stage()
	}
	return Info{
		ID:             s.id,
		State:          s.state,
		Stage:          stage.String(),
		Turns:          len(s.history),
		BufferedBytes:  s.buffer.TotalBytes(),
		ReceivedMillis: s.received.Milliseconds(),
		MissingFrames:  s.missing,
		StartedAt:      s.startedAt,
	}
}

// --- dispatch.Conversation ---

// History returns a copy of the conversation.
func (s *Session) History() []message.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]message.Turn, len(s.history))
	copy(out, s.history)
	return out
}

// AppendTurn records a turn from the newest run.
func (s *Session) AppendTurn(h *dispatch.Handle, role message.Role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || h != s.lastRun {
		s.logger.Debug("dropping turn from superseded run", "role", role)
		return
	}
	s.history = append(s.history, message.Turn{
		Role:      role,
		Text:      text,
		Seq:       len(s.history),
		CreatedAt: s.now(),
	})
	s.metrics.TurnAppended(string(role))
}

// BeginSpeaking moves Thinking → Speaking for h.
func (s *Session) BeginSpeaking(h *dispatch.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || h != s.inflight || h.Cancelled() {
		return false
	}
	if s.state == StateSpeaking {
		return s.activeSynthesis == h
	}
	s.activeSynthesis = h
	s.playbackStart = s.now()
	s.setStateLocked(StateSpeaking)
	s.verifyLocked()
	return true
}

// Send writes one outbound frame of h. The lock is held across the write so
// no frame of a cancelled run goes out after the barge-in that cancelled it.
func (s *Session) Send(h *dispatch.Handle, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return transport.ErrClosed
	}
	if h != s.activeSynthesis || h.Cancelled() {
		return context.Canceled
	}
	return s.conn.SendFrame(frame)
}

// Finish ends h's run.
func (s *Session) Finish(h *dispatch.Handle, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h != s.inflight {
		return
	}
	if errors.Is(err, transport.ErrClosed) {
		s.closeLocked("transport closed")
		return
	}
	if s.holdIdle {
		s.monitor.Activity(s.now())
	}
	s.inflight, s.activeSynthesis = nil, nil
	s.holdIdle = false
	if s.state == StateThinking || s.state == StateSpeaking {
		s.setStateLocked(StateListening)
	}
	s.verifyLocked()
}

// --- internals (s.mu held) ---

func (s *Session) initialHistory() []message.Turn {
	if s.cfg.SystemPrompt == "" {
		return nil
	}
	return []message.Turn{{Role: message.RoleSystem, Text: s.cfg.SystemPrompt, CreatedAt: s.now()}}
}

// countFrameLocked tracks received audio and gaps in the transport's
// sequence numbers. Frames without one are numbered on arrival.
func (s *Session) countFrameLocked(f message.Frame) {
	if f.Seq == 0 {
		f.Seq = s.lastSeq + 1
	}
	if s.lastSeq > 0 && f.Seq > s.lastSeq+1 {
		gap := f.Seq - s.lastSeq - 1
		s.missing += gap
		s.logger.Debug("inbound frames missing", "after_seq", s.lastSeq, "count", gap)
	}
	if f.Seq > s.lastSeq {
		s.lastSeq = f.Seq
	}
	s.received += f.Duration()
}

func (s *Session) startRunLocked(u message.Utterance, holdIdle bool) {
	h := dispatch.NewHandle(s.ctx)
	s.inflight = h
	s.lastRun = h
	s.holdIdle = holdIdle
	s.setStateLocked(StateThinking)

	logger := s.logger
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		s.responder.Run(s, h, u, logger)
	}()
}

func (s *Session) bargeInLocked(now time.Time, loudness float64) {
	h := s.activeSynthesis
	h.Cancel()
	s.inflight, s.activeSynthesis = nil, nil
	s.holdIdle = false
	s.setStateLocked(StateListening)
	s.metrics.BargeIn()
	s.logger.Info("caller interrupted playback",
		"run_id", h.ID(),
		"loudness", loudness,
		"played_ms", now.Sub(s.playbackStart).Milliseconds(),
	)
}

func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.logger.Debug("state transition", "from", s.state.String(), "to", next.String())
	s.state = next
}

func (s *Session) closeLocked(reason string) {
	if s.state == StateClosed {
		return
	}
	wasStarted := s.state != StateIdle
	if s.inflight != nil {
		s.inflight.Cancel()
	}
	s.inflight, s.activeSynthesis = nil, nil
	s.setStateLocked(StateClosed)
	s.cancel()
	close(s.done)
	s.buffer.Reset()
	if wasStarted {
		s.metrics.SessionClosed()
	}
	s.logger.Info("session closed", "reason", reason, "turns", len(s.history))
	if s.onClose != nil {
		go s.onClose()
	}
}

// verifyLocked closes the session if its invariants no longer hold.
func (s *Session) verifyLocked() {
	if err := s.checkLocked(); err != nil {
		s.logger.Error("session invariant violated", "error", err, "state", s.state.String())
		s.closeLocked("invariant violated")
	}
}

func (s *Session) checkLocked() error {
	speaking := s.state == StateSpeaking
	if speaking != (s.activeSynthesis != nil) {
		return fmt.Errorf("state %s with activeSynthesis=%t", s.state, s.activeSynthesis != nil)
	}
	busy := s.state == StateThinking || s.state == StateSpeaking
	if busy != (s.inflight != nil) {
		return fmt.Errorf("state %s with inflight=%t", s.state, s.inflight != nil)
	}
	if s.activeSynthesis != nil && s.activeSynthesis != s.inflight {
		return errors.New("activeSynthesis is not the in-flight run")
	}
	return nil
}
