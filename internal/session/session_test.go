package session

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadzzz/parley/internal/codec"
	"github.com/nadzzz/parley/internal/config"
	"github.com/nadzzz/parley/internal/dispatch"
	"github.com/nadzzz/parley/internal/liveness"
	"github.com/nadzzz/parley/internal/message"
	"github.com/nadzzz/parley/internal/transport"
)

// --- fakes ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	closes int
}

func (c *fakeConn) SendFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.closed = true
	return nil
}

func (c *fakeConn) sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

type responderFunc func(conv dispatch.Conversation, h *dispatch.Handle, u message.Utterance)

func (f responderFunc) Run(conv dispatch.Conversation, h *dispatch.Handle, u message.Utterance, _ *slog.Logger) {
	f(conv, h, u)
}

// recorder answers every utterance instantly with a one-line reply.
type recorder struct {
	mu         sync.Mutex
	utterances []message.Utterance
}

func (r *recorder) Run(conv dispatch.Conversation, h *dispatch.Handle, u message.Utterance, _ *slog.Logger) {
	r.mu.Lock()
	r.utterances = append(r.utterances, u)
	r.mu.Unlock()

	switch u.Kind {
	case message.UtteranceSay:
		conv.AppendTurn(h, message.RoleAssistant, u.Text)
	case message.UtteranceText:
		conv.AppendTurn(h, message.RoleUser, u.Text)
		conv.AppendTurn(h, message.RoleAssistant, "Sí, aquí estoy.")
	default:
		conv.AppendTurn(h, message.RoleUser, "transcribed")
		conv.AppendTurn(h, message.RoleAssistant, "reply")
	}
	conv.Finish(h, nil)
}

func (r *recorder) got() []message.Utterance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.Utterance(nil), r.utterances...)
}

// --- helpers ---

// tone builds a 20 ms μ-law frame of constant amplitude.
func tone(amp int16) []byte {
	samples := make([]int16, 160)
	for i := range samples {
		samples[i] = amp
	}
	return codec.SamplesToMulaw(samples)
}

func silence() []byte { return bytes.Repeat([]byte{codec.SilenceByte}, 160) }

func frame(payload []byte) message.Frame {
	return message.Frame{Payload: payload, Encoding: codec.EncodingMulaw, SampleRate: codec.TelephonyRate}
}

func testConfig() Config {
	return Config{
		TickInterval:     time.Second,
		Liveness:         liveness.DefaultConfig(),
		ListenThreshold:  50,
		BargeInThreshold: 8000,
		EchoIgnoreWindow: 500 * time.Millisecond,
		LivenessPrompt:   "¿Hola, estás ahí?",
		SystemPrompt:     "Eres un agente de atención al cliente.",
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newTestSession(t *testing.T, cfg Config, r Responder) (*Session, *fakeConn, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	conn := &fakeConn{}
	s := New(context.Background(), "call-1", conn, r, cfg, WithClock(clk.Now))
	t.Cleanup(func() {
		s.Close("test done")
		s.Wait()
	})
	return s, conn, clk
}

// --- lifecycle ---

func TestSession_StartsListeningWithSystemPrompt(t *testing.T) {
	s, _, _ := newTestSession(t, testConfig(), &recorder{})
	assert.Equal(t, StateIdle, s.State())

	s.Start()
	assert.Equal(t, StateListening, s.State())

	history := s.History()
	require.Len(t, history, 1)
	assert.Equal(t, message.RoleSystem, history[0].Role)
}

func TestSession_FramesBeforeStartAreIgnored(t *testing.T) {
	s, _, _ := newTestSession(t, testConfig(), &recorder{})
	require.NoError(t, s.HandleFrame(frame(tone(4000))))
	assert.Zero(t, s.Info().BufferedBytes)
}

func TestSession_Greeting(t *testing.T) {
	cfg := testConfig()
	cfg.Greeting = "Gracias por llamar."
	rec := &recorder{}
	s, _, _ := newTestSession(t, cfg, rec)

	s.Start()
	s.Wait()

	got := rec.got()
	require.Len(t, got, 1)
	assert.Equal(t, message.UtteranceSay, got[0].Kind)
	assert.Equal(t, "Gracias por llamar.", got[0].Text)
	assert.True(t, got[0].SystemInitiated)
	assert.Equal(t, StateListening, s.State())
}

// --- end of utterance ---

func TestSession_FlushAfterBufferStopsGrowing(t *testing.T) {
	rec := &recorder{}
	s, _, clk := newTestSession(t, testConfig(), rec)
	s.Start()

	var want []byte
	for i := 1; i <= 3; i++ {
		payload := tone(int16(1000 * i))
		want = append(want, payload...)
		require.NoError(t, s.HandleFrame(frame(payload)))
		s.Tick(clk.Advance(time.Second))
		assert.Empty(t, rec.got(), "no flush while the buffer is growing (tick %d)", i)
	}

	s.Tick(clk.Advance(time.Second))
	s.Wait()

	got := rec.got()
	require.Len(t, got, 1)
	assert.Equal(t, message.UtteranceAudio, got[0].Kind)
	assert.Equal(t, want, got[0].Audio)
	assert.Zero(t, s.Info().BufferedBytes)

	// Nothing more buffered, nothing more flushed.
	s.Tick(clk.Advance(time.Second))
	s.Wait()
	assert.Len(t, rec.got(), 1)
}

func TestSession_SilenceFramesNeverFlushButIdleTimersFire(t *testing.T) {
	rec := &recorder{}
	s, conn, clk := newTestSession(t, testConfig(), rec)
	s.Start()

	var closedAt int
	for sec := 1; sec <= 50; sec++ {
		err := s.HandleFrame(frame(silence()))
		if s.State() == StateClosed {
			assert.ErrorIs(t, err, ErrClosed)
		} else {
			require.NoError(t, err)
		}
		s.Tick(clk.Advance(time.Second))
		s.Wait()
		if closedAt == 0 && s.State() == StateClosed {
			closedAt = sec
		}
	}

	got := rec.got()
	require.Len(t, got, 1, "exactly one system-initiated turn")
	assert.Equal(t, message.UtteranceText, got[0].Kind)
	assert.True(t, got[0].SystemInitiated)
	assert.Equal(t, "¿Hola, estás ahí?", got[0].Text)

	assert.Equal(t, 20, closedAt)
	assert.Equal(t, 1, conn.closes, "server hangs up once")

	var userTurns int
	for _, turn := range s.History() {
		if turn.Role == message.RoleUser {
			userTurns++
			assert.Equal(t, "¿Hola, estás ahí?", turn.Text)
		}
	}
	assert.Equal(t, 1, userTurns)
}

func TestSession_ZeroListenThresholdBuffersEverything(t *testing.T) {
	cfg := testConfig()
	cfg.ListenThreshold = 0
	rec := &recorder{}
	s, _, clk := newTestSession(t, cfg, rec)
	s.Start()

	require.NoError(t, s.HandleFrame(frame(silence())))
	s.Tick(clk.Advance(time.Second))
	s.Tick(clk.Advance(time.Second))
	s.Wait()

	require.Len(t, rec.got(), 1)
	assert.Equal(t, silence(), rec.got()[0].Audio)
}

func TestSession_ShippedConfigIgnoresLineSilence(t *testing.T) {
	sources := map[string]string{
		"defaults":    writeConfig(t, "{}\n"),
		"parley.yaml": filepath.Join("..", "..", "configs", "parley.yaml"),
	}
	for name, path := range sources {
		t.Run(name, func(t *testing.T) {
			loaded, err := config.Load(path)
			require.NoError(t, err)
			rec := &recorder{}
			s, conn, clk := newTestSession(t, ConfigFrom(loaded, codec.EncodingMulaw), rec)
			s.Start()

			var closedAt int
			for sec := 1; sec <= 50 && closedAt == 0; sec++ {
				_ = s.HandleFrame(frame(silence()))
				s.Tick(clk.Advance(time.Second))
				s.Wait()
				if s.State() == StateClosed {
					closedAt = sec
				}
			}

			got := rec.got()
			require.Len(t, got, 1, "only the liveness prompt, never a flushed utterance")
			assert.Equal(t, message.UtteranceText, got[0].Kind)
			assert.True(t, got[0].SystemInitiated)
			assert.Equal(t, 20, closedAt)
			assert.Equal(t, 1, conn.closes)
		})
	}
}

// --- liveness ---

func TestSession_HangsUpWhenPromptNeverCompletes(t *testing.T) {
	prompted := make(chan *dispatch.Handle, 1)
	r := responderFunc(func(conv dispatch.Conversation, h *dispatch.Handle, u message.Utterance) {
		if u.Kind == message.UtteranceText {
			prompted <- h
			<-h.Context().Done()
		}
		conv.Finish(h, h.Context().Err())
	})
	s, conn, clk := newTestSession(t, testConfig(), r)
	s.Start()

	for sec := 1; sec <= 19; sec++ {
		s.Tick(clk.Advance(time.Second))
		if sec >= 10 {
			assert.Equal(t, StateThinking, s.State(), "prompt still in flight at %d s", sec)
		}
	}
	h := <-prompted
	assert.False(t, h.Cancelled())

	s.Tick(clk.Advance(time.Second))
	assert.Equal(t, StateClosed, s.State())
	s.Wait()
	assert.True(t, h.Cancelled())
	assert.Equal(t, 1, conn.closes)
}

func TestSession_CallerActivityCancelsPendingHangup(t *testing.T) {
	rec := &recorder{}
	s, conn, clk := newTestSession(t, testConfig(), rec)
	s.Start()

	for i := 0; i < 10; i++ {
		s.Tick(clk.Advance(time.Second))
		s.Wait()
	}
	require.Len(t, rec.got(), 1, "prompted at 10 s")

	clk.Advance(5 * time.Second)
	require.NoError(t, s.HandleFrame(frame(tone(3000))))
	for i := 0; i < 8; i++ {
		s.Tick(clk.Advance(time.Second))
		s.Wait()
	}

	assert.NotEqual(t, StateClosed, s.State())
	assert.Zero(t, conn.closes)
}

func TestSession_IdleClockHeldWhileAnsweringCaller(t *testing.T) {
	release := make(chan struct{})
	var runs []message.Utterance
	var mu sync.Mutex
	r := responderFunc(func(conv dispatch.Conversation, h *dispatch.Handle, u message.Utterance) {
		mu.Lock()
		runs = append(runs, u)
		mu.Unlock()
		if u.Kind == message.UtteranceAudio {
			<-release
		}
		conv.Finish(h, nil)
	})
	s, _, clk := newTestSession(t, testConfig(), r)
	s.Start()

	require.NoError(t, s.HandleFrame(frame(tone(3000))))
	s.Tick(clk.Advance(time.Second))
	s.Tick(clk.Advance(time.Second)) // flush → Thinking
	require.Equal(t, StateThinking, s.State())

	// A slow reply must not count as caller silence.
	for i := 0; i < 30; i++ {
		s.Tick(clk.Advance(time.Second))
	}
	close(release)
	s.Wait()
	assert.Equal(t, StateListening, s.State())

	for i := 0; i < 9; i++ {
		s.Tick(clk.Advance(time.Second))
	}
	s.Wait()
	mu.Lock()
	assert.Len(t, runs, 1, "no prompt before 10 s of real silence")
	mu.Unlock()

	s.Tick(clk.Advance(time.Second))
	s.Wait()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, runs, 2)
	assert.True(t, runs[1].SystemInitiated)
}

// --- barge-in ---

// speaker is a responder that plays frames one step at a time.
type speaker struct {
	step    chan struct{}
	sent    chan int
	done    chan error
	handles chan *dispatch.Handle
}

func newSpeaker() *speaker {
	return &speaker{
		step:    make(chan struct{}),
		sent:    make(chan int, 100),
		done:    make(chan error, 1),
		handles: make(chan *dispatch.Handle, 1),
	}
}

func (sp *speaker) Run(conv dispatch.Conversation, h *dispatch.Handle, u message.Utterance, _ *slog.Logger) {
	conv.AppendTurn(h, message.RoleUser, "hola")
	conv.AppendTurn(h, message.RoleAssistant, "una respuesta larga")
	sp.handles <- h
	if !conv.BeginSpeaking(h) {
		sp.done <- context.Canceled
		conv.Finish(h, context.Canceled)
		return
	}
	var err error
	for i := 1; ; i++ {
		select {
		case <-sp.step:
		case <-h.Context().Done():
		}
		if err = conv.Send(h, tone(100)); err != nil {
			break
		}
		sp.sent <- i
	}
	sp.done <- err
	conv.Finish(h, err)
}

func startSpeaking(t *testing.T, s *Session, clk *fakeClock, sp *speaker) *dispatch.Handle {
	t.Helper()
	s.Start()
	require.NoError(t, s.HandleFrame(frame(tone(3000))))
	s.Tick(clk.Advance(time.Second))
	s.Tick(clk.Advance(time.Second))
	h := <-sp.handles
	require.Eventually(t, func() bool { return s.State() == StateSpeaking }, time.Second, time.Millisecond)
	return h
}

func TestSession_BargeInStopsPlayback(t *testing.T) {
	sp := newSpeaker()
	s, conn, clk := newTestSession(t, testConfig(), sp)
	h := startSpeaking(t, s, clk, sp)

	for i := 0; i < 3; i++ {
		sp.step <- struct{}{}
		<-sp.sent
	}
	require.Equal(t, 3, conn.sent())

	clk.Advance(time.Second)
	loud := tone(20000)
	require.NoError(t, s.HandleFrame(frame(loud)))

	// Transition happens within the frame that interrupted.
	assert.Equal(t, StateListening, s.State())
	assert.True(t, h.Cancelled())
	assert.Equal(t, len(loud), s.Info().BufferedBytes, "the interrupting frame starts the next utterance")

	assert.ErrorIs(t, <-sp.done, context.Canceled)
	assert.Equal(t, 3, conn.sent(), "no frame after barge-in")
}

func TestSession_EchoIgnoreWindow(t *testing.T) {
	sp := newSpeaker()
	s, _, clk := newTestSession(t, testConfig(), sp)
	startSpeaking(t, s, clk, sp)

	echo := tone(1000) // above listen threshold, below barge-in threshold

	clk.Advance(100 * time.Millisecond)
	require.NoError(t, s.HandleFrame(frame(echo)))
	assert.Zero(t, s.Info().BufferedBytes, "quiet frame inside the window is dropped")
	assert.Equal(t, StateSpeaking, s.State())

	clk.Advance(time.Second)
	require.NoError(t, s.HandleFrame(frame(echo)))
	assert.Equal(t, len(echo), s.Info().BufferedBytes, "outside the window it is buffered")
	assert.Equal(t, StateSpeaking, s.State())

	sp.step <- struct{}{}
	<-sp.sent
}

func TestSession_LoudFrameInsideEchoWindowStillInterrupts(t *testing.T) {
	sp := newSpeaker()
	s, _, clk := newTestSession(t, testConfig(), sp)
	h := startSpeaking(t, s, clk, sp)

	clk.Advance(10 * time.Millisecond)
	require.NoError(t, s.HandleFrame(frame(tone(20000))))
	assert.Equal(t, StateListening, s.State())
	assert.True(t, h.Cancelled())
	assert.ErrorIs(t, <-sp.done, context.Canceled)
}

func TestSession_TurnsFromSupersededRunAreDropped(t *testing.T) {
	sp := newSpeaker()
	s, _, clk := newTestSession(t, testConfig(), sp)
	h := startSpeaking(t, s, clk, sp)

	clk.Advance(time.Second)
	require.NoError(t, s.HandleFrame(frame(tone(20000))))
	<-sp.done

	// The cancelled run is still the newest one: late turns are kept.
	before := len(s.History())
	s.AppendTurn(h, message.RoleAssistant, "late")
	assert.Len(t, s.History(), before+1)

	// Once another run starts, the old one can no longer write.
	s.Tick(clk.Advance(time.Second))
	s.Tick(clk.Advance(time.Second))
	<-sp.handles
	n := len(s.History())
	s.AppendTurn(h, message.RoleAssistant, "stale")
	assert.Len(t, s.History(), n)

	s.Close("done")
	<-sp.done
}

// --- close, reset, gating ---

func TestSession_TransportClosedCancelsRun(t *testing.T) {
	sp := newSpeaker()
	s, _, clk := newTestSession(t, testConfig(), sp)
	h := startSpeaking(t, s, clk, sp)

	s.TransportClosed()
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, h.Cancelled())

	assert.ErrorIs(t, <-sp.done, transport.ErrClosed)

	assert.ErrorIs(t, s.HandleFrame(frame(tone(3000))), ErrClosed)
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestSession_SendFailureClosesSession(t *testing.T) {
	sp := newSpeaker()
	s, conn, clk := newTestSession(t, testConfig(), sp)
	startSpeaking(t, s, clk, sp)

	_ = conn.Close()
	sp.step <- struct{}{}
	assert.ErrorIs(t, <-sp.done, transport.ErrClosed)
	require.Eventually(t, func() bool { return s.State() == StateClosed }, time.Second, time.Millisecond)
}

func TestSession_Reset(t *testing.T) {
	rec := &recorder{}
	s, _, clk := newTestSession(t, testConfig(), rec)
	s.Start()

	require.NoError(t, s.HandleFrame(frame(tone(3000))))
	s.Tick(clk.Advance(time.Second))
	s.Tick(clk.Advance(time.Second))
	s.Wait()
	require.Len(t, s.History(), 3)

	require.NoError(t, s.HandleFrame(frame(tone(3000))))
	require.NoError(t, s.Reset())

	history := s.History()
	require.Len(t, history, 1)
	assert.Equal(t, message.RoleSystem, history[0].Role)
	assert.Zero(t, s.Info().BufferedBytes)
	assert.Equal(t, StateListening, s.State())

	s.Close("done")
	assert.ErrorIs(t, s.Reset(), ErrClosed)
}

func TestSession_AppendInstructions(t *testing.T) {
	rec := &recorder{}
	s, _, clk := newTestSession(t, testConfig(), rec)
	s.Start()

	require.NoError(t, s.AppendInstructions("El cliente se llama Ana."))
	assert.ErrorIs(t, s.AppendInstructions("  "), ErrEmptyInstructions)

	require.NoError(t, s.HandleFrame(frame(tone(3000))))
	s.Tick(clk.Advance(time.Second))
	s.Tick(clk.Advance(time.Second))
	s.Wait()

	history := s.History()
	require.Len(t, history, 3)
	assert.Equal(t, "Eres un agente de atención al cliente. El cliente se llama Ana.", history[0].Text)

	require.NoError(t, s.Reset())
	history = s.History()
	require.Len(t, history, 1)
	assert.Equal(t, "Eres un agente de atención al cliente.", history[0].Text)

	s.Close("done")
	assert.ErrorIs(t, s.AppendInstructions("tarde"), ErrClosed)
}

func TestSession_AppendInstructionsWithoutSystemPrompt(t *testing.T) {
	cfg := testConfig()
	cfg.SystemPrompt = ""
	s, _, clk := newTestSession(t, cfg, &recorder{})
	s.Start()

	require.NoError(t, s.HandleFrame(frame(tone(3000))))
	s.Tick(clk.Advance(time.Second))
	s.Tick(clk.Advance(time.Second))
	s.Wait()
	require.NoError(t, s.AppendInstructions("Habla de usted."))

	history := s.History()
	require.Len(t, history, 3)
	assert.Equal(t, message.RoleSystem, history[0].Role)
	assert.Equal(t, "Habla de usted.", history[0].Text)
	for i, turn := range history {
		assert.Equal(t, i, turn.Seq)
	}
}

func TestSession_FrameAccounting(t *testing.T) {
	s, _, _ := newTestSession(t, testConfig(), &recorder{})
	s.Start()

	for _, seq := range []uint64{1, 2, 6, 0} {
		f := frame(tone(3000))
		f.Seq = seq
		require.NoError(t, s.HandleFrame(f))
	}
	f := frame(silence())
	f.SampleRate = 0 // taken from the session's inbound rate
	require.NoError(t, s.HandleFrame(f))

	info := s.Info()
	assert.Equal(t, uint64(3), info.MissingFrames)
	assert.Equal(t, int64(100), info.ReceivedMillis, "silence counts as received audio")
	assert.Equal(t, 4*160, info.BufferedBytes)
}

func TestSession_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.FrameRateLimit = 1
	cfg.FrameBurst = 2
	s, _, _ := newTestSession(t, cfg, &recorder{})
	s.Start()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.HandleFrame(frame(tone(3000))))
	}
	assert.Equal(t, 2*160, s.Info().BufferedBytes)
}

func TestSession_MalformedFrameIsDropped(t *testing.T) {
	s, _, _ := newTestSession(t, testConfig(), &recorder{})
	s.Start()

	err := s.HandleFrame(message.Frame{Payload: []byte{1, 2, 3}, Encoding: codec.EncodingPCM16})
	var derr *codec.DecodeError
	require.ErrorAs(t, err, &derr)

	err = s.HandleFrame(message.Frame{})
	require.ErrorAs(t, err, &derr)

	assert.Equal(t, StateListening, s.State())
	assert.Zero(t, s.Info().BufferedBytes)
}

func TestSession_InvariantViolationClosesSession(t *testing.T) {
	s, _, _ := newTestSession(t, testConfig(), &recorder{})
	s.Start()

	s.mu.Lock()
	s.state = StateSpeaking // no activeSynthesis
	s.verifyLocked()
	s.mu.Unlock()

	assert.Equal(t, StateClosed, s.State())
}

func TestSession_Info(t *testing.T) {
	s, _, _ := newTestSession(t, testConfig(), &recorder{})
	s.Start()
	require.NoError(t, s.HandleFrame(frame(tone(3000))))

	info := s.Info()
	assert.Equal(t, "call-1", info.ID)
	assert.Equal(t, StateListening, info.State)
	assert.Equal(t, "active", info.Stage)
	assert.Equal(t, 1, info.Turns)
	assert.Equal(t, 160, info.BufferedBytes)
	assert.False(t, info.StartedAt.IsZero())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "speaking", StateSpeaking.String())
	text, err := StateThinking.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "thinking", string(text))
	assert.Equal(t, "unknown", State(99).String())
}

func TestSession_RunStopsOnContext(t *testing.T) {
	cfg := testConfig()
	cfg.TickInterval = time.Millisecond
	s, _, _ := newTestSession(t, cfg, &recorder{})
	s.Start()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Reset(), ErrClosed)
}
