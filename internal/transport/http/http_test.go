package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadzzz/parley/internal/codec"
	"github.com/nadzzz/parley/internal/message"
	"github.com/nadzzz/parley/internal/metrics"
	"github.com/nadzzz/parley/internal/session"
	"github.com/nadzzz/parley/internal/transport"
)

// fakeSink records what the transport delivers for one call.
type fakeSink struct {
	mu     sync.Mutex
	frames []message.Frame
	closed chan struct{}
	once   sync.Once
	err    error
}

func newFakeSink() *fakeSink { return &fakeSink{closed: make(chan struct{})} }

func (s *fakeSink) HandleFrame(f message.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return s.err
}

func (s *fakeSink) TransportClosed() { s.once.Do(func() { close(s.closed) }) }

func (s *fakeSink) got() []message.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]message.Frame(nil), s.frames...)
}

// fakeHandler hands every call the same sink and publishes the call's
// outbound connection.
type fakeHandler struct {
	sink  *fakeSink
	err   error
	infos chan transport.StartInfo
	conns chan transport.Conn
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		sink:  newFakeSink(),
		infos: make(chan transport.StartInfo, 1),
		conns: make(chan transport.Conn, 1),
	}
}

func (h *fakeHandler) OnStart(_ context.Context, info transport.StartInfo, conn transport.Conn) (transport.Sink, error) {
	h.infos <- info
	h.conns <- conn
	if h.err != nil {
		return nil, h.err
	}
	return h.sink, nil
}

type fakeSessions struct {
	infos        map[string]session.Info
	reset        []string
	instructions map[string][]string
}

func (f *fakeSessions) List() []session.Info {
	out := make([]session.Info, 0, len(f.infos))
	for _, info := range f.infos {
		out = append(out, info)
	}
	return out
}

func (f *fakeSessions) Lookup(id string) (session.Info, error) {
	info, ok := f.infos[id]
	if !ok {
		return session.Info{}, session.ErrNotFound
	}
	return info, nil
}

func (f *fakeSessions) Reset(id string) error {
	info, ok := f.infos[id]
	if !ok {
		return session.ErrNotFound
	}
	if info.State == session.StateClosed {
		return session.ErrClosed
	}
	f.reset = append(f.reset, id)
	return nil
}

func (f *fakeSessions) AppendInstructions(id, text string) error {
	info, ok := f.infos[id]
	if !ok {
		return session.ErrNotFound
	}
	if info.State == session.StateClosed {
		return session.ErrClosed
	}
	if strings.TrimSpace(text) == "" {
		return session.ErrEmptyInstructions
	}
	if f.instructions == nil {
		f.instructions = make(map[string][]string)
	}
	f.instructions[id] = append(f.instructions[id], text)
	return nil
}

func newTestServer(t *testing.T, opts Options, h transport.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(opts).Handler(h))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + MediaStreamPath
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendEvent(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

func startEvent(sid string) map[string]any {
	return map[string]any{
		"event": "start",
		"start": map[string]any{
			"streamSid":        sid,
			"callSid":          "CA42",
			"customParameters": map[string]string{"campaign": "reclamos"},
			"mediaFormat":      map[string]any{"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
		},
	}
}

func mediaEvent(payload []byte) map[string]any {
	return map[string]any{
		"event": "media",
		"media": map[string]any{"payload": base64.StdEncoding.EncodeToString(payload)},
	}
}

func waitClosed(t *testing.T, s *fakeSink) {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("transport never reported close")
	}
}

func TestStatus(t *testing.T) {
	srv := newTestServer(t, Options{}, newFakeHandler())

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
}

func TestIncomingCall(t *testing.T) {
	tests := []struct {
		name        string
		opts        Options
		method      string
		wantHost    string
		wantPlay    bool
		fromRequest bool
	}{
		{name: "request host", method: http.MethodPost, fromRequest: true},
		{name: "public host with welcome", method: http.MethodGet,
			opts: Options{PublicHost: "calls.example.com", WelcomeURL: "https://cdn.example.com/hola.mp3"},
			wantHost: "calls.example.com", wantPlay: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.opts, newFakeHandler())
			req, err := http.NewRequest(tt.method, srv.URL+"/incoming-call", nil)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "text/xml", resp.Header.Get("Content-Type"))
			body, _ := io.ReadAll(resp.Body)
			doc := string(body)

			host := tt.wantHost
			if tt.fromRequest {
				host = strings.TrimPrefix(srv.URL, "http://")
			}
			assert.Contains(t, doc, `<Stream url="wss://`+host+`/media-stream"></Stream>`)
			assert.True(t, strings.HasPrefix(doc, "<?xml"))
			if tt.wantPlay {
				assert.Contains(t, doc, "<Play>https://cdn.example.com/hola.mp3</Play>")
			} else {
				assert.NotContains(t, doc, "<Play>")
			}
		})
	}
}

func TestMediaStream_InboundFrames(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newFakeHandler()
	srv := newTestServer(t, Options{Metrics: metrics.New(reg)}, h)
	ws := dial(t, srv)

	sendEvent(t, ws, map[string]any{"event": "connected", "protocol": "Call"})
	sendEvent(t, ws, mediaEvent([]byte{1, 2, 3})) // before start
	sendEvent(t, ws, startEvent("MZ123"))

	info := <-h.infos
	assert.Equal(t, "MZ123", info.StreamID)
	assert.Equal(t, "CA42", info.CallID)
	assert.Equal(t, "reclamos", info.Parameters["campaign"])

	payload := []byte{0x7F, 0x00, 0xFF, 0x80}
	sendEvent(t, ws, mediaEvent(payload))
	sendEvent(t, ws, map[string]any{"event": "media", "media": map[string]any{"payload": "%%%not-base64"}})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	sendEvent(t, ws, map[string]any{"event": "mark", "mark": map[string]any{"name": "reply-1"}})
	sendEvent(t, ws, mediaEvent(payload))
	sendEvent(t, ws, map[string]any{"event": "stop"})

	waitClosed(t, h.sink)

	frames := h.sink.got()
	require.Len(t, frames, 2, "malformed messages are dropped, not fatal")
	for _, f := range frames {
		assert.Equal(t, payload, f.Payload)
		assert.Equal(t, codec.EncodingMulaw, f.Encoding)
		assert.Equal(t, codec.TelephonyRate, f.SampleRate)
	}

	expected := `
# HELP parley_frames_dropped_total Inbound frames discarded, by reason
# TYPE parley_frames_dropped_total counter
parley_frames_dropped_total{reason="decode"} 2
parley_frames_dropped_total{reason="not_started"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "parley_frames_dropped_total"))
}

func TestMediaStream_OutboundFrames(t *testing.T) {
	h := newFakeHandler()
	srv := newTestServer(t, Options{}, h)
	ws := dial(t, srv)

	sendEvent(t, ws, startEvent("MZ9"))
	conn := <-h.conns

	require.NoError(t, conn.SendFrame([]byte{0xFF, 0xFE}))

	var ev streamEvent
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, "media", ev.Event)
	assert.Equal(t, "MZ9", ev.StreamSid)
	require.NotNil(t, ev.Media)
	raw, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFE}, raw)

	// Server-side hangup.
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close(), "close is idempotent")
	assert.ErrorIs(t, conn.SendFrame([]byte{0xFF}), transport.ErrClosed)

	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	waitClosed(t, h.sink)
}

func TestMediaStream_PeerDisconnect(t *testing.T) {
	h := newFakeHandler()
	srv := newTestServer(t, Options{}, h)
	ws := dial(t, srv)

	sendEvent(t, ws, startEvent("MZ1"))
	<-h.conns
	require.NoError(t, ws.Close())

	waitClosed(t, h.sink)
}

func TestMediaStream_ClosedSessionEndsStream(t *testing.T) {
	h := newFakeHandler()
	h.sink.err = session.ErrClosed
	srv := newTestServer(t, Options{}, h)
	ws := dial(t, srv)

	sendEvent(t, ws, startEvent("MZ1"))
	sendEvent(t, ws, mediaEvent([]byte{1}))

	waitClosed(t, h.sink)
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
}

func TestMediaStream_RejectedCall(t *testing.T) {
	h := newFakeHandler()
	h.err = session.ErrRegistryFull
	srv := newTestServer(t, Options{}, h)
	ws := dial(t, srv)

	sendEvent(t, ws, startEvent("MZ1"))
	<-h.infos

	_, _, err := ws.ReadMessage()
	assert.Error(t, err, "the server hangs up a rejected call")
}

func TestMediaStream_UnsupportedFormat(t *testing.T) {
	h := newFakeHandler()
	srv := newTestServer(t, Options{}, h)
	ws := dial(t, srv)

	ev := startEvent("MZ1")
	ev["start"].(map[string]any)["mediaFormat"] = map[string]any{"encoding": "audio/x-alaw", "sampleRate": 8000, "channels": 1}
	sendEvent(t, ws, ev)

	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
	assert.Empty(t, h.infos)
}

func TestSessionsAPI(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sessions := &fakeSessions{infos: map[string]session.Info{
		"MZ1": {ID: "MZ1", State: session.StateSpeaking, Stage: "active", Turns: 3, StartedAt: started},
		"MZ2": {ID: "MZ2", State: session.StateClosed},
	}}
	srv := newTestServer(t, Options{Sessions: sessions}, newFakeHandler())

	t.Run("list", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/sessions")
		require.NoError(t, err)
		defer resp.Body.Close()
		var infos []map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
		assert.Len(t, infos, 2)
	})

	t.Run("get", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/sessions/MZ1")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var info map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
		assert.Equal(t, "speaking", info["state"])
		assert.Equal(t, "active", info["liveness"])
		assert.EqualValues(t, 3, info["turns"])
	})

	t.Run("get missing", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/sessions/nope")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	reset := func(id string) int {
		resp, err := http.Post(srv.URL+"/sessions/"+id+"/reset", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	t.Run("reset", func(t *testing.T) {
		assert.Equal(t, http.StatusNoContent, reset("MZ1"))
		assert.Equal(t, []string{"MZ1"}, sessions.reset)
		assert.Equal(t, http.StatusConflict, reset("MZ2"))
		assert.Equal(t, http.StatusNotFound, reset("nope"))
	})
}

func TestSessionsAPI_Instructions(t *testing.T) {
	sessions := &fakeSessions{infos: map[string]session.Info{
		"MZ1": {ID: "MZ1", State: session.StateListening},
		"MZ2": {ID: "MZ2", State: session.StateClosed},
	}}
	srv := newTestServer(t, Options{Sessions: sessions}, newFakeHandler())

	post := func(id, body string) int {
		resp, err := http.Post(srv.URL+"/sessions/"+id+"/instructions", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	tests := []struct {
		name string
		id   string
		body string
		want int
	}{
		{"appended", "MZ1", `{"instructions":"El cliente es Ana, llama por su factura."}`, http.StatusNoContent},
		{"blank", "MZ1", `{"instructions":"   "}`, http.StatusBadRequest},
		{"not json", "MZ1", `instructions=hola`, http.StatusBadRequest},
		{"closed", "MZ2", `{"instructions":"hola"}`, http.StatusConflict},
		{"missing", "nope", `{"instructions":"hola"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, post(tt.id, tt.body))
		})
	}
	assert.Equal(t, []string{"El cliente es Ana, llama por su factura."}, sessions.instructions["MZ1"])
}

func TestMediaStream_ChunkSequence(t *testing.T) {
	h := newFakeHandler()
	srv := newTestServer(t, Options{}, h)
	ws := dial(t, srv)

	sendEvent(t, ws, startEvent("MZ7"))
	<-h.infos
	for _, chunk := range []string{"1", "2", "5", ""} {
		ev := mediaEvent([]byte{0xFF})
		ev["media"].(map[string]any)["chunk"] = chunk
		sendEvent(t, ws, ev)
	}
	sendEvent(t, ws, map[string]any{"event": "stop"})
	waitClosed(t, h.sink)

	var seqs []uint64
	for _, f := range h.sink.got() {
		seqs = append(seqs, f.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 5, 0}, seqs)
}

func TestWriteSessionError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeSessionError(rec, errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
