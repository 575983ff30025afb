package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nadzzz/parley/internal/codec"
	"github.com/nadzzz/parley/internal/message"
	"github.com/nadzzz/parley/internal/metrics"
	"github.com/nadzzz/parley/internal/session"
	"github.com/nadzzz/parley/internal/transport"
)

// maxMessageBytes bounds one inbound media stream message.
const maxMessageBytes = 64 << 10

// Media stream event names.
const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventMark      = "mark"
	eventStop      = "stop"
)

// streamEvent is one JSON message of the media stream protocol, in either
// direction.
type streamEvent struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Start          *startPayload `json:"start,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	Mark           *markPayload  `json:"mark,omitempty"`
}

type startPayload struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      *mediaFormat      `json:"mediaFormat,omitempty"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

// serveMediaStream runs one call's media WebSocket until the peer stops
// the stream, the socket fails, or the session hangs up.
func (t *Transport) serveMediaStream(w http.ResponseWriter, r *http.Request, handler transport.Handler) {
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("media stream upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(maxMessageBytes)

	conn := &streamConn{ws: ws, writeTimeout: t.opts.WriteTimeout}
	defer conn.Close()

	logger := t.logger
	var sink transport.Sink
	defer func() {
		if sink != nil {
			sink.TransportClosed()
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !conn.isClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("media stream read failed", "error", err)
			}
			return
		}

		var ev streamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.Warn("dropping undecodable media stream message",
				"error", &codec.DecodeError{Reason: "invalid json", Cause: err})
			t.opts.Metrics.FrameDropped(metrics.DropDecode)
			continue
		}

		switch ev.Event {
		case eventConnected:
			logger.Debug("media stream connected")

		case eventStart:
			if sink != nil {
				logger.Warn("ignoring repeated start event")
				continue
			}
			if ev.Start == nil {
				logger.Warn("start event without payload")
				continue
			}
			if err := checkMediaFormat(ev.Start.MediaFormat); err != nil {
				logger.Error("rejecting media stream", "error", err)
				return
			}
			conn.setStreamSid(ev.Start.StreamSid)
			logger = logger.With("stream_sid", ev.Start.StreamSid)
			logger.Info("media stream started", "call_sid", ev.Start.CallSid)

			sink, err = handler.OnStart(r.Context(), transport.StartInfo{
				StreamID:   ev.Start.StreamSid,
				CallID:     ev.Start.CallSid,
				Parameters: ev.Start.CustomParameters,
			}, conn)
			if err != nil {
				logger.Error("rejecting call", "error", err)
				return
			}

		case eventMedia:
			if sink == nil {
				t.opts.Metrics.FrameDropped(metrics.DropNotStarted)
				continue
			}
			if ev.Media == nil {
				t.dropUndecodable(logger, &codec.DecodeError{Reason: "media event without payload"})
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
			if err != nil {
				t.dropUndecodable(logger, &codec.DecodeError{Reason: "invalid base64 payload", Cause: err})
				continue
			}
			err = sink.HandleFrame(message.Frame{
				Payload:    payload,
				Encoding:   t.opts.InboundEncoding,
				SampleRate: t.opts.InboundRate,
				Seq:        chunkSeq(ev.Media.Chunk),
			})
			if errors.Is(err, session.ErrClosed) {
				return
			}
			if err != nil {
				logger.Debug("frame rejected", "error", err)
			}

		case eventMark:
			if ev.Mark != nil {
				logger.Debug("playback mark", "name", ev.Mark.Name)
			}

		case eventStop:
			logger.Info("media stream stopped")
			return

		default:
			logger.Debug("ignoring media stream event", "event", ev.Event)
		}
	}
}

// chunkSeq parses the media chunk counter; 0 when absent or malformed.
func chunkSeq(chunk string) uint64 {
	n, err := strconv.ParseUint(chunk, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (t *Transport) dropUndecodable(logger *slog.Logger, err error) {
	logger.Warn("dropping undecodable media frame", "error", err)
	t.opts.Metrics.FrameDropped(metrics.DropDecode)
}

// checkMediaFormat accepts the single-channel μ-law telephony stream the
// session layer expects. A missing format is taken to be that stream.
func checkMediaFormat(f *mediaFormat) error {
	if f == nil {
		return nil
	}
	if f.Encoding != "" && f.Encoding != "audio/x-mulaw" {
		return fmt.Errorf("unsupported media encoding %q", f.Encoding)
	}
	if f.Channels > 1 {
		return fmt.Errorf("unsupported channel count %d", f.Channels)
	}
	return nil
}

// streamConn is the outbound half of a media WebSocket. gorilla connections
// allow one concurrent writer, so writes are serialized.
type streamConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	streamSid string
	closed    bool
}

func (c *streamConn) setStreamSid(sid string) {
	c.mu.Lock()
	c.streamSid = sid
	c.mu.Unlock()
}

func (c *streamConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SendFrame implements transport.Conn.
func (c *streamConn) SendFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	data, err := json.Marshal(streamEvent{
		Event:     eventMedia,
		StreamSid: c.streamSid,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(frame)},
	})
	if err != nil {
		return fmt.Errorf("encoding media event: %w", err)
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("media stream write: %w", err)
	}
	return nil
}

// Close implements transport.Conn. It hangs up the stream.
func (c *streamConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	deadline := time.Now().Add(c.writeTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}
