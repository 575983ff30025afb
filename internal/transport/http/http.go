// Package http implements the HTTP/WebSocket transport for parley.
//
// It answers the carrier's incoming-call webhook with TwiML that connects
// the call to the /media-stream WebSocket, carries the call audio over that
// socket, and exposes a small REST API to inspect, instruct and reset live
// sessions.
package http

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/nadzzz/parley/internal/codec"
	"github.com/nadzzz/parley/internal/metrics"
	"github.com/nadzzz/parley/internal/session"
	"github.com/nadzzz/parley/internal/transport"
)

// MediaStreamPath is where the carrier opens the media WebSocket.
const MediaStreamPath = "/media-stream"

// Sessions is the session inspection surface served under /sessions.
type Sessions interface {
	List() []session.Info
	Lookup(id string) (session.Info, error)
	Reset(id string) error
	AppendInstructions(id, text string) error
}

// Options configures the transport.
type Options struct {
	Port int

	// PublicHost is the host written into the TwiML stream URL. Empty
	// means the Host header of the webhook request.
	PublicHost string

	// WelcomeURL is played to the caller before the stream connects.
	WelcomeURL string

	// InboundEncoding and InboundRate describe the media payloads.
	InboundEncoding codec.Encoding
	InboundRate     int

	// WriteTimeout bounds a single outbound WebSocket write.
	WriteTimeout time.Duration

	Sessions Sessions
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Transport implements transport.Transport over HTTP and WebSocket.
type Transport struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// New creates a new HTTP transport.
func New(opts Options) *Transport {
	if opts.InboundEncoding == "" {
		opts.InboundEncoding = codec.EncodingMulaw
	}
	if opts.InboundRate <= 0 {
		opts.InboundRate = codec.TelephonyRate
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		opts:   opts,
		logger: logger.With("transport", "http"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return "http" }

// Handler builds the route table. Calls are handed to handler.
func (t *Transport) Handler(handler transport.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", t.handleStatus)

	// The carrier may call the webhook with either verb.
	mux.HandleFunc("GET /incoming-call", t.handleIncomingCall)
	mux.HandleFunc("POST /incoming-call", t.handleIncomingCall)

	mux.HandleFunc("GET "+MediaStreamPath, func(w http.ResponseWriter, r *http.Request) {
		t.serveMediaStream(w, r, handler)
	})

	if t.opts.Sessions != nil {
		mux.HandleFunc("GET /sessions", t.handleListSessions)
		mux.HandleFunc("GET /sessions/{id}", t.handleGetSession)
		mux.HandleFunc("POST /sessions/{id}/reset", t.handleResetSession)
		mux.HandleFunc("POST /sessions/{id}/instructions", t.handleAppendInstructions)
	}

	// Swagger UI serves the generated OpenAPI docs.
	mux.Handle("GET /swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return mux
}

// Listen starts the HTTP server and routes calls to the handler.
func (t *Transport) Listen(ctx context.Context, handler transport.Handler) error {
	t.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.opts.Port),
		Handler:           t.Handler(handler),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	t.logger.Info("http transport listening", "port", t.opts.Port)

	go func() {
		<-ctx.Done()
		t.logger.Info("http transport shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = t.server.Shutdown(shutdownCtx)
	}()

	if err := t.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

// Close gracefully shuts down the HTTP server.
func (t *Transport) Close() error {
	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return t.server.Shutdown(ctx)
	}
	return nil
}

// StatusResponse is the body of GET /.
type StatusResponse struct {
	Status  string `json:"status" example:"ok"`
	Message string `json:"message" example:"parley is answering calls"`
}

// InstructionsRequest is the body of POST /sessions/{id}/instructions.
type InstructionsRequest struct {
	Instructions string `json:"instructions" example:"El cliente llama por una factura duplicada."`
}

// maxInstructionsBytes bounds an instructions request body.
const maxInstructionsBytes = 16 << 10

// ErrorResponse is the body of a failed API request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleStatus reports that the server is up.
//
// @Summary     Server status
// @Tags        status
// @Produce     json
// @Success     200  {object}  StatusResponse
// @Router      / [get]
func (t *Transport) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok", Message: "parley is answering calls"})
}

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Play    string       `xml:"Play,omitempty"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

// handleIncomingCall answers the voice webhook.
//
// @Summary     Incoming call webhook
// @Description Returns TwiML that optionally plays the welcome audio and then connects the
// @Description call to the media stream WebSocket.
// @Tags        calls
// @Produce     xml
// @Success     200  {string}  string  "TwiML document"
// @Router      /incoming-call [get]
// @Router      /incoming-call [post]
func (t *Transport) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	host := t.opts.PublicHost
	if host == "" {
		host = r.Host
	}
	doc := twimlResponse{
		Play:    t.opts.WelcomeURL,
		Connect: twimlConnect{Stream: twimlStream{URL: "wss://" + host + MediaStreamPath}},
	}
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		t.logger.Error("encoding twiml", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	t.logger.Info("incoming call", "call_sid", r.FormValue("CallSid"), "from", r.FormValue("From"))

	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}

// handleListSessions lists live sessions.
//
// @Summary     List live sessions
// @Tags        sessions
// @Produce     json
// @Success     200  {array}  session.Info
// @Router      /sessions [get]
func (t *Transport) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, t.opts.Sessions.List())
}

// handleGetSession describes one session.
//
// @Summary     Get a session
// @Tags        sessions
// @Produce     json
// @Param       id   path      string  true  "Session (stream) id"
// @Success     200  {object}  session.Info
// @Failure     404  {object}  ErrorResponse
// @Router      /sessions/{id} [get]
func (t *Transport) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := t.opts.Sessions.Lookup(r.PathValue("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleResetSession truncates a session's conversation to its system prompt.
//
// @Summary     Reset a session's conversation
// @Description Abandons any reply in progress, discards buffered caller audio and truncates
// @Description the history back to the system prompt. The call stays connected.
// @Tags        sessions
// @Param       id   path  string  true  "Session (stream) id"
// @Success     204
// @Failure     404  {object}  ErrorResponse
// @Failure     409  {object}  ErrorResponse  "Session already closed"
// @Router      /sessions/{id}/reset [post]
func (t *Transport) handleResetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := t.opts.Sessions.Reset(id); err != nil {
		writeSessionError(w, err)
		return
	}
	t.logger.Info("session reset", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleAppendInstructions adds caller context to a session's system prompt.
//
// @Summary     Add instructions to a session
// @Description Appends text to the system prompt of a live call, for example what is known
// @Description about the caller. It applies from the next reply on. Reset drops it.
// @Tags        sessions
// @Accept      json
// @Param       id    path  string               true  "Session (stream) id"
// @Param       body  body  InstructionsRequest  true  "Instructions to append"
// @Success     204
// @Failure     400  {object}  ErrorResponse
// @Failure     404  {object}  ErrorResponse
// @Failure     409  {object}  ErrorResponse  "Session already closed"
// @Router      /sessions/{id}/instructions [post]
func (t *Transport) handleAppendInstructions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req InstructionsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInstructionsBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if err := t.opts.Sessions.AppendInstructions(id, req.Instructions); err != nil {
		writeSessionError(w, err)
		return
	}
	t.logger.Info("session instructions appended", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrEmptyInstructions):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, session.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, session.ErrClosed):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
