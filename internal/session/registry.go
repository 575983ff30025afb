package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/nadzzz/parley/internal/metrics"
	"github.com/nadzzz/parley/internal/transport"
)

// ErrRegistryFull is returned when the concurrent session cap is reached.
var ErrRegistryFull = errors.New("session registry full")

// ErrNotFound is returned for an unknown session id.
var ErrNotFound = errors.New("session not found")

// Registry owns the live sessions. Sessions are created when a stream
// starts and removed when they close.
type Registry struct {
	cfg       Config
	responder Responder
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	sem       *semaphore.Weighted
	ticking   bool

	mu       sync.Mutex
	sessions map[string]*Session
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMaxSessions caps concurrent sessions. 0 means unlimited.
func WithMaxSessions(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithRegistryMetrics attaches collectors to every session.
func WithRegistryMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithRegistryLogger sets the parent logger of every session.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithRegistryClock sets the session clock and disables the background
// tick loop, so tests drive Tick themselves.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
		r.ticking = false
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, responder Responder, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:       cfg,
		responder: responder,
		logger:    slog.Default(),
		now:       time.Now,
		ticking:   true,
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create starts a session for conn. An empty id gets a generated one.
// The session lives until ctx ends, the transport closes, or the caller
// stays silent past the termination threshold.
func (r *Registry) Create(ctx context.Context, id string, conn transport.Conn) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if r.sem != nil && !r.sem.TryAcquire(1) {
		return nil, ErrRegistryFull
	}

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		if r.sem != nil {
			r.sem.Release(1)
		}
		return nil, fmt.Errorf("session %q already exists", id)
	}
	s := New(ctx, id, conn, r.responder, r.cfg,
		WithClock(r.now),
		WithMetrics(r.metrics),
		WithLogger(r.logger),
	)
	s.onClose = func() { r.remove(id, s) }
	r.sessions[id] = s
	r.mu.Unlock()

	s.Start()
	if r.ticking {
		go s.Run(ctx)
	}
	return s, nil
}

// OnStart implements transport.Handler.
func (r *Registry) OnStart(ctx context.Context, info transport.StartInfo, conn transport.Conn) (transport.Sink, error) {
	s, err := r.Create(ctx, info.StreamID, conn)
	if err != nil {
		return nil, err
	}
	s.logger.Info("call connected", "call_id", info.CallID)
	return s, nil
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Lookup returns a snapshot of the session with id.
func (r *Registry) Lookup(id string) (Info, error) {
	s, ok := r.Get(id)
	if !ok {
		return Info{}, ErrNotFound
	}
	return s.Info(), nil
}

// Reset truncates the conversation of the session with id.
func (r *Registry) Reset(id string) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	return s.Reset()
}

// AppendInstructions extends the system turn of session id.
func (r *Registry) AppendInstructions(id, text string) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	return s.AppendInstructions(text)
}

// Destroy closes the session with id.
func (r *Registry) Destroy(id string) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	s.Close("destroyed")
	r.remove(id, s)
	return nil
}

// List returns a snapshot of all sessions, oldest first.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	slices.SortFunc(infos, func(a, b Info) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return infos
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll closes every session and waits for their runs to return.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close("shutdown")
	}
	for _, s := range sessions {
		s.Wait()
		r.remove(s.id, s)
	}
}

// remove drops s if it is still the session registered under id.
func (r *Registry) remove(id string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; !ok || cur != s {
		return
	}
	delete(r.sessions, id)
	if r.sem != nil {
		r.sem.Release(1)
	}
}
