package dispatch

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handle is the cancellation handle of one response run. Every provider call
// of the run uses Context, and the pacer checks it before each frame.
type Handle struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// NewHandle starts a run whose lifetime is bounded by parent.
func NewHandle(parent context.Context) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{id: uuid.NewString(), ctx: ctx, cancel: cancel}
}

// ID identifies the run in logs.
func (h *Handle) ID() string { return h.id }

// Context is cancelled when the run is cancelled or its parent ends.
func (h *Handle) Context() context.Context { return h.ctx }

// Cancel stops the run. It is safe to call more than once.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
	h.cancel()
}

// Cancelled reports whether the run was cancelled or its parent ended.
func (h *Handle) Cancelled() bool {
	return h.cancelled.Load() || h.ctx.Err() != nil
}
