// Package utterance accumulates caller audio for one conversational turn.
package utterance

import "sync"

// Buffer holds inbound frames in arrival order until flushed. It is safe for
// concurrent use; FlushAndClear is atomic with respect to Append.
type Buffer struct {
	mu     sync.Mutex
	frames [][]byte
	total  int
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{frames: make([][]byte, 0, 64)}
}

// Append adds a frame. The buffer keeps its own copy of payload.
func (b *Buffer) Append(payload []byte) {
	if len(payload) == 0 {
		return
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)

	b.mu.Lock()
	b.frames = append(b.frames, cp)
	b.total += len(cp)
	b.mu.Unlock()
}

// FlushAndClear returns every buffered byte in arrival order and empties the
// buffer. An empty buffer flushes to nil.
func (b *Buffer) FlushAndClear() []byte {
	b.mu.Lock()
	frames, total := b.frames, b.total
	b.frames = make([][]byte, 0, 64)
	b.total = 0
	b.mu.Unlock()

	if total == 0 {
		return nil
	}
	out := make([]byte, 0, total)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}

// TotalBytes reports how many bytes are buffered.
func (b *Buffer) TotalBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Frames reports how many frames are buffered.
func (b *Buffer) Frames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Reset discards buffered audio.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.frames = nil
	b.total = 0
	b.mu.Unlock()
}
