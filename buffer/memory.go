package buffer

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/tributary-io/tributary/event"
)

// ErrClosed is returned for sends into a closed buffer.
var ErrClosed = errors.New("buffer is closed")

// MemoryBuffer is a bounded in-memory event queue. Events are held with
// their finalizers attached; acknowledgement simply counts credits.
type MemoryBuffer struct {
	mu     sync.RWMutex
	closed bool
	ch     chan event.Event

	acked atomic.Int64
}

// NewMemory returns a memory buffer holding at most |maxEvents| events.
func NewMemory(maxEvents int) *MemoryBuffer {
	return &MemoryBuffer{ch: make(chan event.Event, maxEvents)}
}

// Send enqueues |e|, blocking while the buffer is full.
func (b *MemoryBuffer) Send(ctx context.Context, e event.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	select {
	case b.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues |e| without waiting, reporting whether it was accepted.
func (b *MemoryBuffer) TrySend(e event.Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return false
	}
	select {
	case b.ch <- e:
		return true
	default:
		return false
	}
}

// Next dequeues the next event, blocking while the buffer is empty.
// It returns io.EOF once the buffer is closed and drained.
func (b *MemoryBuffer) Next(ctx context.Context) (event.Event, error) {
	select {
	case e, ok := <-b.ch:
		if !ok {
			return event.Event{}, io.EOF
		}
		return e, nil
	case <-ctx.Done():
		return event.Event{}, ctx.Err()
	}
}

// Ack records |n| delivery credits.
func (b *MemoryBuffer) Ack(n int) { b.acked.Add(int64(n)) }

// Acked returns the total credits recorded.
func (b *MemoryBuffer) Acked() int64 { return b.acked.Load() }

// Close seals the buffer; readers drain and then observe io.EOF.
// It waits for in-flight sends, which requires a draining consumer.
func (b *MemoryBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}

// Len returns the number of buffered events.
func (b *MemoryBuffer) Len() int { return len(b.ch) }
