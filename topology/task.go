package topology

import (
	"context"
	"fmt"
	"sync"

	"github.com/tributary-io/tributary/event"
)

// Task is one supervised unit of a running topology.
type Task struct {
	Key     ComponentKey
	Typetag string
	Run     func(ctx context.Context) error
}

// errInputClosed is returned to upstream fanouts which race a send
// against component removal; the fanout drops the subscriber.
var errInputClosed = fmt.Errorf("component input is closed")

// chanSender adapts an event channel into a fanout subscriber or a
// component input. Closing is safe against concurrent sends: a send
// racing the close fails cleanly instead of panicking, and the fanout
// removes the subscriber.
type chanSender struct {
	mu     sync.RWMutex
	closed bool
	ch     chan event.Event
}

func newChanSender(capacity int) *chanSender {
	return &chanSender{ch: make(chan event.Event, capacity)}
}

func (s *chanSender) Send(ctx context.Context, e event.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return errInputClosed
	}
	select {
	case s.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close seals the input. It waits for in-flight sends to land, which
// requires the channel's consumer to still be draining. Idempotent.
func (s *chanSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
