// Package fanout distributes events from one producer to a dynamic set
// of named consumers, with synchronous backpressure: a send completes
// only once every active consumer has accepted its copy.
package fanout

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/tributary-io/tributary/event"
)

// Sender is the input half of a consumer's edge.
type Sender interface {
	// Send delivers one event, blocking until the consumer accepts it
	// or |ctx| is done.
	Send(ctx context.Context, e event.Event) error
}

// ControlMessage reconfigures a Fanout between sends.
type ControlMessage struct {
	op     controlOp
	id     string
	sender Sender
}

type controlOp uint8

const (
	opAdd controlOp = iota
	opPause
	opResume
	opRemove
)

// Add subscribes |sender| under |id|, effective before the next send.
func Add(id string, sender Sender) ControlMessage {
	return ControlMessage{op: opAdd, id: id, sender: sender}
}

// Pause suspends delivery to |id| without removing it.
func Pause(id string) ControlMessage {
	return ControlMessage{op: opPause, id: id}
}

// Resume re-activates |id| with a replacement |sender|.
func Resume(id string, sender Sender) ControlMessage {
	return ControlMessage{op: opResume, id: id, sender: sender}
}

// Remove unsubscribes |id|.
func Remove(id string) ControlMessage {
	return ControlMessage{op: opRemove, id: id}
}

// ControlChannel reconfigures a running Fanout.
type ControlChannel chan<- ControlMessage

type subscriber struct {
	id     string
	sender Sender // Nil while paused.
}

// Fanout is the one-to-many event distributor. It is owned and driven
// by a single producer goroutine.
type Fanout struct {
	subscribers []subscriber
	control     chan ControlMessage
}

// New returns a Fanout and the channel used to reconfigure it.
func New() (*Fanout, ControlChannel) {
	var f = &Fanout{
		// Buffered so that topology reconfiguration does not block on
		// a producer which is itself blocked on a slow consumer.
		control: make(chan ControlMessage, 16),
	}
	return f, f.control
}

// Send distributes |e| to every active subscriber, cloning the event so
// that each copy shares the same finalizer handles. It returns once all
// subscribers have accepted, providing backpressure from the slowest.
// An event sent to zero subscribers drops its finalizers.
func (f *Fanout) Send(ctx context.Context, e event.Event) error {
	f.applyControl()

	if len(f.subscribers) == 0 {
		e.Finalizers().Drop()
		return nil
	}

	// The last active subscriber receives |e| itself; earlier ones
	// receive shallow clones sharing its finalizers.
	var active []int
	for i, sub := range f.subscribers {
		if sub.sender != nil {
			active = append(active, i)
		}
	}
	if len(active) == 0 {
		e.Finalizers().Drop()
		return nil
	}

	var failed []string
	for n, i := range active {
		var copied = e
		if n != len(active)-1 {
			copied = e.ShallowClone()
		}
		if err := f.subscribers[i].sender.Send(ctx, copied); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			copied.Finalizers().UpdateStatus(event.StatusErrored)
			copied.Finalizers().Drop()
			failed = append(failed, f.subscribers[i].id)

			log.WithFields(log.Fields{
				"output": f.subscribers[i].id,
				"err":    err,
			}).Error("dropping failed fanout output")
		}
	}
	for _, id := range failed {
		f.remove(id)
	}
	return nil
}

// SendAll distributes each event of |events| in order.
func (f *Fanout) SendAll(ctx context.Context, events []event.Event) error {
	for _, e := range events {
		if err := f.Send(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// applyControl drains and applies pending control messages.
// Consumers added here participate starting with the next send.
func (f *Fanout) applyControl() {
	for {
		select {
		case msg := <-f.control:
			f.apply(msg)
		default:
			return
		}
	}
}

func (f *Fanout) apply(msg ControlMessage) {
	switch msg.op {
	case opAdd:
		for _, sub := range f.subscribers {
			if sub.id == msg.id {
				panic(fmt.Sprintf("duplicate fanout output %q", msg.id))
			}
		}
		f.subscribers = append(f.subscribers, subscriber{id: msg.id, sender: msg.sender})
	case opPause:
		for i := range f.subscribers {
			if f.subscribers[i].id == msg.id {
				f.subscribers[i].sender = nil
			}
		}
	case opResume:
		for i := range f.subscribers {
			if f.subscribers[i].id == msg.id {
				f.subscribers[i].sender = msg.sender
			}
		}
	case opRemove:
		f.remove(msg.id)
	}
}

func (f *Fanout) remove(id string) {
	for i := range f.subscribers {
		if f.subscribers[i].id == id {
			f.subscribers = append(f.subscribers[:i], f.subscribers[i+1:]...)
			return
		}
	}
}
