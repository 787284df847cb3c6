package fanout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tributary-io/tributary/event"
)

type chanSender chan event.Event

func (s chanSender) Send(ctx context.Context, e event.Event) error {
	select {
	case s <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type failSender struct{}

func (failSender) Send(context.Context, event.Event) error {
	return errors.New("consumer disconnected")
}

func makeLog(msg string) event.Event {
	return event.Event{Log: event.NewLog(msg)}
}

func TestFanoutDeliversToAllSubscribers(t *testing.T) {
	var f, control = New()
	var a = make(chanSender, 4)
	var b = make(chanSender, 4)
	control <- Add("a", a)
	control <- Add("b", b)

	var ctx = context.Background()
	require.NoError(t, f.SendAll(ctx, []event.Event{makeLog("one"), makeLog("two")}))

	for _, sub := range []chanSender{a, b} {
		var e = <-sub
		var msg, _ = e.Log.GetPath("message")
		require.Equal(t, "one", msg)
		e = <-sub
		msg, _ = e.Log.GetPath("message")
		require.Equal(t, "two", msg)
	}
}

func TestFanoutClonesShareFinalizers(t *testing.T) {
	var f, control = New()
	var a = make(chanSender, 1)
	var b = make(chanSender, 1)
	control <- Add("a", a)
	control <- Add("b", b)

	var batch, ch = event.NewBatchNotifier()
	var e = makeLog("shared")
	e.AddBatchNotifier(batch)
	batch.Close()

	require.NoError(t, f.Send(context.Background(), e))

	var ea = <-a
	var eb = <-b

	// One batch status is sent only after both copies settle.
	ea.Finalizers().UpdateStatus(event.StatusDelivered)
	ea.Finalizers().Drop()
	select {
	case <-ch:
		t.Fatal("batch settled before all copies were dropped")
	default:
	}

	eb.Finalizers().UpdateStatus(event.StatusDelivered)
	eb.Finalizers().Drop()
	require.Equal(t, event.BatchDelivered, <-ch)
}

func TestFanoutBackpressure(t *testing.T) {
	var f, control = New()
	var slow = make(chanSender) // Unbuffered: blocks until read.
	control <- Add("slow", slow)

	var done = make(chan struct{})
	go func() {
		_ = f.Send(context.Background(), makeLog("one"))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("send returned before the subscriber accepted")
	case <-time.After(20 * time.Millisecond):
	}

	<-slow
	<-done
}

func TestFanoutControlBetweenSends(t *testing.T) {
	var f, control = New()
	var a = make(chanSender, 4)
	control <- Add("a", a)

	var ctx = context.Background()
	require.NoError(t, f.Send(ctx, makeLog("one")))

	// Pause and verify "a" is skipped; the event's finalizers drop.
	control <- Pause("a")
	var batch, ch = event.NewBatchNotifier()
	var e = makeLog("two")
	e.AddBatchNotifier(batch)
	batch.Close()
	require.NoError(t, f.Send(ctx, e))
	require.Equal(t, event.BatchDelivered, <-ch)
	require.Len(t, a, 1)

	// Resume with a replacement sender.
	var a2 = make(chanSender, 4)
	control <- Resume("a", a2)
	require.NoError(t, f.Send(ctx, makeLog("three")))
	require.Len(t, a2, 1)

	control <- Remove("a")
	require.NoError(t, f.Send(ctx, makeLog("four")))
	require.Len(t, a2, 1)
}

func TestFanoutFailedSubscriberIsRemovedWithErroredFinalizers(t *testing.T) {
	var f, control = New()
	var ok = make(chanSender, 4)
	control <- Add("ok", ok)
	control <- Add("bad", failSender{})

	var batch, ch = event.NewBatchNotifier()
	var e = makeLog("one")
	e.AddBatchNotifier(batch)
	batch.Close()

	require.NoError(t, f.Send(context.Background(), e))

	// The surviving copy delivers, but the failed clone already
	// recorded an error into the shared batch.
	var eo = <-ok
	eo.Finalizers().UpdateStatus(event.StatusDelivered)
	eo.Finalizers().Drop()
	require.Equal(t, event.BatchErrored, <-ch)

	// The failed subscriber no longer receives sends.
	require.NoError(t, f.Send(context.Background(), makeLog("two")))
	require.Len(t, ok, 1)
}
