// Package driver bridges a stream of sink requests and the service
// which executes them: it pulls batches from the stream, submits each
// request as the service becomes ready, and emits acknowledgements
// strictly in input order even when responses complete out of order.
package driver

import (
	"container/heap"
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/tributary-io/tributary/event"
)

// Request is one unit of work submitted to a sink's service.
type Request interface {
	// AckSize is the number of input events the request covers.
	AckSize() int
	// TakeFinalizers moves out the finalizers of the covered events.
	TakeFinalizers() event.Finalizers
}

// Response is the service's result for one request.
type Response interface {
	// EventStatus is the delivery status to apply to the request's
	// event finalizers.
	EventStatus() event.EventStatus
}

// Service executes requests with bounded readiness. Call runs on the
// driver's goroutine pool; implementations gate concurrency in Ready.
type Service interface {
	// Ready blocks until the service can accept another request.
	Ready(ctx context.Context) error
	// Call executes one request.
	Call(ctx context.Context, req Request) (Response, error)
}

// Acker receives in-order acknowledgement credits.
type Acker interface {
	Ack(n int)
}

// Driver runs the request pipeline for one sink.
type Driver struct {
	Input   <-chan Request
	Service Service
	Acker   Acker
}

type completion struct {
	seqNum  uint64
	ackSize int
}

// Run drives the pipeline until Input is exhausted, draining all
// in-flight requests before returning. An error from the service's
// Ready aborts the run.
func (d *Driver) Run(ctx context.Context) error {
	var tracker ackTracker
	var completions = make(chan completion, 1024)
	var inFlight int

	var input = d.Input
	for input != nil || inFlight > 0 {
		// Completions are always consumed first, so that upstream
		// buffers and sources keep making forward progress even while
		// the service is saturated.
		select {
		case c := <-completions:
			inFlight--
			tracker.markSeqNumComplete(c.seqNum, c.ackSize)
			if depth := tracker.latestAckDepth(); depth > 0 {
				d.Acker.Ack(depth)
			}
			continue
		default:
		}

		select {
		case c := <-completions:
			inFlight--
			tracker.markSeqNumComplete(c.seqNum, c.ackSize)
			if depth := tracker.latestAckDepth(); depth > 0 {
				d.Acker.Ack(depth)
			}

		case req, ok := <-input:
			if !ok {
				input = nil
				continue
			}
			if err := d.Service.Ready(ctx); err != nil {
				log.WithField("err", err).Error("service failed readiness; aborting driver")
				return err
			}
			inFlight++
			go d.submit(ctx, req, tracker.nextSeqNum(), completions)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *Driver) submit(ctx context.Context, req Request, seqNum uint64, completions chan<- completion) {
	var ackSize = req.AckSize()
	var finalizers = req.TakeFinalizers()

	var resp, err = d.Service.Call(ctx, req)
	if err != nil {
		log.WithFields(log.Fields{"err": err, "seqNum": seqNum}).Error("service call failed")
		finalizers.UpdateStatus(event.StatusErrored)
	} else {
		finalizers.UpdateStatus(resp.EventStatus())
	}
	finalizers.Drop()

	completions <- completion{seqNum: seqNum, ackSize: ackSize}
}

// ackTracker issues monotonically increasing sequence numbers and folds
// completed sequences back into contiguous acknowledgement credits.
type ackTracker struct {
	outOfOrder completionHeap
	seqHead    uint64
	seqTail    uint64
	ackDepth   int
}

// nextSeqNum acquires the next available sequence number.
func (t *ackTracker) nextSeqNum() uint64 {
	var seqNum = t.seqHead
	t.seqHead++
	return seqNum
}

// markSeqNumComplete records |seqNum| as complete, covering |ackSize|
// events. In-order completions credit immediately; the rest wait in a
// min-heap until their predecessors complete.
func (t *ackTracker) markSeqNumComplete(seqNum uint64, ackSize int) {
	if seqNum >= t.seqHead || seqNum < t.seqTail {
		panic("sequence number was never issued or already completed")
	}
	if seqNum == t.seqTail {
		t.ackDepth += ackSize
		t.seqTail++
	} else {
		heap.Push(&t.outOfOrder, completion{seqNum: seqNum, ackSize: ackSize})
	}
}

// latestAckDepth drains newly contiguous completions from the heap and
// returns the accumulated credit, resetting it to zero. It returns zero
// when nothing has settled.
func (t *ackTracker) latestAckDepth() int {
	for len(t.outOfOrder) != 0 && t.outOfOrder[0].seqNum == t.seqTail {
		var c = heap.Pop(&t.outOfOrder).(completion)
		t.ackDepth += c.ackSize
		t.seqTail++
	}

	var depth = t.ackDepth
	t.ackDepth = 0
	return depth
}

// completionHeap is a min-heap of completions keyed on sequence number.
type completionHeap []completion

func (h completionHeap) Len() int            { return len(h) }
func (h completionHeap) Less(i, j int) bool  { return h[i].seqNum < h[j].seqNum }
func (h completionHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *completionHeap) Push(x interface{}) { *h = append(*h, x.(completion)) }
func (h *completionHeap) Pop() interface{} {
	var old = *h
	var n = len(old)
	var c = old[n-1]
	*h = old[:n-1]
	return c
}
