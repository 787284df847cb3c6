// Package event holds the in-memory representation of observability data
// flowing through a topology: logs, metrics, and traces, along with the
// finalization metadata which tracks each event as it is cloned, merged,
// and batched, and reports its delivery status when the last copy settles.
package event

import (
	"fmt"
	"sync/atomic"
)

// EventStatus is the delivery status of an individual event.
type EventStatus int32

const (
	// StatusDropped means all copies of this event were dropped
	// without being finalized. This is the initial status.
	StatusDropped EventStatus = iota
	// StatusDelivered means all copies were delivered successfully.
	StatusDelivered
	// StatusErrored means at least one copy encountered a retriable error.
	StatusErrored
	// StatusRejected means at least one copy encountered a permanent
	// failure or rejection.
	StatusRejected
	// StatusRecorded means the status has been recorded into its batch
	// and must not change further.
	StatusRecorded
)

func (s EventStatus) String() string {
	switch s {
	case StatusDropped:
		return "dropped"
	case StatusDelivered:
		return "delivered"
	case StatusErrored:
		return "errored"
	case StatusRejected:
		return "rejected"
	case StatusRecorded:
		return "recorded"
	default:
		return fmt.Sprintf("EventStatus(%d)", int32(s))
	}
}

// Update folds |status| into |s| and returns the result. Updates never
// demote: Recorded is terminal, Rejected > Errored > Delivered, and
// Dropped updates to anything. Updating *to* Dropped is a programming
// error and panics.
func (s EventStatus) Update(status EventStatus) EventStatus {
	switch {
	case s == StatusRecorded || status == StatusRecorded:
		return StatusRecorded
	case s == StatusDropped:
		return status
	case status == StatusDropped:
		panic("updating EventStatus to dropped is nonsense")
	case s == StatusRejected || status == StatusRejected:
		return StatusRejected
	case s == StatusErrored || status == StatusErrored:
		return StatusErrored
	default:
		return StatusDelivered
	}
}

// BatchStatus is the collective delivery status of a batch of events.
type BatchStatus int32

const (
	// BatchDelivered means all events in the batch were accepted.
	// This is the initial status.
	BatchDelivered BatchStatus = iota
	// BatchErrored means at least one event had a transient delivery error.
	BatchErrored
	// BatchRejected means at least one event was permanently rejected.
	BatchRejected
)

func (s BatchStatus) String() string {
	switch s {
	case BatchDelivered:
		return "delivered"
	case BatchErrored:
		return "errored"
	case BatchRejected:
		return "rejected"
	default:
		return fmt.Sprintf("BatchStatus(%d)", int32(s))
	}
}

// Update folds an event status into the batch status and returns the
// result. Dropped and Delivered leave the status unchanged; Errored
// demotes at least to BatchErrored; Rejected demotes to BatchRejected.
func (s BatchStatus) Update(status EventStatus) BatchStatus {
	switch {
	case status == StatusDropped || status == StatusDelivered || status == StatusRecorded:
		return s
	case s == BatchRejected || status == StatusRejected:
		return BatchRejected
	default:
		return BatchErrored
	}
}

// BatchNotifier carries the running status of one batch of events, and
// notifies the originating source exactly once, after the batch handle
// and every attached event finalizer have been released.
type BatchNotifier struct {
	status atomic.Int32
	refs   atomic.Int64
	notify func(BatchStatus)
}

// NewBatchNotifier returns a notifier and the one-shot channel on which
// its final status is delivered. The caller holds one reference, released
// by Close.
func NewBatchNotifier() (*BatchNotifier, <-chan BatchStatus) {
	var ch = make(chan BatchStatus, 1)
	var n = NewBatchNotifierFunc(func(status BatchStatus) { ch <- status })
	return n, ch
}

// NewBatchNotifierFunc returns a notifier which invokes |notify| with the
// final status instead of sending on a channel. The callback runs on
// whichever goroutine releases the last reference.
func NewBatchNotifierFunc(notify func(BatchStatus)) *BatchNotifier {
	var n = &BatchNotifier{notify: notify}
	n.refs.Store(1)
	return n
}

// Close releases the creator's reference. Typically called after all of
// the batch's events have been sent downstream.
func (n *BatchNotifier) Close() { n.release() }

func (n *BatchNotifier) retain() { n.refs.Add(1) }

func (n *BatchNotifier) release() {
	switch refs := n.refs.Add(-1); {
	case refs == 0:
		n.notify(BatchStatus(n.status.Load()))
	case refs < 0:
		panic("batch notifier released more times than retained")
	}
}

func (n *BatchNotifier) updateStatus(status EventStatus) {
	// The status starts as delivered and only ever changes if the event
	// status is something other than delivered or dropped.
	if status == StatusDelivered || status == StatusDropped {
		return
	}
	for {
		var old = BatchStatus(n.status.Load())
		var next = old.Update(status)
		if old == next || n.status.CompareAndSwap(int32(old), int32(next)) {
			return
		}
	}
}

// Finalizer is the shared handle which tracks the status of one event
// and commits that status into the event's batch when the last copy of
// the event is released.
type Finalizer struct {
	status atomic.Int32
	refs   atomic.Int64
	batch  *BatchNotifier
}

// NewFinalizer returns a Finalizer attached to |batch|.
func NewFinalizer(batch *BatchNotifier) *Finalizer {
	batch.retain()
	var f = &Finalizer{batch: batch}
	f.refs.Store(1)
	return f
}

// UpdateStatus folds |status| into the finalizer's current status.
func (f *Finalizer) UpdateStatus(status EventStatus) {
	for {
		var old = EventStatus(f.status.Load())
		var next = old.Update(status)
		if old == next || f.status.CompareAndSwap(int32(old), int32(next)) {
			return
		}
	}
}

// commit records the finalizer's status into its batch, marking the
// finalizer recorded so that no further update can change it.
func (f *Finalizer) commit() {
	var old = EventStatus(f.status.Swap(int32(StatusRecorded)))
	if old != StatusRecorded {
		f.batch.updateStatus(old)
	}
}

func (f *Finalizer) retain() { f.refs.Add(1) }

func (f *Finalizer) release() {
	switch refs := f.refs.Add(-1); {
	case refs == 0:
		f.commit()
		f.batch.release()
	case refs < 0:
		panic("event finalizer released more times than retained")
	}
}

// Finalizers is an unordered collection of shared finalizer handles
// attached to one event. The zero value is an empty collection.
type Finalizers struct {
	handles []*Finalizer
}

// NewFinalizers returns a collection holding the single handle |f|,
// taking ownership of the caller's reference.
func NewFinalizers(f *Finalizer) Finalizers {
	return Finalizers{handles: []*Finalizer{f}}
}

// Len returns the number of finalizer handles in the collection.
func (fs *Finalizers) Len() int { return len(fs.handles) }

// Empty reports whether the collection holds no finalizers.
func (fs *Finalizers) Empty() bool { return len(fs.handles) == 0 }

// Add appends a finalizer for |batch| to the collection.
func (fs *Finalizers) Add(batch *BatchNotifier) {
	fs.handles = append(fs.handles, NewFinalizer(batch))
}

// Merge moves all handles of |other| into this collection. |other| is
// passed by value and keeps its handles, so it must not be dropped again.
func (fs *Finalizers) Merge(other Finalizers) {
	fs.handles = append(fs.handles, other.handles...)
}

// Clone returns a collection sharing the same finalizer handles, each
// with an additional reference. Downstream delivery of either copy
// updates the same batch.
func (fs *Finalizers) Clone() Finalizers {
	var out = Finalizers{handles: make([]*Finalizer, len(fs.handles))}
	for i, f := range fs.handles {
		f.retain()
		out.handles[i] = f
	}
	return out
}

// UpdateStatus folds |status| into every finalizer in the collection.
func (fs *Finalizers) UpdateStatus(status EventStatus) {
	for _, f := range fs.handles {
		f.UpdateStatus(status)
	}
}

// UpdateSources consumes the collection, committing each finalizer's
// status into its batch immediately rather than waiting for the last
// shared reference to be released.
func (fs *Finalizers) UpdateSources() {
	for _, f := range fs.handles {
		f.commit()
		f.release()
	}
	fs.handles = nil
}

// Drop releases every handle in the collection. Handles whose last
// reference this was commit their current status into their batch.
// The collection is emptied; Drop of an empty collection is a no-op.
func (fs *Finalizers) Drop() {
	for _, f := range fs.handles {
		f.release()
	}
	fs.handles = nil
}

// Take moves the collection out, leaving it empty. Used to coalesce the
// finalizers of batched events into a single request-level collection.
func (fs *Finalizers) Take() Finalizers {
	var out = *fs
	fs.handles = nil
	return out
}

// SharesHandles reports whether two collections hold pointer-identical
// handles in the same order. Finalizers have no structural equality.
func (fs *Finalizers) SharesHandles(other *Finalizers) bool {
	if len(fs.handles) != len(other.handles) {
		return false
	}
	for i := range fs.handles {
		if fs.handles[i] != other.handles[i] {
			return false
		}
	}
	return true
}
