// Package buffer provides the bounded event queues which sit between a
// sink and the rest of a topology: an in-memory channel variant and a
// crash-safe, disk-backed FIFO with acknowledgement-driven reclamation.
package buffer

import (
	"context"
	"errors"

	"github.com/tributary-io/tributary/event"
)

// ErrRecordTooLarge is returned when a record exceeds the buffer's
// maximum record size. The record is not written.
var ErrRecordTooLarge = errors.New("record is too large to be written to the buffer")

// ErrFull is returned by non-blocking writes when the buffer cannot
// accept the record without awaiting reader progress.
var ErrFull = errors.New("buffer is full")

// Sender is the input half of a sink's buffer.
type Sender interface {
	Send(ctx context.Context, e event.Event) error
}

// Receiver is the output half of a sink's buffer. Next blocks while the
// buffer is empty, and returns io.EOF once the sender is closed and all
// buffered events have been yielded.
type Receiver interface {
	Next(ctx context.Context) (event.Event, error)
}

// Acker receives in-order acknowledgement credits from a sink's driver.
type Acker interface {
	// Ack marks the next |n| unacknowledged events, in queue order, as
	// delivered.
	Ack(n int)
}

// Kind selects a buffer variant.
type Kind string

const (
	// KindMemory buffers events in a bounded channel.
	KindMemory Kind = "memory"
	// KindDisk buffers serialized events in data files on disk.
	KindDisk Kind = "disk"
)

// Config declares a sink's buffer.
type Config struct {
	Kind Kind `json:"kind"`
	// MaxEvents bounds the memory variant.
	MaxEvents int `json:"max_events,omitempty"`
	// MaxSize bounds the disk variant's total bytes.
	MaxSize int64 `json:"max_size,omitempty"`
}

// DefaultConfig is a memory buffer of 500 events.
func DefaultConfig() Config {
	return Config{Kind: KindMemory, MaxEvents: 500}
}
