package buffer

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/tributary-io/tributary/event"
)

// Built is a sink's materialized buffer: the sender wired into the
// topology's fanout, the receiver consumed by the sink task, and the
// acker driven by the sink's driver.
type Built struct {
	Sender   Sender
	Receiver Receiver
	Acker    Acker

	// Close seals the sender half; the receiver drains and then
	// observes io.EOF.
	Close func() error
}

// Build materializes the configured buffer variant. Disk buffers live
// under |dataDir|/buffer/|name|.
func Build(cfg Config, dataDir, name string) (*Built, error) {
	switch cfg.Kind {
	case "", KindMemory:
		var maxEvents = cfg.MaxEvents
		if maxEvents <= 0 {
			maxEvents = DefaultConfig().MaxEvents
		}
		var b = NewMemory(maxEvents)
		return &Built{
			Sender:   b,
			Receiver: b,
			Acker:    b,
			Close:    func() error { b.Close(); return nil },
		}, nil

	case KindDisk:
		var opts = DefaultDiskOptions()
		if cfg.MaxSize > 0 {
			opts.MaxTotalBytes = cfg.MaxSize
		}
		var b, err = OpenDisk(fmt.Sprintf("%s/buffer/%s", dataDir, name), opts)
		if err != nil {
			return nil, fmt.Errorf("opening disk buffer for %q: %w", name, err)
		}
		return &Built{
			Sender:   &diskSender{b: b},
			Receiver: &diskReceiver{b: b},
			Acker:    b,
			Close:    b.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown buffer kind %q", cfg.Kind)
	}
}

// diskSender serializes events into a disk buffer. A durable write is
// a delivery from the perspective of the event's source: its finalizers
// settle as delivered once the record is on disk, and the buffer's own
// per-record acknowledgement takes over from there.
type diskSender struct {
	b *DiskBuffer
}

func (s *diskSender) Send(ctx context.Context, e event.Event) error {
	var payload, err = EncodeEvent(e)
	if err != nil {
		return fmt.Errorf("encoding event for disk buffer: %w", err)
	}

	var fins = e.TakeFinalizers()
	if _, err = s.b.WriteRecord(ctx, payload); err != nil {
		if errors.Is(err, ErrRecordTooLarge) {
			// Fatal for this record only: drop it with an error status.
			fins.UpdateStatus(event.StatusErrored)
			fins.Drop()
			log.WithFields(log.Fields{
				"dir":   s.b.dir,
				"bytes": len(payload),
			}).Error("dropping event too large for its disk buffer")
			return nil
		}
		fins.Drop()
		return err
	}

	fins.UpdateStatus(event.StatusDelivered)
	fins.Drop()
	return nil
}

// diskReceiver deserializes buffered events, attaching a fresh
// finalizer which retires the underlying record once the event's
// delivery settles.
type diskReceiver struct {
	b *DiskBuffer
}

func (r *diskReceiver) Next(ctx context.Context) (event.Event, error) {
	for {
		var entry, err = r.b.ReadNext(ctx)
		if err != nil {
			return event.Event{}, err
		}

		e, err := DecodeEvent(entry.Payload)
		if err != nil {
			// A corrupt record cannot be retried; retire it and move on.
			log.WithFields(log.Fields{"dir": r.b.dir, "err": err}).
				Error("skipping undecodable buffered record")
			entry.Ack()
			continue
		}

		var held = entry
		var notifier = event.NewBatchNotifierFunc(func(status event.BatchStatus) {
			if status == event.BatchDelivered {
				held.Ack()
			}
		})
		e.AddBatchNotifier(notifier)
		notifier.Close()
		return e, nil
	}
}
