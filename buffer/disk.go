package buffer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

// DiskOptions bound a disk buffer.
type DiskOptions struct {
	// MaxRecordSize caps the aligned on-disk size of a single record.
	MaxRecordSize int64
	// MaxDataFileSize triggers data file rollover.
	MaxDataFileSize int64
	// MaxTotalBytes caps the total bytes of unretired records. This
	// limit supersedes the per-file limits.
	MaxTotalBytes int64
	// MaxDataFiles caps the number of live (unretired) data files.
	MaxDataFiles int64
}

// DefaultDiskOptions sizes a disk buffer the way a production sink
// would: 128MiB data files, 8MiB records, 32 live files.
func DefaultDiskOptions() DiskOptions {
	return DiskOptions{
		MaxRecordSize:   8 << 20,
		MaxDataFileSize: 128 << 20,
		MaxTotalBytes:   4 << 30,
		MaxDataFiles:    32,
	}
}

// DiskBuffer is a crash-safe, bounded FIFO of records stored as a
// sequence of append-only data files plus a durable ledger.
//
// Records are written by one producer and read by one consumer.
// Acknowledged records retire strictly in queue order; a data file is
// deleted once every record within it has retired and the reader has
// moved past it.
type DiskBuffer struct {
	dir  string
	opts DiskOptions

	mu     sync.Mutex
	ledger Ledger
	closed bool

	writer *os.File
	reader *os.File

	// In-memory read cursor. The ledger's reader position instead
	// tracks the retirement boundary.
	readFileID int64
	readOffset int64

	pending []*pendingRecord

	readWake  chan struct{}
	writeWake chan struct{}
}

type pendingRecord struct {
	fileID    int64
	endOffset int64
	size      int64
	acked     bool
}

// Entry is one record yielded by a disk buffer reader. Acknowledging it
// is what retires the record.
type Entry struct {
	Payload []byte

	buf  *DiskBuffer
	rec  *pendingRecord
	once sync.Once
}

// Ack marks the entry delivered. Retirement still happens strictly in
// queue order: an out-of-order Ack waits for its predecessors.
func (e *Entry) Ack() {
	e.once.Do(func() {
		e.buf.mu.Lock()
		defer e.buf.mu.Unlock()
		e.rec.acked = true
		e.buf.drainRetiredLocked()
	})
}

func dataFilePath(dir string, id int64) string {
	return filepath.Join(dir, fmt.Sprintf("data-%05d.dat", id))
}

// OpenDisk opens or creates the disk buffer in |dir|, recovering its
// prior state from the ledger. Bytes beyond the ledger's writer offset
// are a torn trailing write and are truncated away.
func OpenDisk(dir string, opts DiskOptions) (*DiskBuffer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating buffer directory: %w", err)
	}

	var ledger, err = readLedger(dir)
	if err != nil {
		return nil, err
	}

	var writer *os.File
	if writer, err = os.OpenFile(
		dataFilePath(dir, ledger.WriterFileID), os.O_CREATE|os.O_RDWR, 0o644); err != nil {
		return nil, fmt.Errorf("opening writer data file: %w", err)
	}
	if err = writer.Truncate(ledger.WriterOffset); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("truncating torn writer data file: %w", err)
	}
	if _, err = writer.Seek(ledger.WriterOffset, io.SeekStart); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("seeking writer data file: %w", err)
	}

	// Records which were read but never retired are re-read after a
	// restart; delivery is at-least-once.
	ledger.PendingAcks = 0

	var b = &DiskBuffer{
		dir:        dir,
		opts:       opts,
		ledger:     ledger,
		writer:     writer,
		readFileID: ledger.ReaderFileID,
		readOffset: ledger.ReaderOffset,
		readWake:   make(chan struct{}),
		writeWake:  make(chan struct{}),
	}
	return b, nil
}

// Ledger returns a snapshot of the buffer's durable state.
func (b *DiskBuffer) Ledger() Ledger {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ledger
}

// WriteRecord appends |payload| as one record, blocking while the
// buffer is at capacity until the reader retires enough records.
// It returns the bytes written.
func (b *DiskBuffer) WriteRecord(ctx context.Context, payload []byte) (int64, error) {
	var size = RecordSize(len(payload))
	if size > b.opts.MaxRecordSize {
		return 0, ErrRecordTooLarge
	}

	for {
		b.mu.Lock()
		ok, err := b.prepareWriteLocked(size)
		if err != nil {
			b.mu.Unlock()
			return 0, err
		}
		if ok {
			var n, err = b.appendLocked(payload, size)
			b.mu.Unlock()
			return n, err
		}
		var wake = b.writeWake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// TryWriteRecord appends |payload| without waiting. When the buffer is
// at capacity it returns the refused payload unchanged, so the caller
// retains the record.
func (b *DiskBuffer) TryWriteRecord(payload []byte) (int64, []byte, error) {
	var size = RecordSize(len(payload))
	if size > b.opts.MaxRecordSize {
		return 0, nil, ErrRecordTooLarge
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var ok, err = b.prepareWriteLocked(size)
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, payload, nil
	}
	var n, werr = b.appendLocked(payload, size)
	return n, nil, werr
}

// prepareWriteLocked checks capacity for a record of |size| bytes and
// performs data file rollover as needed. It returns false if the write
// must await reader progress.
func (b *DiskBuffer) prepareWriteLocked(size int64) (bool, error) {
	if b.closed {
		return false, fmt.Errorf("buffer is closed")
	}
	// The global bytes limit supersedes the per-file limits.
	if b.ledger.TotalBytes+size > b.opts.MaxTotalBytes {
		return false, nil
	}

	if b.ledger.WriterOffset > 0 && b.ledger.WriterOffset+size > b.opts.MaxDataFileSize {
		// Roll to the next data file, unless doing so would exceed the
		// live file cap: the slot for the next file is still occupied
		// by unretired reader data.
		if b.ledger.WriterFileID-b.ledger.ReaderFileID+2 > b.opts.MaxDataFiles {
			return false, nil
		}
		if err := b.rollDataFileLocked(); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (b *DiskBuffer) rollDataFileLocked() error {
	if err := b.writer.Sync(); err != nil {
		return fmt.Errorf("syncing sealed data file: %w", err)
	}
	if err := b.writer.Close(); err != nil {
		return fmt.Errorf("closing sealed data file: %w", err)
	}

	var next, err = os.OpenFile(
		dataFilePath(b.dir, b.ledger.WriterFileID+1), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening next data file: %w", err)
	}

	b.writer = next
	b.ledger.WriterFileID++
	b.ledger.WriterOffset = 0

	log.WithFields(log.Fields{
		"dir":    b.dir,
		"fileId": b.ledger.WriterFileID,
	}).Debug("rolled to next buffer data file")
	return nil
}

func (b *DiskBuffer) appendLocked(payload []byte, size int64) (int64, error) {
	var buf = encodeRecord(make([]byte, 0, size), payload)
	if _, err := b.writer.Write(buf); err != nil {
		return 0, fmt.Errorf("appending record: %w", err)
	}

	b.ledger.WriterOffset += size
	b.ledger.TotalRecords++
	b.ledger.TotalBytes += size

	close(b.readWake)
	b.readWake = make(chan struct{})
	return size, nil
}

// Flush syncs the current data file and persists the ledger.
func (b *DiskBuffer) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		if err := b.writer.Sync(); err != nil {
			return fmt.Errorf("syncing data file: %w", err)
		}
	}
	return writeLedger(b.dir, b.ledger)
}

// Close seals the writer. Readers drain remaining records and then
// observe the end of the buffer.
func (b *DiskBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if err := b.writer.Sync(); err != nil {
		return fmt.Errorf("syncing data file: %w", err)
	}
	if err := b.writer.Close(); err != nil {
		return fmt.Errorf("closing data file: %w", err)
	}
	close(b.readWake)
	b.readWake = make(chan struct{})
	close(b.writeWake)
	b.writeWake = make(chan struct{})
	return writeLedger(b.dir, b.ledger)
}

// ReadNext yields the next record in FIFO order. It blocks while the
// buffer is empty and the writer is open, and returns io.EOF once the
// writer has closed and every record has been yielded.
func (b *DiskBuffer) ReadNext(ctx context.Context) (*Entry, error) {
	for {
		b.mu.Lock()
		var entry, err = b.readOneLocked()
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		if entry != nil {
			b.mu.Unlock()
			return entry, nil
		}
		if b.closed {
			b.mu.Unlock()
			return nil, io.EOF
		}
		var wake = b.readWake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *DiskBuffer) readOneLocked() (*Entry, error) {
	for {
		if b.readFileID == b.ledger.WriterFileID && b.readOffset >= b.ledger.WriterOffset {
			return nil, nil // Fully caught up with the writer.
		}

		if b.reader == nil {
			var f, err = os.Open(dataFilePath(b.dir, b.readFileID))
			if err != nil {
				return nil, fmt.Errorf("opening reader data file: %w", err)
			}
			b.reader = f
		}

		var section = io.NewSectionReader(b.reader, b.readOffset, 1<<62)
		var payload, size, err = readRecord(section)
		if err == io.EOF {
			if b.readFileID < b.ledger.WriterFileID {
				// Sealed file is exhausted; move to the next.
				_ = b.reader.Close()
				b.reader = nil
				b.readFileID++
				b.readOffset = 0
				continue
			}
			return nil, nil
		} else if err != nil {
			return nil, err
		}

		var rec = &pendingRecord{
			fileID:    b.readFileID,
			endOffset: b.readOffset + size,
			size:      size,
		}
		b.readOffset += size
		b.ledger.PendingAcks++
		b.pending = append(b.pending, rec)

		// A sealed file whose last record was just read is exhausted;
		// move the cursor past it so that retirement can delete it.
		if b.readFileID < b.ledger.WriterFileID {
			if info, serr := b.reader.Stat(); serr == nil && b.readOffset >= info.Size() {
				_ = b.reader.Close()
				b.reader = nil
				b.readFileID++
				b.readOffset = 0
			}
		}

		return &Entry{Payload: payload, buf: b, rec: rec}, nil
	}
}

// Ack marks the next |n| unacknowledged records, in queue order, as
// delivered. It implements the Acker capability used by sink drivers.
func (b *DiskBuffer) Ack(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rec := range b.pending {
		if n == 0 {
			break
		}
		if !rec.acked {
			rec.acked = true
			n--
		}
	}
	b.drainRetiredLocked()
}

// drainRetiredLocked retires the contiguous acknowledged prefix of
// pending records, advancing the ledger's retirement boundary and
// deleting data files the reader has fully moved past.
func (b *DiskBuffer) drainRetiredLocked() {
	var retired bool
	for len(b.pending) > 0 && b.pending[0].acked {
		var rec = b.pending[0]
		b.pending = b.pending[1:]

		b.ledger.ReaderFileID = rec.fileID
		b.ledger.ReaderOffset = rec.endOffset
		b.ledger.TotalRecords--
		b.ledger.TotalBytes -= rec.size
		b.ledger.PendingAcks--
		retired = true
	}
	if !retired {
		return
	}

	// Delete data files which are fully retired and behind the read
	// cursor, rolling the retirement boundary to the next file.
	var nextFile = b.readFileID
	if len(b.pending) > 0 {
		nextFile = b.pending[0].fileID
	}
	for b.ledger.ReaderFileID < nextFile {
		var path = dataFilePath(b.dir, b.ledger.ReaderFileID)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.WithFields(log.Fields{"path": path, "err": err}).
				Warn("failed to delete retired buffer data file")
		}
		b.ledger.ReaderFileID++
		b.ledger.ReaderOffset = 0
	}

	if err := writeLedger(b.dir, b.ledger); err != nil {
		log.WithFields(log.Fields{"dir": b.dir, "err": err}).
			Warn("failed to persist buffer ledger; will retry on next retirement")
	}

	close(b.writeWake)
	b.writeWake = make(chan struct{})
}
