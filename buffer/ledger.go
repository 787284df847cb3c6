package buffer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

const (
	ledgerFileName    = "buffer.ledger"
	ledgerTmpFileName = "buffer.ledger.new"
)

// Ledger is the durable record of a disk buffer's queue state. All
// fields are persisted; the file is replaced atomically on write.
type Ledger struct {
	// WriterFileID and WriterOffset locate the next byte the writer
	// will append.
	WriterFileID int64 `json:"writer_file_id"`
	WriterOffset int64 `json:"writer_offset"`
	// ReaderFileID and ReaderOffset locate the retirement boundary:
	// every record before it has been acknowledged and reclaimed.
	ReaderFileID int64 `json:"reader_file_id"`
	ReaderOffset int64 `json:"reader_offset"`
	// TotalRecords and TotalBytes count buffered, unretired records.
	TotalRecords int64 `json:"total_records"`
	TotalBytes   int64 `json:"total_bytes"`
	// PendingAcks counts records read but not yet retired.
	PendingAcks int64 `json:"pending_acks"`
}

// writeLedger persists |l| to |dir|: temp file, fsync, atomic rename.
func writeLedger(dir string, l Ledger) error {
	var tmp = filepath.Join(dir, ledgerTmpFileName)

	var f, err = os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating ledger temp file: %w", err)
	}
	if err = json.NewEncoder(f).Encode(l); err != nil {
		_ = f.Close()
		return fmt.Errorf("encoding ledger: %w", err)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("syncing ledger temp file: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("closing ledger temp file: %w", err)
	}
	if err = os.Rename(tmp, filepath.Join(dir, ledgerFileName)); err != nil {
		return fmt.Errorf("renaming ledger into place: %w", err)
	}
	return nil
}

// readLedger loads the ledger from |dir|. A missing ledger yields the
// zero Ledger of an empty buffer.
func readLedger(dir string) (Ledger, error) {
	var l Ledger

	var data, err = os.ReadFile(filepath.Join(dir, ledgerFileName))
	if os.IsNotExist(err) {
		return l, nil
	} else if err != nil {
		return l, fmt.Errorf("reading ledger: %w", err)
	}
	if err = json.Unmarshal(data, &l); err != nil {
		return l, fmt.Errorf("decoding ledger: %w", err)
	}
	return l, nil
}
