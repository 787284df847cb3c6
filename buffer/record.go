package buffer

import (
	"encoding/binary"
	"fmt"
	"hash/crc64"
	"io"
)

// On-disk record layout: an 8-byte big-endian payload length, an 8-byte
// CRC-64/ECMA of the payload, the payload itself, and zero padding out
// to the next 16-byte boundary.
const (
	recordAlignment  = 16
	recordHeaderSize = 16
)

var recordCRC = crc64.MakeTable(crc64.ECMA)

// align16 rounds |n| up to the record alignment.
func align16(n int64) int64 {
	return (n + recordAlignment - 1) &^ (recordAlignment - 1)
}

// RecordSize returns the aligned on-disk size of a record holding
// |payload| bytes.
func RecordSize(payload int) int64 {
	return align16(recordHeaderSize + int64(payload))
}

// encodeRecord appends the serialized record to |buf| and returns it.
func encodeRecord(buf, payload []byte) []byte {
	var size = RecordSize(len(payload))
	var header [recordHeaderSize]byte
	binary.BigEndian.PutUint64(header[0:8], uint64(len(payload)))
	binary.BigEndian.PutUint64(header[8:16], crc64.Checksum(payload, recordCRC))

	buf = append(buf, header[:]...)
	buf = append(buf, payload...)
	for pad := size - recordHeaderSize - int64(len(payload)); pad > 0; pad-- {
		buf = append(buf, 0)
	}
	return buf
}

// readRecord reads one record from |r| at the current position.
// It returns the payload and the aligned record size consumed, or
// io.EOF when no further record begins here (a zero length marks
// padding at the end of a sealed region).
func readRecord(r io.Reader) ([]byte, int64, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return nil, 0, err
	}
	var length = binary.BigEndian.Uint64(header[0:8])
	if length == 0 {
		return nil, 0, io.EOF
	}
	var sum = binary.BigEndian.Uint64(header[8:16])

	var payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 0, fmt.Errorf("reading record payload: %w", err)
	}
	if got := crc64.Checksum(payload, recordCRC); got != sum {
		return nil, 0, fmt.Errorf("record checksum mismatch (got %x, expected %x)", got, sum)
	}

	var size = RecordSize(len(payload))
	var pad = size - recordHeaderSize - int64(length)
	if pad > 0 {
		if _, err := io.CopyN(io.Discard, r, pad); err != nil {
			return nil, 0, fmt.Errorf("skipping record padding: %w", err)
		}
	}
	return payload, size, nil
}
