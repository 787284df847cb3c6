// Package checkpoint provides stable file identities (fingerprints) and
// the durable read-offset checkpoints which make file ingestion resume
// correctly across restarts: the canonical at-least-once source state.
package checkpoint

import (
	"fmt"

	"github.com/goccy/go-json"
)

// FingerprintKind discriminates fingerprint strategies' identities.
type FingerprintKind uint8

const (
	// KindUnknown is a bare checksum of unknown provenance.
	KindUnknown FingerprintKind = iota
	// KindDevInode identifies a file by (device, inode).
	KindDevInode
	// KindFirstLinesChecksum is a checksum of the first N lines.
	KindFirstLinesChecksum
	// KindBytesChecksum is a checksum of a fixed-length prefix.
	KindBytesChecksum
	// KindChecksumWithPathSalt pairs a content checksum with a path hash.
	KindChecksumWithPathSalt
	// KindFullContentChecksum is a checksum of the whole file.
	KindFullContentChecksum
	// KindModificationTime pairs a path hash with the mtime.
	KindModificationTime
)

// Fingerprint is a stable identity for a file under a chosen strategy.
// It is comparable, deterministic, and stable across restarts.
type Fingerprint struct {
	kind FingerprintKind
	a, b uint64
}

// DevInode returns a (device, inode) fingerprint.
func DevInode(dev, ino uint64) Fingerprint {
	return Fingerprint{kind: KindDevInode, a: dev, b: ino}
}

// FirstLinesChecksum returns a first-lines checksum fingerprint.
func FirstLinesChecksum(sum uint64) Fingerprint {
	return Fingerprint{kind: KindFirstLinesChecksum, a: sum}
}

// BytesChecksum returns a fixed-prefix checksum fingerprint.
func BytesChecksum(sum uint64) Fingerprint {
	return Fingerprint{kind: KindBytesChecksum, a: sum}
}

// ChecksumWithPathSalt returns a content checksum salted by a path hash.
func ChecksumWithPathSalt(content, path uint64) Fingerprint {
	return Fingerprint{kind: KindChecksumWithPathSalt, a: content, b: path}
}

// FullContentChecksum returns a whole-content checksum fingerprint.
func FullContentChecksum(sum uint64) Fingerprint {
	return Fingerprint{kind: KindFullContentChecksum, a: sum}
}

// ModificationTime returns a (path hash, mtime seconds) fingerprint.
func ModificationTime(pathHash, unixSeconds uint64) Fingerprint {
	return Fingerprint{kind: KindModificationTime, a: pathHash, b: unixSeconds}
}

// Unknown returns a fingerprint wrapping a bare checksum.
func Unknown(sum uint64) Fingerprint {
	return Fingerprint{kind: KindUnknown, a: sum}
}

// Kind returns the fingerprint's strategy kind.
func (f Fingerprint) Kind() FingerprintKind { return f.kind }

// Less provides the total, deterministic order used to stabilize
// persisted checkpoint sets.
func (f Fingerprint) Less(other Fingerprint) bool {
	if f.kind != other.kind {
		return f.kind < other.kind
	}
	if f.a != other.a {
		return f.a < other.a
	}
	return f.b < other.b
}

func (f Fingerprint) String() string {
	switch f.kind {
	case KindDevInode:
		return fmt.Sprintf("dev_inode(%d, %d)", f.a, f.b)
	case KindFirstLinesChecksum:
		return fmt.Sprintf("first_lines_checksum(%d)", f.a)
	case KindBytesChecksum:
		return fmt.Sprintf("checksum(%d)", f.a)
	case KindChecksumWithPathSalt:
		return fmt.Sprintf("checksum_with_path_salt(%d, %d)", f.a, f.b)
	case KindFullContentChecksum:
		return fmt.Sprintf("full_content_checksum(%d)", f.a)
	case KindModificationTime:
		return fmt.Sprintf("modification_time(%d, %d)", f.a, f.b)
	default:
		return fmt.Sprintf("unknown(%d)", f.a)
	}
}

// MarshalJSON writes the tagged wire representation, e.g.
// {"dev_inode": [1, 2]} or {"first_lines_checksum": 78910}.
func (f Fingerprint) MarshalJSON() ([]byte, error) {
	switch f.kind {
	case KindDevInode:
		return json.Marshal(map[string][2]uint64{"dev_inode": {f.a, f.b}})
	case KindFirstLinesChecksum:
		return json.Marshal(map[string]uint64{"first_lines_checksum": f.a})
	case KindBytesChecksum:
		return json.Marshal(map[string]uint64{"checksum": f.a})
	case KindChecksumWithPathSalt:
		return json.Marshal(map[string][2]uint64{"checksum_with_path_salt": {f.a, f.b}})
	case KindFullContentChecksum:
		return json.Marshal(map[string]uint64{"full_content_checksum": f.a})
	case KindModificationTime:
		return json.Marshal(map[string][2]uint64{"modification_time": {f.a, f.b}})
	case KindUnknown:
		return json.Marshal(map[string]uint64{"unknown": f.a})
	default:
		return nil, fmt.Errorf("invalid fingerprint kind %d", f.kind)
	}
}

// UnmarshalJSON reads the tagged wire representation. The legacy tag
// "first_line_checksum" is accepted as an alias of "first_lines_checksum".
func (f *Fingerprint) UnmarshalJSON(data []byte) error {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}
	if len(tagged) != 1 {
		return fmt.Errorf("fingerprint must have exactly one tag, got %d", len(tagged))
	}

	var decodeOne = func(raw json.RawMessage) (uint64, error) {
		var v uint64
		return v, json.Unmarshal(raw, &v)
	}
	var decodeTwo = func(raw json.RawMessage) (uint64, uint64, error) {
		var v [2]uint64
		var err = json.Unmarshal(raw, &v)
		return v[0], v[1], err
	}

	for tag, raw := range tagged {
		switch tag {
		case "dev_inode":
			var a, b, err = decodeTwo(raw)
			*f = DevInode(a, b)
			return err
		case "first_lines_checksum", "first_line_checksum":
			var a, err = decodeOne(raw)
			*f = FirstLinesChecksum(a)
			return err
		case "checksum":
			var a, err = decodeOne(raw)
			*f = BytesChecksum(a)
			return err
		case "checksum_with_path_salt":
			var a, b, err = decodeTwo(raw)
			*f = ChecksumWithPathSalt(a, b)
			return err
		case "full_content_checksum":
			var a, err = decodeOne(raw)
			*f = FullContentChecksum(a)
			return err
		case "modification_time":
			var a, b, err = decodeTwo(raw)
			*f = ModificationTime(a, b)
			return err
		case "unknown":
			var a, err = decodeOne(raw)
			*f = Unknown(a)
			return err
		default:
			return fmt.Errorf("unknown fingerprint tag %q", tag)
		}
	}
	return nil
}
