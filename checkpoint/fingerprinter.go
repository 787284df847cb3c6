package checkpoint

import (
	"crypto/sha256"
	"fmt"
	"hash/crc64"
	"io"
	"os"
	"syscall"

	"github.com/minio/highwayhash"
	log "github.com/sirupsen/logrus"
)

var fingerprintCRC = crc64.MakeTable(crc64.ECMA)

// pathHashKey keys the highwayhash used for path hashes. It is fixed so
// that path hashes are stable across restarts.
var pathHashKey = [32]byte{
	0x74, 0x72, 0x69, 0x62, 0x75, 0x74, 0x61, 0x72,
	0x79, 0x2d, 0x66, 0x69, 0x6e, 0x67, 0x65, 0x72,
	0x70, 0x72, 0x69, 0x6e, 0x74, 0x2d, 0x70, 0x61,
	0x74, 0x68, 0x2d, 0x68, 0x61, 0x73, 0x68, 0x00,
}

func hashPath(path string) uint64 {
	return highwayhash.Sum64([]byte(path), pathHashKey[:])
}

// StrategyKind selects how files are identified.
type StrategyKind string

const (
	// StrategyDevInode identifies files by (device, inode). Fast, but
	// unstable across filesystems.
	StrategyDevInode StrategyKind = "device_and_inode"
	// StrategyFirstLinesChecksum checksums the first N lines after
	// skipping a fixed header. Robust across rotations.
	StrategyFirstLinesChecksum StrategyKind = "first_lines_checksum"
	// StrategyChecksum checksums a fixed-length prefix.
	StrategyChecksum StrategyKind = "checksum"
	// StrategyChecksumWithPathSalt distinguishes identical-content
	// files by salting the checksum with a path hash.
	StrategyChecksumWithPathSalt StrategyKind = "checksum_with_path_salt"
	// StrategyFullContentChecksum checksums the entire file. Strong
	// but expensive.
	StrategyFullContentChecksum StrategyKind = "full_content_checksum"
	// StrategyModificationTime pairs a path hash with the mtime.
	// A cheap fallback.
	StrategyModificationTime StrategyKind = "modification_time"
)

// Strategy configures a fingerprinting strategy.
type Strategy struct {
	Kind StrategyKind `json:"kind"`
	// Bytes is the fixed prefix length of StrategyChecksum.
	Bytes int `json:"bytes,omitempty"`
	// IgnoredHeaderBytes are skipped before checksumming.
	IgnoredHeaderBytes int `json:"ignored_header_bytes,omitempty"`
	// Lines is the line count of the line-based strategies.
	Lines int `json:"lines,omitempty"`
}

// Fingerprinter computes file fingerprints under a configured strategy.
type Fingerprinter struct {
	Strategy      Strategy
	MaxLineLength int
	// IgnoreNotFound suppresses logging for files which vanished
	// between discovery and fingerprinting.
	IgnoreNotFound bool
}

// Fingerprint computes the fingerprint of the file at |path|. It reads
// at most MaxLineLength bytes for line-based strategies, and returns
// io.ErrUnexpectedEOF when the chosen identity requires more data than
// the file holds.
func (p *Fingerprinter) Fingerprint(path string) (Fingerprint, error) {
	switch p.Strategy.Kind {
	case StrategyDevInode:
		var info, err = os.Stat(path)
		if err != nil {
			return Fingerprint{}, err
		}
		stat, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			return Fingerprint{}, fmt.Errorf("platform does not expose device and inode for %q", path)
		}
		return DevInode(uint64(stat.Dev), uint64(stat.Ino)), nil

	case StrategyFullContentChecksum:
		var f, err = os.Open(path)
		if err != nil {
			return Fingerprint{}, err
		}
		defer f.Close()

		var hasher = sha256.New()
		if _, err = io.Copy(hasher, f); err != nil {
			return Fingerprint{}, err
		}
		return FullContentChecksum(crc64.Checksum(hasher.Sum(nil), fingerprintCRC)), nil

	case StrategyModificationTime:
		var info, err = os.Stat(path)
		if err != nil {
			return Fingerprint{}, err
		}
		return ModificationTime(hashPath(path), uint64(info.ModTime().Unix())), nil

	case StrategyChecksum:
		var sum, err = p.prefixChecksum(path)
		if err != nil {
			return Fingerprint{}, err
		}
		return BytesChecksum(sum), nil

	case StrategyFirstLinesChecksum:
		var sum, err = p.firstLinesChecksum(path)
		if err != nil {
			return Fingerprint{}, err
		}
		return FirstLinesChecksum(sum), nil

	case StrategyChecksumWithPathSalt:
		var sum, err = p.firstLinesChecksum(path)
		if err != nil {
			return Fingerprint{}, err
		}
		return ChecksumWithPathSalt(sum, hashPath(path)), nil

	default:
		return Fingerprint{}, fmt.Errorf("unknown fingerprint strategy %q", p.Strategy.Kind)
	}
}

// FingerprintOrLog fingerprints |path|, logging failures. A checksum
// which failed because the file is too small is logged once per path,
// tracked in |knownSmallFiles|. Directories yield no fingerprint and
// no error.
func (p *Fingerprinter) FingerprintOrLog(path string, knownSmallFiles map[string]struct{}) (Fingerprint, bool) {
	var info, err = os.Stat(path)
	if err == nil && info.IsDir() {
		return Fingerprint{}, false
	}

	var fng Fingerprint
	if err == nil {
		fng, err = p.Fingerprint(path)
	}
	if err == nil {
		delete(knownSmallFiles, path)
		return fng, true
	}

	switch {
	case err == io.ErrUnexpectedEOF:
		if _, seen := knownSmallFiles[path]; !seen {
			log.WithField("path", path).Warn("file is too small to fingerprint with its checksum strategy")
			knownSmallFiles[path] = struct{}{}
		}
	case os.IsNotExist(err):
		if !p.IgnoreNotFound {
			log.WithFields(log.Fields{"path": path, "err": err}).Error("failed to read file for fingerprinting")
		}
	default:
		log.WithFields(log.Fields{"path": path, "err": err}).Error("failed to read file for fingerprinting")
	}
	return Fingerprint{}, false
}

func (p *Fingerprinter) prefixChecksum(path string) (uint64, error) {
	var f, err = os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if _, err = f.Seek(int64(p.Strategy.IgnoredHeaderBytes), io.SeekStart); err != nil {
		return 0, err
	}

	var buf = make([]byte, p.Strategy.Bytes)
	if _, err = io.ReadFull(f, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	return crc64.Checksum(buf, fingerprintCRC), nil
}

func (p *Fingerprinter) firstLinesChecksum(path string) (uint64, error) {
	var f, err = os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if _, err = f.Seek(int64(p.Strategy.IgnoredHeaderBytes), io.SeekStart); err != nil {
		return 0, err
	}

	var lines = p.Strategy.Lines
	if lines <= 0 {
		lines = 1
	}
	var buf = make([]byte, p.MaxLineLength)
	var n, rerr = readUntilLines(f, '\n', lines, buf)
	if rerr != nil {
		return 0, rerr
	}
	return crc64.Checksum(buf[:n], fingerprintCRC), nil
}

// readUntilLines fills |buf| from |r| until |count| delimiters have
// been read or the buffer is exhausted, returning the number of
// meaningful bytes. Reaching EOF before either bound is an
// io.ErrUnexpectedEOF: the identity needs more data than exists.
func readUntilLines(r io.Reader, delim byte, count int, buf []byte) (int, error) {
	var total int
	for total < len(buf) {
		var n, err = r.Read(buf[total:])
		if n == 0 {
			if err == nil || err == io.EOF {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}

		for i, c := range buf[total : total+n] {
			if c != delim {
				continue
			}
			if count <= 1 {
				return total + i + 1, nil
			}
			count--
		}
		total += n
	}
	return total, nil
}
