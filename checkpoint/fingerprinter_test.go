package checkpoint

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	var path = filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestFirstLineChecksumFingerprint(t *testing.T) {
	var dir = t.TempDir()
	var fingerprinter = &Fingerprinter{
		Strategy:      Strategy{Kind: StrategyFirstLinesChecksum, Lines: 1},
		MaxLineLength: 64,
	}

	var empty = writeTestFile(t, dir, "empty.log", "")
	var incomplete = writeTestFile(t, dir, "incomplete_line.log", "missing newline char")
	var oneLine = writeTestFile(t, dir, "one_line.log", "hello world\n")
	var oneLineDuplicate = writeTestFile(t, dir, "one_line_duplicate.log", "hello world\n")
	var oneLineContinued = writeTestFile(t, dir, "one_line_continued.log", "hello world\nnext line\n")
	var differentTwoLines = writeTestFile(t, dir, "different_two_lines.log", "line one\nline two\n")

	var long = strings.Repeat("hello world ", 10)
	var exactlyMax = writeTestFile(t, dir, "exactly_max.log", long[:64])
	var exceedingMax = writeTestFile(t, dir, "exceeding_max.log", long[:65])
	var underMaxByOne = writeTestFile(t, dir, "under_max_by_one.log", long[:63])

	var run = func(path string) (Fingerprint, error) { return fingerprinter.Fingerprint(path) }

	var _, err = run(empty)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	_, err = run(incomplete)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	_, err = run(underMaxByOne)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	one, err := run(oneLine)
	require.NoError(t, err)
	require.Equal(t, KindFirstLinesChecksum, one.Kind())

	dup, err := run(oneLineDuplicate)
	require.NoError(t, err)
	require.Equal(t, one, dup)

	continued, err := run(oneLineContinued)
	require.NoError(t, err)
	require.Equal(t, one, continued)

	different, err := run(differentTwoLines)
	require.NoError(t, err)
	require.NotEqual(t, one, different)

	// A line at exactly the max length fingerprints, and any overage
	// past the max is invisible.
	exact, err := run(exactlyMax)
	require.NoError(t, err)
	exceeding, err := run(exceedingMax)
	require.NoError(t, err)
	require.Equal(t, exact, exceeding)
}

func TestFirstTwoLinesChecksumFingerprint(t *testing.T) {
	var dir = t.TempDir()
	var fingerprinter = &Fingerprinter{
		Strategy:      Strategy{Kind: StrategyFirstLinesChecksum, Lines: 2},
		MaxLineLength: 64,
	}

	var incomplete = writeTestFile(t, dir, "incomplete.log", "missing newline char\non second line")
	var twoLines = writeTestFile(t, dir, "two_lines.log", "hello world\nfrom the router\n")
	var twoLinesDuplicate = writeTestFile(t, dir, "two_lines_duplicate.log", "hello world\nfrom the router\n")
	var twoLinesContinued = writeTestFile(t, dir, "two_lines_continued.log", "hello world\nfrom the router\nnext\n")
	var differentLines = writeTestFile(t, dir, "different.log", "line one\nline two\nline three\n")

	var _, err = fingerprinter.Fingerprint(incomplete)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	two, err := fingerprinter.Fingerprint(twoLines)
	require.NoError(t, err)
	dup, err := fingerprinter.Fingerprint(twoLinesDuplicate)
	require.NoError(t, err)
	require.Equal(t, two, dup)

	continued, err := fingerprinter.Fingerprint(twoLinesContinued)
	require.NoError(t, err)
	require.Equal(t, two, continued)

	different, err := fingerprinter.Fingerprint(differentLines)
	require.NoError(t, err)
	require.NotEqual(t, two, different)
}

func TestChecksumFingerprint(t *testing.T) {
	var dir = t.TempDir()
	var fingerprinter = &Fingerprinter{
		Strategy:      Strategy{Kind: StrategyChecksum, Bytes: 256},
		MaxLineLength: 1024,
	}

	var full = strings.Repeat("x", 256) + "\n"
	var empty = writeTestFile(t, dir, "empty.log", "")
	var fullLine = writeTestFile(t, dir, "full_line.log", full)
	var duplicate = writeTestFile(t, dir, "duplicate.log", full)
	var notFull = writeTestFile(t, dir, "not_full.log", strings.Repeat("x", 199))

	var _, err = fingerprinter.Fingerprint(empty)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	_, err = fingerprinter.Fingerprint(notFull)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	a, err := fingerprinter.Fingerprint(fullLine)
	require.NoError(t, err)
	require.Equal(t, KindBytesChecksum, a.Kind())

	b, err := fingerprinter.Fingerprint(duplicate)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestDevInodeFingerprint(t *testing.T) {
	var dir = t.TempDir()
	var fingerprinter = &Fingerprinter{
		Strategy:      Strategy{Kind: StrategyDevInode},
		MaxLineLength: 42,
	}

	var empty = writeTestFile(t, dir, "empty.log", "")
	var medium = writeTestFile(t, dir, "medium.log", strings.Repeat("x", 256))
	var duplicate = writeTestFile(t, dir, "duplicate.log", strings.Repeat("x", 256))

	// Empty files still have an identity under dev/inode.
	var _, err = fingerprinter.Fingerprint(empty)
	require.NoError(t, err)

	a, err := fingerprinter.Fingerprint(medium)
	require.NoError(t, err)
	b, err := fingerprinter.Fingerprint(duplicate)
	require.NoError(t, err)

	// Identical contents, distinct inodes.
	require.NotEqual(t, a, b)
}

func TestPathSaltDistinguishesIdenticalContent(t *testing.T) {
	var dir = t.TempDir()
	var fingerprinter = &Fingerprinter{
		Strategy:      Strategy{Kind: StrategyChecksumWithPathSalt, Lines: 1},
		MaxLineLength: 64,
	}

	var a = writeTestFile(t, dir, "a.log", "same content\n")
	var b = writeTestFile(t, dir, "b.log", "same content\n")

	fa, err := fingerprinter.Fingerprint(a)
	require.NoError(t, err)
	fb, err := fingerprinter.Fingerprint(b)
	require.NoError(t, err)
	require.NotEqual(t, fa, fb)

	// Deterministic across runs for a fixed path and content.
	fa2, err := fingerprinter.Fingerprint(a)
	require.NoError(t, err)
	require.Equal(t, fa, fa2)
}

func TestFullContentChecksumFingerprint(t *testing.T) {
	var dir = t.TempDir()
	var fingerprinter = &Fingerprinter{
		Strategy: Strategy{Kind: StrategyFullContentChecksum},
	}

	var a = writeTestFile(t, dir, "a.log", "complete file contents\n")
	var b = writeTestFile(t, dir, "b.log", "complete file contents\n")
	var c = writeTestFile(t, dir, "c.log", "different file contents\n")

	fa, err := fingerprinter.Fingerprint(a)
	require.NoError(t, err)
	fb, err := fingerprinter.Fingerprint(b)
	require.NoError(t, err)
	fc, err := fingerprinter.Fingerprint(c)
	require.NoError(t, err)

	require.Equal(t, fa, fb)
	require.NotEqual(t, fa, fc)
}

func TestIgnoredHeaderBytes(t *testing.T) {
	var dir = t.TempDir()
	var fingerprinter = &Fingerprinter{
		Strategy:      Strategy{Kind: StrategyFirstLinesChecksum, IgnoredHeaderBytes: 7, Lines: 1},
		MaxLineLength: 64,
	}

	var a = writeTestFile(t, dir, "a.log", "HEADER1shared line\n")
	var b = writeTestFile(t, dir, "b.log", "HEADER2shared line\n")

	fa, err := fingerprinter.Fingerprint(a)
	require.NoError(t, err)
	fb, err := fingerprinter.Fingerprint(b)
	require.NoError(t, err)
	require.Equal(t, fa, fb)
}

func TestFingerprintOrLogSkipsDirectoriesAndSmallFiles(t *testing.T) {
	var dir = t.TempDir()
	var fingerprinter = &Fingerprinter{
		Strategy:      Strategy{Kind: StrategyFirstLinesChecksum, Lines: 1},
		MaxLineLength: 64,
	}

	var knownSmallFiles = map[string]struct{}{}
	var _, ok = fingerprinter.FingerprintOrLog(dir, knownSmallFiles)
	require.False(t, ok)
	require.Empty(t, knownSmallFiles)

	var small = writeTestFile(t, dir, "small.log", "no newline")
	_, ok = fingerprinter.FingerprintOrLog(small, knownSmallFiles)
	require.False(t, ok)
	require.Contains(t, knownSmallFiles, small)

	// Once the file grows a full line, it fingerprints and the
	// small-file marker clears.
	writeTestFile(t, dir, "small.log", "no newline, but now complete\n")
	_, ok = fingerprinter.FingerprintOrLog(small, knownSmallFiles)
	require.True(t, ok)
	require.NotContains(t, knownSmallFiles, small)
}
