package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/goccy/go-json"
	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"
)

func TestCheckpointerBasics(t *testing.T) {
	var fingerprints = []Fingerprint{
		DevInode(1, 2),
		FirstLinesChecksum(78910),
	}
	for _, fng := range fingerprints {
		var chkptr = NewCheckpointer(t.TempDir())
		chkptr.View().Update(fng, 1234)

		var pos, ok = chkptr.View().Get(fng)
		require.True(t, ok)
		require.Equal(t, Position(1234), pos)
	}
}

func TestCheckpointerRestart(t *testing.T) {
	var fingerprints = []Fingerprint{
		DevInode(1, 2),
		FirstLinesChecksum(78910),
	}
	for _, fng := range fingerprints {
		var dataDir = t.TempDir()
		{
			var chkptr = NewCheckpointer(dataDir)
			chkptr.View().Update(fng, 1234)
			var n, err = chkptr.WriteCheckpoints()
			require.NoError(t, err)
			require.Equal(t, 1, n)
		}
		{
			var chkptr = NewCheckpointer(dataDir)
			var _, ok = chkptr.View().Get(fng)
			require.False(t, ok)

			chkptr.ReadCheckpoints(time.Time{})
			pos, ok := chkptr.View().Get(fng)
			require.True(t, ok)
			require.Equal(t, Position(1234), pos)
		}
	}
}

func TestCheckpointerIgnoreBefore(t *testing.T) {
	var now = time.Now().UTC()
	var newer = Checkpoint{Fingerprint: DevInode(1, 2), Position: 1234, Modified: now.Add(-5 * time.Second)}
	var oldish = Checkpoint{Fingerprint: FirstLinesChecksum(78910), Position: 1234, Modified: now.Add(-15 * time.Second)}
	var older = Checkpoint{Fingerprint: DevInode(3, 4), Position: 1234, Modified: now.Add(-20 * time.Second)}

	var dataDir = t.TempDir()
	{
		var chkptr = NewCheckpointer(dataDir)
		for _, c := range []Checkpoint{newer, oldish, older} {
			chkptr.View().load(c)
		}
		var _, err = chkptr.WriteCheckpoints()
		require.NoError(t, err)
	}
	{
		var chkptr = NewCheckpointer(dataDir)
		chkptr.ReadCheckpoints(now.Add(-12 * time.Second))

		var pos, ok = chkptr.View().Get(newer.Fingerprint)
		require.True(t, ok)
		require.Equal(t, Position(1234), pos)

		_, ok = chkptr.View().Get(oldish.Fingerprint)
		require.False(t, ok)
		_, ok = chkptr.View().Get(older.Fingerprint)
		require.False(t, ok)
	}
}

func TestCheckpointerExpiration(t *testing.T) {
	var cases = []struct {
		fng     Fingerprint
		pos     Position
		removed time.Duration
	}{
		{FirstLinesChecksum(123), 0, 30 * time.Second},
		{FirstLinesChecksum(456), 1, 60 * time.Second},
		{FirstLinesChecksum(789), 2, 90 * time.Second},
		{FirstLinesChecksum(101112), 3, 120 * time.Second},
	}

	var chkptr = NewCheckpointer(t.TempDir())
	var view = chkptr.View()

	for _, tc := range cases {
		view.Update(tc.fng, tc.pos)

		// Slide the removal stamps in manually rather than sleeping.
		view.mu.Lock()
		view.removed[tc.fng] = time.Now().UTC().Add(-tc.removed)
		view.mu.Unlock()
	}

	// Updating an otherwise-expired entry revives it.
	view.Update(cases[2].fng, 42)

	// Expiration piggybacks on persistence.
	var _, err = chkptr.WriteCheckpoints()
	require.NoError(t, err)

	var pos, ok = view.Get(cases[0].fng)
	require.True(t, ok)
	require.Equal(t, Position(0), pos)

	_, ok = view.Get(cases[1].fng)
	require.False(t, ok)

	pos, ok = view.Get(cases[2].fng)
	require.True(t, ok)
	require.Equal(t, Position(42), pos)

	_, ok = view.Get(cases[3].fng)
	require.False(t, ok)
}

func TestCheckpointerUpdateKey(t *testing.T) {
	var view = NewView()
	var old = DevInode(1, 2)
	var upgraded = FirstLinesChecksum(987)

	view.Update(old, 4096)
	view.SetDead(old)
	view.UpdateKey(old, upgraded)

	var _, ok = view.Get(old)
	require.False(t, ok)

	pos, ok := view.Get(upgraded)
	require.True(t, ok)
	require.Equal(t, Position(4096), pos)

	// The removal stamp migrated too.
	view.mu.Lock()
	var _, hasRemoved = view.removed[upgraded]
	view.mu.Unlock()
	require.True(t, hasRemoved)
}

func TestCheckpointerRecoversTempFile(t *testing.T) {
	var dataDir = t.TempDir()

	// Simulate an interrupted write: a temp file exists with newer
	// state, and no stable file.
	var s = state{Version: "1", Checkpoints: []Checkpoint{
		{Fingerprint: FirstLinesChecksum(555), Position: 777, Modified: time.Now().UTC()},
	}}
	var data, err = json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, tmpFileName), data, 0o644))

	var chkptr = NewCheckpointer(dataDir)
	chkptr.ReadCheckpoints(time.Time{})

	var pos, ok = chkptr.View().Get(FirstLinesChecksum(555))
	require.True(t, ok)
	require.Equal(t, Position(777), pos)

	// The recovered temp file was renamed into the stable position.
	_, err = os.Stat(filepath.Join(dataDir, tmpFileName))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dataDir, StableFileName))
	require.NoError(t, err)
}

func TestCheckpointerSkipsUnchangedWrites(t *testing.T) {
	var dataDir = t.TempDir()
	var chkptr = NewCheckpointer(dataDir)
	chkptr.View().Update(DevInode(1, 2), 10)

	var _, err = chkptr.WriteCheckpoints()
	require.NoError(t, err)

	var stable = filepath.Join(dataDir, StableFileName)
	require.NoError(t, os.Remove(stable))

	// Unchanged state writes nothing.
	_, err = chkptr.WriteCheckpoints()
	require.NoError(t, err)
	_, err = os.Stat(stable)
	require.True(t, os.IsNotExist(err))

	// A state change writes again.
	chkptr.View().Update(DevInode(1, 2), 20)
	_, err = chkptr.WriteCheckpoints()
	require.NoError(t, err)
	_, err = os.Stat(stable)
	require.NoError(t, err)
}

// Guards against accidental changes to the checkpoint serialization.
func TestCheckpointSerialization(t *testing.T) {
	var cases = []struct {
		fng      Fingerprint
		expected string
	}{
		{DevInode(1, 2),
			`{"version":"1","checkpoints":[{"fingerprint":{"dev_inode":[1,2]},"position":1234}]}`},
		{FirstLinesChecksum(78910),
			`{"version":"1","checkpoints":[{"fingerprint":{"first_lines_checksum":78910},"position":1234}]}`},
		{ChecksumWithPathSalt(11, 22),
			`{"version":"1","checkpoints":[{"fingerprint":{"checksum_with_path_salt":[11,22]},"position":1234}]}`},
		{ModificationTime(33, 44),
			`{"version":"1","checkpoints":[{"fingerprint":{"modification_time":[33,44]},"position":1234}]}`},
	}

	for _, tc := range cases {
		var dataDir = t.TempDir()
		var chkptr = NewCheckpointer(dataDir)
		chkptr.View().Update(tc.fng, 1234)

		var _, err = chkptr.WriteCheckpoints()
		require.NoError(t, err)

		got, err := os.ReadFile(filepath.Join(dataDir, StableFileName))
		require.NoError(t, err)

		// Strip the volatile modified stamps, then compare structurally.
		var doc state
		require.NoError(t, json.Unmarshal(got, &doc))
		for i := range doc.Checkpoints {
			doc.Checkpoints[i].Modified = time.Time{}
		}
		var stripped struct {
			Version     string `json:"version"`
			Checkpoints []struct {
				Fingerprint Fingerprint `json:"fingerprint"`
				Position    Position    `json:"position"`
			} `json:"checkpoints"`
		}
		require.NoError(t, json.Unmarshal(got, &stripped))

		rebuilt, err := json.Marshal(stripped)
		require.NoError(t, err)

		var opts = jsondiff.DefaultConsoleOptions()
		diff, report := jsondiff.Compare(rebuilt, []byte(tc.expected), &opts)
		require.Equal(t, jsondiff.FullMatch, diff, report)
	}
}

// Guards against accidental changes to the checkpoint deserialization,
// including the legacy first_line_checksum alias.
func TestCheckpointDeserialization(t *testing.T) {
	var serialized = `
{
  "version": "1",
  "checkpoints": [
    {
      "fingerprint": { "dev_inode": [ 1, 2 ] },
      "position": 1234,
      "modified": "2021-07-12T18:19:11.769003Z"
    },
    {
      "fingerprint": { "first_line_checksum": 1234 },
      "position": 1234,
      "modified": "2021-07-12T18:19:11.769003Z"
    },
    {
      "fingerprint": { "first_lines_checksum": 78910 },
      "position": 1234,
      "modified": "2021-07-12T18:19:11.769003Z"
    }
  ]
}
`
	var dataDir = t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dataDir, StableFileName), []byte(serialized), 0o644))

	var chkptr = NewCheckpointer(dataDir)
	chkptr.ReadCheckpoints(time.Time{})

	for _, fng := range []Fingerprint{
		DevInode(1, 2),
		FirstLinesChecksum(1234),
		FirstLinesChecksum(78910),
	} {
		var pos, ok = chkptr.View().Get(fng)
		require.True(t, ok, fng.String())
		require.Equal(t, Position(1234), pos)
	}
}

func TestCheckpointStateSnapshot(t *testing.T) {
	var modified = time.Date(2021, 7, 12, 18, 19, 11, 769003000, time.UTC)
	var view = NewView()
	view.load(Checkpoint{Fingerprint: DevInode(1, 2), Position: 1234, Modified: modified})
	view.load(Checkpoint{Fingerprint: FirstLinesChecksum(78910), Position: 4567, Modified: modified})

	var data, err = json.Marshal(view.getState())
	require.NoError(t, err)
	cupaloy.SnapshotT(t, string(data))
}

func TestCheckpointerRejectsUnknownVersion(t *testing.T) {
	var dataDir = t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dataDir, StableFileName),
		[]byte(`{"version":"99","checkpoints":[]}`), 0o644))

	var _, err = readStateFile(filepath.Join(dataDir, StableFileName))
	require.Error(t, err)
}
