package enrichment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, contents string) string {
	t.Helper()
	var path = filepath.Join(t.TempDir(), "table.csv")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestFileTableFindRow(t *testing.T) {
	var table, err = LoadFileTable(writeCSV(t,
		"code,region,name\n1,eu,frankfurt\n2,us,oregon\n3,eu,dublin\n"))
	require.NoError(t, err)

	row, err := table.FindRow([]Condition{{Field: "code", Value: "2"}})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"code": "2", "region": "us", "name": "oregon"}, row)

	_, err = table.FindRow([]Condition{{Field: "code", Value: "9"}})
	require.ErrorIs(t, err, ErrRowNotFound)

	_, err = table.FindRow([]Condition{{Field: "region", Value: "eu"}})
	require.ErrorIs(t, err, ErrMultipleRows)

	row, err = table.FindRow([]Condition{
		{Field: "region", Value: "eu"},
		{Field: "name", Value: "dublin"},
	})
	require.NoError(t, err)
	require.Equal(t, "3", row["code"])
}

func TestFileTableIndexedLookup(t *testing.T) {
	var table, err = LoadFileTable(writeCSV(t,
		"code,region\n1,EU\n2,us\n"))
	require.NoError(t, err)

	var _, ierr = table.AddIndex(false, []string{"region"})
	require.NoError(t, ierr)

	// Case-insensitive index matches regardless of case.
	row, err := table.FindRow([]Condition{{Field: "region", Value: "eu"}})
	require.NoError(t, err)
	require.Equal(t, "1", row["code"])

	require.Equal(t, []IndexFields{{CaseSensitive: false, Fields: []string{"region"}}},
		table.IndexFields())

	_, err = table.AddIndex(true, []string{"missing"})
	require.Error(t, err)
}

func TestRegistryPublishesAtomically(t *testing.T) {
	var registry = NewRegistry()
	var table, err = LoadFileTable(writeCSV(t, "k,v\na,1\n"))
	require.NoError(t, err)

	require.True(t, registry.NeedsReload("geo"))
	registry.Stage(map[string]Table{"geo": table})
	require.False(t, registry.NeedsReload("geo"))

	// Staged tables are invisible until published.
	var _, ok = registry.Get("geo")
	require.False(t, ok)

	registry.FinishLoad()
	got, ok := registry.Get("geo")
	require.True(t, ok)
	require.Equal(t, Table(table), got)

	// A later load cycle keeps published tables it does not replace.
	registry.Stage(map[string]Table{"other": table})
	registry.FinishLoad()
	_, ok = registry.Get("geo")
	require.True(t, ok)

	registry.Drop("geo")
	_, ok = registry.Get("geo")
	require.False(t, ok)
}

func TestRegistryIndexFieldsSurviveForReload(t *testing.T) {
	var registry = NewRegistry()
	var table, err = LoadFileTable(writeCSV(t, "k,v\na,1\n"))
	require.NoError(t, err)
	var _, ierr = table.AddIndex(true, []string{"k"})
	require.NoError(t, ierr)

	registry.Stage(map[string]Table{"geo": table})
	registry.FinishLoad()

	var indexes = registry.IndexFieldsOf("geo")
	require.Equal(t, []IndexFields{{CaseSensitive: true, Fields: []string{"k"}}}, indexes)
}
