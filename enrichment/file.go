package enrichment

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// FileTable is a CSV-backed enrichment table. The first row names the
// columns. Lookups scan unless an index over the queried fields exists.
type FileTable struct {
	headers []string
	rows    [][]string

	mu      sync.Mutex
	indexes []fileIndex
}

type fileIndex struct {
	fields        IndexFields
	columnOffsets []int
	rowsByKey     map[string][]int
}

// LoadFileTable reads the CSV file at |path|.
func LoadFileTable(path string) (*FileTable, error) {
	var f, err = os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening enrichment file: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading enrichment file %q: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("enrichment file %q has no header row", path)
	}
	return &FileTable{headers: records[0], rows: records[1:]}, nil
}

func (t *FileTable) columnOffset(field string) (int, error) {
	for i, h := range t.headers {
		if h == field {
			return i, nil
		}
	}
	return 0, fmt.Errorf("enrichment table has no column %q", field)
}

// AddIndex builds an exact-match index over |fields|.
func (t *FileTable) AddIndex(caseSensitive bool, fields []string) (IndexHandle, error) {
	var sorted = append([]string(nil), fields...)
	sort.Strings(sorted)

	var offsets []int
	for _, field := range sorted {
		var off, err = t.columnOffset(field)
		if err != nil {
			return 0, err
		}
		offsets = append(offsets, off)
	}

	var index = fileIndex{
		fields:        IndexFields{CaseSensitive: caseSensitive, Fields: sorted},
		columnOffsets: offsets,
		rowsByKey:     make(map[string][]int),
	}
	for n, row := range t.rows {
		var key = indexKey(row, offsets, caseSensitive)
		index.rowsByKey[key] = append(index.rowsByKey[key], n)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.indexes = append(t.indexes, index)
	return IndexHandle(len(t.indexes) - 1), nil
}

// IndexFields enumerates applied indexes.
func (t *FileTable) IndexFields() []IndexFields {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out = make([]IndexFields, len(t.indexes))
	for i, index := range t.indexes {
		out[i] = index.fields
	}
	return out
}

func indexKey(row []string, offsets []int, caseSensitive bool) string {
	var parts = make([]string, len(offsets))
	for i, off := range offsets {
		var v = ""
		if off < len(row) {
			v = row[off]
		}
		if !caseSensitive {
			v = strings.ToLower(v)
		}
		parts[i] = v
	}
	return strings.Join(parts, "\x00")
}

// FindRow returns the single row satisfying every condition, keyed by
// column name. An index over exactly the conditioned fields is used
// when present.
func (t *FileTable) FindRow(conditions []Condition) (map[string]string, error) {
	var candidates []int
	var caseSensitive = true
	if index := t.matchingIndex(conditions); index != nil {
		caseSensitive = index.fields.CaseSensitive
		var offsets = index.columnOffsets
		var values = make([]string, len(conditions))
		var sorted = append([]Condition(nil), conditions...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Field < sorted[j].Field })
		for i, c := range sorted {
			values[i] = c.Value
		}
		var row = make([]string, len(t.headers))
		for i, off := range offsets {
			row[off] = values[i]
		}
		candidates = index.rowsByKey[indexKey(row, offsets, index.fields.CaseSensitive)]
	} else {
		for n := range t.rows {
			candidates = append(candidates, n)
		}
	}

	var found = -1
	for _, n := range candidates {
		if t.rowMatches(t.rows[n], conditions, caseSensitive) {
			if found >= 0 {
				return nil, ErrMultipleRows
			}
			found = n
		}
	}
	if found < 0 {
		return nil, ErrRowNotFound
	}

	var out = make(map[string]string, len(t.headers))
	for i, h := range t.headers {
		if i < len(t.rows[found]) {
			out[h] = t.rows[found][i]
		}
	}
	return out, nil
}

func (t *FileTable) matchingIndex(conditions []Condition) *fileIndex {
	var fields = make([]string, len(conditions))
	for i, c := range conditions {
		fields[i] = c.Field
	}
	sort.Strings(fields)

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.indexes {
		if equalStrings(t.indexes[i].fields.Fields, fields) {
			return &t.indexes[i]
		}
	}
	return nil
}

func (t *FileTable) rowMatches(row []string, conditions []Condition, caseSensitive bool) bool {
	for _, c := range conditions {
		var off, err = t.columnOffset(c.Field)
		if err != nil || off >= len(row) {
			return false
		}
		if caseSensitive && row[off] != c.Value || !caseSensitive && !strings.EqualFold(row[off], c.Value) {
			return false
		}
	}
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
