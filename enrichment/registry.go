// Package enrichment provides the process-wide registry of lookup
// tables which transforms consult to annotate events in flight. Tables
// load into a staging area and publish atomically, so readers always
// observe a consistent snapshot, and they hot-reload across topology
// rebuilds without interrupting readers.
package enrichment

import (
	"fmt"
	"sync"
)

// Condition is one equality constraint of a row lookup.
type Condition struct {
	Field string
	Value string
}

// Table is a loaded enrichment table.
type Table interface {
	// FindRow returns the single row matching every condition.
	FindRow(conditions []Condition) (map[string]string, error)
	// AddIndex prepares an index over |fields| and returns its handle.
	AddIndex(caseSensitive bool, fields []string) (IndexHandle, error)
	// IndexFields enumerates the indexes applied to the table.
	IndexFields() []IndexFields
}

// IndexHandle identifies an applied index.
type IndexHandle int

// IndexFields records an index's configuration, so a reloaded table
// can have its indexes reapplied.
type IndexFields struct {
	CaseSensitive bool
	Fields        []string
}

// Registry is the shared table store. Writers stage a full set of
// tables and publish them in one step; readers take the current
// snapshot under a read lock.
type Registry struct {
	mu      sync.RWMutex
	loaded  map[string]Table
	staging map[string]Table
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{loaded: make(map[string]Table)}
}

// Get returns the published table |name|.
func (r *Registry) Get(name string) (Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var table, ok = r.loaded[name]
	return table, ok
}

// NeedsReload reports whether |name| must be built during this load
// cycle. Every existing table reloads so that its backing data
// refreshes; with staged state pending, only missing names build.
func (r *Registry) NeedsReload(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.staging == nil {
		return true
	}
	var _, staged = r.staging[name]
	return !staged
}

// IndexFieldsOf returns the indexes of the published table |name|, to
// be reapplied after a reload.
func (r *Registry) IndexFieldsOf(name string) []IndexFields {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if table, ok := r.loaded[name]; ok {
		return table.IndexFields()
	}
	return nil
}

// Stage records freshly built tables without publishing them.
func (r *Registry) Stage(tables map[string]Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.staging == nil {
		r.staging = make(map[string]Table)
	}
	for name, table := range tables {
		r.staging[name] = table
	}
}

// FinishLoad atomically publishes staged tables. Published tables
// without a staged replacement are retained.
func (r *Registry) FinishLoad() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, table := range r.staging {
		r.loaded[name] = table
	}
	r.staging = nil
}

// Drop removes a published table.
func (r *Registry) Drop(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loaded, name)
}

// ErrRowNotFound is returned when no row satisfies the conditions.
var ErrRowNotFound = fmt.Errorf("no row matched the given conditions")

// ErrMultipleRows is returned when the conditions are ambiguous.
var ErrMultipleRows = fmt.Errorf("more than one row matched the given conditions")
