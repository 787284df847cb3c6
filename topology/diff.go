package topology

import (
	"reflect"
	"sort"
)

// Difference partitions one class of components between two configs.
type Difference struct {
	ToAdd    map[ComponentKey]bool
	ToChange map[ComponentKey]bool
	ToRemove map[ComponentKey]bool
	// Unchanged components keep running across a reload.
	Unchanged map[ComponentKey]bool
}

func newDifference() Difference {
	return Difference{
		ToAdd:     map[ComponentKey]bool{},
		ToChange:  map[ComponentKey]bool{},
		ToRemove:  map[ComponentKey]bool{},
		Unchanged: map[ComponentKey]bool{},
	}
}

// ContainsNew reports whether |key| must be built: it is added or changed.
func (d Difference) ContainsNew(key ComponentKey) bool {
	return d.ToAdd[key] || d.ToChange[key]
}

// NewKeys returns the added and changed keys in stable order.
func (d Difference) NewKeys() []ComponentKey {
	var keys []ComponentKey
	for key := range d.ToAdd {
		keys = append(keys, key)
	}
	for key := range d.ToChange {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// RemovedKeys returns the removed keys in stable order.
func (d Difference) RemovedKeys() []ComponentKey {
	var keys []ComponentKey
	for key := range d.ToRemove {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func diffKeys[T any](old, next map[ComponentKey]T) Difference {
	var d = newDifference()
	for key, oldVal := range old {
		var newVal, ok = next[key]
		switch {
		case !ok:
			d.ToRemove[key] = true
		case !reflect.DeepEqual(oldVal, newVal):
			d.ToChange[key] = true
		default:
			d.Unchanged[key] = true
		}
	}
	for key := range next {
		if _, ok := old[key]; !ok {
			d.ToAdd[key] = true
		}
	}
	return d
}

// ConfigDiff partitions all components of two configs. Building a
// topology from scratch diffs against the empty config, so that every
// component is an addition.
type ConfigDiff struct {
	Sources    Difference
	Transforms Difference
	Sinks      Difference
	Tables     Difference
}

// DiffConfigs computes the diff from |old| to |next|.
func DiffConfigs(old, next *Config) ConfigDiff {
	var tablesOld = map[ComponentKey]EnrichmentTableConfig{}
	for name, table := range old.EnrichmentTables {
		tablesOld[ComponentKey(name)] = table
	}
	var tablesNew = map[ComponentKey]EnrichmentTableConfig{}
	for name, table := range next.EnrichmentTables {
		tablesNew[ComponentKey(name)] = table
	}

	return ConfigDiff{
		Sources:    diffKeys(old.Sources, next.Sources),
		Transforms: diffKeys(old.Transforms, next.Transforms),
		Sinks:      diffKeys(old.Sinks, next.Sinks),
		Tables:     diffKeys(tablesOld, tablesNew),
	}
}
