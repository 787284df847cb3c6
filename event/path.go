package event

import (
	"fmt"
	"strconv"
	"strings"
)

// SegmentKind discriminates path segment variants.
type SegmentKind uint8

const (
	// SegmentField addresses a named object field.
	SegmentField SegmentKind = iota
	// SegmentIndex addresses an array element.
	SegmentIndex
	// SegmentCoalesce tries a group of field names in order,
	// resolving to the first which exists.
	SegmentCoalesce
)

// Segment is one step of a Path.
type Segment struct {
	Kind   SegmentKind
	Field  string
	Index  int
	Fields []string
}

// Path is a parsed field lookup: dotted segments with optional array
// indices and coalesce groups, e.g. `a.b[2].(first|second)`.
// A leading `%` marks a metadata path, resolved against event metadata
// rather than event fields.
type Path struct {
	Meta     bool
	Segments []Segment
	raw      string
}

// String returns the path as originally parsed.
func (p Path) String() string { return p.raw }

// IsRoot reports whether the path has no segments.
func (p Path) IsRoot() bool { return len(p.Segments) == 0 }

// ParsePath parses |s| into a Path.
func ParsePath(s string) (Path, error) {
	var p = Path{raw: s}

	var rest = s
	if strings.HasPrefix(rest, "%") {
		p.Meta = true
		rest = rest[1:]
	}
	if rest == "" {
		return Path{}, fmt.Errorf("%q is not a valid path", s)
	}

	for _, part := range strings.Split(rest, ".") {
		if part == "" {
			return Path{}, fmt.Errorf("path %q has an empty segment", s)
		}

		// Split trailing [n] index suffixes from the field portion.
		var field = part
		var indices []int
		for strings.HasSuffix(field, "]") {
			var open = strings.LastIndexByte(field, '[')
			if open < 0 {
				return Path{}, fmt.Errorf("path %q has an unmatched ']'", s)
			}
			var n, err = strconv.Atoi(field[open+1 : len(field)-1])
			if err != nil || n < 0 {
				return Path{}, fmt.Errorf("path %q has an invalid index %q", s, field[open+1:len(field)-1])
			}
			indices = append([]int{n}, indices...)
			field = field[:open]
		}

		if field != "" {
			if strings.HasPrefix(field, "(") && strings.HasSuffix(field, ")") {
				var opts = strings.Split(field[1:len(field)-1], "|")
				if len(opts) < 2 {
					return Path{}, fmt.Errorf("path %q has a coalesce group with fewer than two fields", s)
				}
				p.Segments = append(p.Segments, Segment{Kind: SegmentCoalesce, Fields: opts})
			} else {
				p.Segments = append(p.Segments, Segment{Kind: SegmentField, Field: field})
			}
		} else if len(indices) == 0 {
			return Path{}, fmt.Errorf("path %q has an empty segment", s)
		}

		for _, n := range indices {
			p.Segments = append(p.Segments, Segment{Kind: SegmentIndex, Index: n})
		}
	}
	return p, nil
}

// MustParsePath parses |s| and panics on error. For statically known paths.
func MustParsePath(s string) Path {
	var p, err = ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Get resolves the path within |root|, returning the value and whether
// it exists. Coalesce groups resolve to the first present field.
func (p Path) Get(root Value) (Value, bool) {
	var cur = root
	for _, seg := range p.Segments {
		switch seg.Kind {
		case SegmentField:
			obj, ok := cur.(Object)
			if !ok {
				return nil, false
			}
			cur, ok = obj[seg.Field]
			if !ok {
				return nil, false
			}
		case SegmentIndex:
			arr, ok := cur.([]Value)
			if !ok || seg.Index >= len(arr) {
				return nil, false
			}
			cur = arr[seg.Index]
		case SegmentCoalesce:
			obj, ok := cur.(Object)
			if !ok {
				return nil, false
			}
			var found bool
			for _, f := range seg.Fields {
				if v, ok := obj[f]; ok {
					cur, found = v, true
					break
				}
			}
			if !found {
				return nil, false
			}
		}
	}
	return cur, true
}

// Insert sets the path within |root| to |v|, creating intermediate
// objects and extending arrays with nulls as required. Coalesce groups
// insert at their first field already present, or at their first field
// when none is. It returns the updated root.
func (p Path) Insert(root Object, v Value) Object {
	if root == nil {
		root = Object{}
	}
	insertSegments(root, p.Segments, Normalize(v))
	return root
}

func insertSegments(obj Object, segs []Segment, v Value) {
	var seg = segs[0]
	var field string

	switch seg.Kind {
	case SegmentField:
		field = seg.Field
	case SegmentCoalesce:
		field = seg.Fields[0]
		for _, f := range seg.Fields {
			if _, ok := obj[f]; ok {
				field = f
				break
			}
		}
	case SegmentIndex:
		panic("array index cannot be the first segment of an insert into an object")
	}

	if len(segs) == 1 {
		obj[field] = v
		return
	}

	var rest = segs[1:]
	if rest[0].Kind == SegmentIndex {
		arr, _ := obj[field].([]Value)
		obj[field] = insertIndex(arr, rest, v)
		return
	}

	child, ok := obj[field].(Object)
	if !ok {
		child = Object{}
		obj[field] = child
	}
	insertSegments(child, rest, v)
}

func insertIndex(arr []Value, segs []Segment, v Value) []Value {
	var n = segs[0].Index
	for len(arr) <= n {
		arr = append(arr, nil)
	}
	if len(segs) == 1 {
		arr[n] = v
		return arr
	}

	var rest = segs[1:]
	if rest[0].Kind == SegmentIndex {
		child, _ := arr[n].([]Value)
		arr[n] = insertIndex(child, rest, v)
		return arr
	}

	child, ok := arr[n].(Object)
	if !ok {
		child = Object{}
		arr[n] = child
	}
	insertSegments(child, rest, v)
	return arr
}

// Remove deletes the path from |root|, returning the removed value
// and whether it was present. Arrays are not compacted.
func (p Path) Remove(root Object) (Value, bool) {
	if len(p.Segments) == 0 {
		return nil, false
	}
	var parentPath = Path{Segments: p.Segments[:len(p.Segments)-1]}
	var last = p.Segments[len(p.Segments)-1]

	var parent Value = root
	if len(parentPath.Segments) != 0 {
		var ok bool
		parent, ok = parentPath.Get(root)
		if !ok {
			return nil, false
		}
	}

	switch last.Kind {
	case SegmentField:
		obj, ok := parent.(Object)
		if !ok {
			return nil, false
		}
		v, ok := obj[last.Field]
		if !ok {
			return nil, false
		}
		delete(obj, last.Field)
		return v, true
	case SegmentCoalesce:
		obj, ok := parent.(Object)
		if !ok {
			return nil, false
		}
		for _, f := range last.Fields {
			if v, ok := obj[f]; ok {
				delete(obj, f)
				return v, true
			}
		}
		return nil, false
	case SegmentIndex:
		arr, ok := parent.([]Value)
		if !ok || last.Index >= len(arr) {
			return nil, false
		}
		var v = arr[last.Index]
		arr[last.Index] = nil
		return v, true
	}
	return nil, false
}
