package event

import (
	"fmt"
	"sort"
	"time"
)

// Value is one node of an event's field tree. Its dynamic type is one of:
// nil, bool, int64, float64, string, time.Time, []Value, or Object.
// Anything else is a programming error, surfaced by KindOf.
type Value = any

// Object is a mapping of field name to Value. Ranging over it visits
// keys in no defined order; SortedKeys returns them in ascending order.
type Object map[string]Value

// Kind discriminates the dynamic type of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInteger
	KindFloat
	KindBytes
	KindTimestamp
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindBytes:
		return "bytes"
	case KindTimestamp:
		return "timestamp"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "invalid"
	}
}

// KindOf returns the Kind of |v|.
// It panics if |v| is not a legal Value type.
func KindOf(v Value) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case int64:
		return KindInteger
	case float64:
		return KindFloat
	case string:
		return KindBytes
	case time.Time:
		return KindTimestamp
	case []Value:
		return KindArray
	case Object:
		return KindObject
	default:
		panic(fmt.Sprintf("invalid event value of type %T", v))
	}
}

// Normalize coerces common Go scalar types into their canonical Value
// representation, so callers can insert untyped literals.
func Normalize(v any) Value {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return float64(t)
	case []byte:
		return string(t)
	case map[string]Value:
		return Object(t)
	default:
		return v
	}
}

// SortedKeys returns the object's keys in ascending order.
func (o Object) SortedKeys() []string {
	var keys = make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DeepClone returns a structural copy of |v|, sharing no mutable state.
func DeepClone(v Value) Value {
	switch t := v.(type) {
	case []Value:
		var out = make([]Value, len(t))
		for i, e := range t {
			out[i] = DeepClone(e)
		}
		return out
	case Object:
		var out = make(Object, len(t))
		for k, e := range t {
			out[k] = DeepClone(e)
		}
		return out
	default:
		return v
	}
}

// ValueEqual compares two Values structurally, distinguishing type:
// the integer 123 is not equal to the string "123".
func ValueEqual(a, b Value) bool {
	if KindOf(a) != KindOf(b) {
		return false
	}
	switch at := a.(type) {
	case nil:
		return true
	case []Value:
		var bt = b.([]Value)
		if len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !ValueEqual(at[i], bt[i]) {
				return false
			}
		}
		return true
	case Object:
		var bt = b.(Object)
		if len(at) != len(bt) {
			return false
		}
		for k, av := range at {
			bv, ok := bt[k]
			if !ok || !ValueEqual(av, bv) {
				return false
			}
		}
		return true
	case time.Time:
		return at.Equal(b.(time.Time))
	default:
		return a == b
	}
}
