package dedupe

import (
	"encoding/binary"
	"math"
	"sort"
	"time"

	"github.com/tributary-io/tributary/event"
)

// Canonical event identities are the byte concatenation of selected
// (path, type tag, value bytes) triples. Every component is length
// prefixed and values carry a type tag, so that the string "123" and
// the integer 123 produce distinct identities, and nested objects
// preserve their inner typing. Field order within the source event is
// irrelevant; field names are significant.

const (
	tagMissing byte = iota
	tagNull
	tagBool
	tagInteger
	tagFloat
	tagBytes
	tagTimestamp
	tagArray
	tagObject
)

func appendLen(buf []byte, n int) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(n))
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendLen(buf, len(s))
	return append(buf, s...)
}

func appendValue(buf []byte, v event.Value) []byte {
	switch t := v.(type) {
	case nil:
		return append(buf, tagNull)
	case bool:
		buf = append(buf, tagBool)
		if t {
			return append(buf, 1)
		}
		return append(buf, 0)
	case int64:
		buf = append(buf, tagInteger)
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(t))
		return append(buf, tmp[:]...)
	case float64:
		buf = append(buf, tagFloat)
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(t))
		return append(buf, tmp[:]...)
	case string:
		buf = append(buf, tagBytes)
		return appendString(buf, t)
	case time.Time:
		buf = append(buf, tagTimestamp)
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(t.UnixNano()))
		return append(buf, tmp[:]...)
	case []event.Value:
		buf = append(buf, tagArray)
		buf = appendLen(buf, len(t))
		for _, e := range t {
			buf = appendValue(buf, e)
		}
		return buf
	case event.Object:
		buf = append(buf, tagObject)
		buf = appendLen(buf, len(t))
		for _, k := range t.SortedKeys() {
			buf = appendString(buf, k)
			buf = appendValue(buf, t[k])
		}
		return buf
	default:
		panic("invalid event value")
	}
}

// matchIdentity builds the identity from the configured paths only.
// A missing path contributes a distinct marker: an explicit null and
// an absent field are different identities.
func matchIdentity(l *event.LogEvent, paths []event.Path) string {
	var buf []byte
	for _, p := range paths {
		buf = appendString(buf, p.String())
		if v, ok := l.Get(p); ok {
			buf = appendValue(buf, v)
		} else {
			buf = append(buf, tagMissing)
		}
	}
	return string(buf)
}

// ignoreIdentity builds the identity from every top-level field except
// the ignored ones. Event fields and metadata fields both participate;
// an ignored metadata path must name the `%` field explicitly.
func ignoreIdentity(l *event.LogEvent, ignoreFields, ignoreMeta map[string]struct{}) string {
	var buf []byte

	var fields = make([]string, 0, len(l.Fields))
	for k := range l.Fields {
		if _, drop := ignoreFields[k]; !drop {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)
	for _, k := range fields {
		buf = appendString(buf, k)
		buf = appendValue(buf, l.Fields[k])
	}

	var meta = make([]string, 0, len(l.Meta))
	for k := range l.Meta {
		if _, drop := ignoreMeta[k]; !drop {
			meta = append(meta, k)
		}
	}
	sort.Strings(meta)
	for _, k := range meta {
		buf = appendString(buf, "%"+k)
		buf = appendValue(buf, l.Meta[k])
	}
	return string(buf)
}
