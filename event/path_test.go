package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPathParsing(t *testing.T) {
	var p = MustParsePath("a.b[2].(first|second).c")
	require.False(t, p.Meta)
	require.Equal(t, []Segment{
		{Kind: SegmentField, Field: "a"},
		{Kind: SegmentField, Field: "b"},
		{Kind: SegmentIndex, Index: 2},
		{Kind: SegmentCoalesce, Fields: []string{"first", "second"}},
		{Kind: SegmentField, Field: "c"},
	}, p.Segments)

	p = MustParsePath("%meta.field")
	require.True(t, p.Meta)
	require.Equal(t, []Segment{
		{Kind: SegmentField, Field: "meta"},
		{Kind: SegmentField, Field: "field"},
	}, p.Segments)

	for _, bad := range []string{"", "a..b", "a[x]", "a[-1]", "(only).b"} {
		var _, err = ParsePath(bad)
		require.Error(t, err, "path %q", bad)
	}
}

func TestPathGetInsertRemove(t *testing.T) {
	var l = NewLog("hello")
	l.InsertPath("nested.answer", 42)
	l.InsertPath("arr[1]", "x")

	var v, ok = l.GetPath("nested.answer")
	require.True(t, ok)
	require.Equal(t, int64(42), v)

	v, ok = l.GetPath("arr[1]")
	require.True(t, ok)
	require.Equal(t, "x", v)

	// Index 0 was extended with a null.
	v, ok = l.GetPath("arr[0]")
	require.True(t, ok)
	require.Nil(t, v)

	_, ok = l.GetPath("nested.missing")
	require.False(t, ok)

	removed, ok := l.Remove(MustParsePath("nested.answer"))
	require.True(t, ok)
	require.Equal(t, int64(42), removed)
	_, ok = l.GetPath("nested.answer")
	require.False(t, ok)
}

func TestPathCoalesce(t *testing.T) {
	var l = NewLog("hello")
	l.InsertPath("second", "fallback")

	var v, ok = l.GetPath("(first|second)")
	require.True(t, ok)
	require.Equal(t, "fallback", v)

	l.InsertPath("first", "primary")
	v, ok = l.GetPath("(first|second)")
	require.True(t, ok)
	require.Equal(t, "primary", v)

	_, ok = l.GetPath("(nope|nada)")
	require.False(t, ok)
}

func TestMetadataPaths(t *testing.T) {
	var l = NewLog("hello")
	l.InsertPath("%source.offset", 99)

	var v, ok = l.GetPath("%source.offset")
	require.True(t, ok)
	require.Equal(t, int64(99), v)

	// Metadata paths do not touch event fields.
	_, ok = l.GetPath("source.offset")
	require.False(t, ok)
}

func TestValueEqualIsTypeSensitive(t *testing.T) {
	require.False(t, ValueEqual("123", int64(123)))
	require.True(t, ValueEqual(int64(123), int64(123)))
	require.True(t, ValueEqual(Object{"k": "v"}, Object{"k": "v"}))
	require.False(t, ValueEqual(Object{"k": "1"}, Object{"k": int64(1)}))
	require.False(t, ValueEqual([]Value{int64(1)}, []Value{1.0}))
}
