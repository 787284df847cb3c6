package event

import (
	"time"
)

// Type discriminates the three event variants.
type Type uint8

const (
	TypeLog Type = iota
	TypeMetric
	TypeTrace
)

func (t Type) String() string {
	switch t {
	case TypeLog:
		return "log"
	case TypeMetric:
		return "metric"
	case TypeTrace:
		return "trace"
	default:
		return "invalid"
	}
}

// Event is one unit of observability data: a log, metric, or trace.
// Exactly one variant is set.
type Event struct {
	Log    *LogEvent
	Metric *Metric
	Trace  *TraceEvent
}

// Type returns the variant of the event.
func (e Event) Type() Type {
	switch {
	case e.Log != nil:
		return TypeLog
	case e.Metric != nil:
		return TypeMetric
	case e.Trace != nil:
		return TypeTrace
	default:
		panic("event has no variant")
	}
}

// Finalizers returns the event's attached finalizer collection.
func (e Event) Finalizers() *Finalizers {
	switch {
	case e.Log != nil:
		return &e.Log.finalizers
	case e.Metric != nil:
		return &e.Metric.finalizers
	case e.Trace != nil:
		return &e.Trace.finalizers
	default:
		panic("event has no variant")
	}
}

// AddBatchNotifier attaches a finalizer for |batch| to the event.
func (e Event) AddBatchNotifier(batch *BatchNotifier) {
	e.Finalizers().Add(batch)
}

// TakeFinalizers moves the event's finalizers out, leaving it with none.
func (e Event) TakeFinalizers() Finalizers {
	return e.Finalizers().Take()
}

// ShallowClone copies the event's data while sharing its finalizer
// handles, so that delivery of either copy updates the same batch.
// Fan-out to multiple consumers uses this.
func (e Event) ShallowClone() Event {
	switch {
	case e.Log != nil:
		var c = *e.Log
		c.Fields = DeepClone(c.Fields).(Object)
		c.Meta = DeepClone(c.Meta).(Object)
		c.finalizers = e.Log.finalizers.Clone()
		return Event{Log: &c}
	case e.Metric != nil:
		var c = e.Metric.Copy()
		c.finalizers = e.Metric.finalizers.Clone()
		return Event{Metric: c}
	case e.Trace != nil:
		var c = *e.Trace
		c.Fields = DeepClone(c.Fields).(Object)
		c.finalizers = e.Trace.finalizers.Clone()
		return Event{Trace: &c}
	default:
		panic("event has no variant")
	}
}

// LogEvent is an ordered mapping of paths to values, with a primary
// timestamp, host, and source type.
type LogEvent struct {
	Fields Object
	Meta   Object

	finalizers Finalizers
}

// Well-known log field paths.
const (
	MessageField    = "message"
	TimestampField  = "timestamp"
	HostField       = "host"
	SourceTypeField = "source_type"
)

// NewLog returns a log event holding |message|, stamped with the
// current time.
func NewLog(message string) *LogEvent {
	return &LogEvent{
		Fields: Object{
			MessageField:   message,
			TimestampField: time.Now().UTC(),
		},
		Meta: Object{},
	}
}

// Get resolves a parsed path against the log's fields, or its metadata
// for `%` paths.
func (l *LogEvent) Get(p Path) (Value, bool) {
	if p.Meta {
		return p.Get(l.Meta)
	}
	return p.Get(l.Fields)
}

// GetPath parses |path| and resolves it. It panics on a malformed path.
func (l *LogEvent) GetPath(path string) (Value, bool) {
	return l.Get(MustParsePath(path))
}

// Insert sets a parsed path to |v| within the log's fields, or its
// metadata for `%` paths.
func (l *LogEvent) Insert(p Path, v Value) {
	if p.Meta {
		l.Meta = p.Insert(l.Meta, v)
	} else {
		l.Fields = p.Insert(l.Fields, v)
	}
}

// InsertPath parses |path| and inserts |v|. It panics on a malformed path.
func (l *LogEvent) InsertPath(path string, v Value) {
	l.Insert(MustParsePath(path), v)
}

// Remove deletes a parsed path, returning the removed value.
func (l *LogEvent) Remove(p Path) (Value, bool) {
	if p.Meta {
		return p.Remove(l.Meta)
	}
	return p.Remove(l.Fields)
}

// Timestamp returns the log's primary timestamp, if set.
func (l *LogEvent) Timestamp() (time.Time, bool) {
	var ts, ok = l.Fields[TimestampField].(time.Time)
	return ts, ok
}

// TraceEvent is a collection of span fields. It shares the log event's
// field discipline.
type TraceEvent struct {
	Fields Object

	finalizers Finalizers
}

// NewTrace returns an empty trace event.
func NewTrace() *TraceEvent {
	return &TraceEvent{Fields: Object{}}
}
