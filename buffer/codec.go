package buffer

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/tributary-io/tributary/event"
)

// Events buffered on disk are serialized with explicit type tags, so
// that integers, floats, and timestamps survive the round trip exactly.

type wireEvent struct {
	Log    *wireLog    `json:"log,omitempty"`
	Metric *wireMetric `json:"metric,omitempty"`
	Trace  *wireTrace  `json:"trace,omitempty"`
}

type wireLog struct {
	Fields map[string]wireValue `json:"fields"`
	Meta   map[string]wireValue `json:"meta,omitempty"`
}

type wireTrace struct {
	Fields map[string]wireValue `json:"fields"`
}

type wireMetric struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace,omitempty"`
	Timestamp *time.Time        `json:"timestamp,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Kind      string            `json:"kind"`
	Value     wireMetricValue   `json:"value"`
}

type wireMetricValue struct {
	Counter      *event.Counter             `json:"counter,omitempty"`
	Gauge        *event.Gauge               `json:"gauge,omitempty"`
	Set          []string                   `json:"set,omitempty"`
	Distribution *wireDistribution          `json:"distribution,omitempty"`
	Histogram    *event.AggregatedHistogram `json:"aggregated_histogram,omitempty"`
	Summary      *event.AggregatedSummary   `json:"aggregated_summary,omitempty"`
	Sketch       *event.Sketch              `json:"sketch,omitempty"`
}

type wireDistribution struct {
	Values      []float64 `json:"values"`
	SampleRates []uint32  `json:"sample_rates"`
	Statistic   string    `json:"statistic"`
}

// wireValue is a type-tagged encoding of an event.Value, so that the
// integer 123 and the string "123" remain distinct on the wire.
type wireValue struct {
	Kind  string          `json:"k"`
	Value json.RawMessage `json:"v,omitempty"`
}

func toWireValue(v event.Value) wireValue {
	var kind = event.KindOf(v).String()

	switch t := v.(type) {
	case nil:
		return wireValue{Kind: kind}
	case []event.Value:
		var arr = make([]wireValue, len(t))
		for i, e := range t {
			arr[i] = toWireValue(e)
		}
		return wireValue{Kind: kind, Value: mustMarshal(arr)}
	case event.Object:
		return wireValue{Kind: kind, Value: mustMarshal(toWireObject(t))}
	case time.Time:
		return wireValue{Kind: kind, Value: mustMarshal(t.UTC().Format(time.RFC3339Nano))}
	default:
		return wireValue{Kind: kind, Value: mustMarshal(t)}
	}
}

func mustMarshal(v any) json.RawMessage {
	var data, err = json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("encoding event value: %v", err))
	}
	return data
}

func toWireObject(o event.Object) map[string]wireValue {
	var out = make(map[string]wireValue, len(o))
	for k, v := range o {
		out[k] = toWireValue(v)
	}
	return out
}

func fromWireValue(w wireValue) (event.Value, error) {
	switch w.Kind {
	case "null":
		return nil, nil
	case "bool":
		var v bool
		return v, json.Unmarshal(w.Value, &v)
	case "integer":
		var v int64
		return v, json.Unmarshal(w.Value, &v)
	case "float":
		var v float64
		return v, json.Unmarshal(w.Value, &v)
	case "bytes":
		var v string
		return v, json.Unmarshal(w.Value, &v)
	case "timestamp":
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, s)
	case "array":
		var arr []wireValue
		if err := json.Unmarshal(w.Value, &arr); err != nil {
			return nil, err
		}
		var out = make([]event.Value, len(arr))
		for i, e := range arr {
			var v, err = fromWireValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case "object":
		var obj map[string]wireValue
		if err := json.Unmarshal(w.Value, &obj); err != nil {
			return nil, err
		}
		return fromWireObject(obj)
	default:
		return nil, fmt.Errorf("unknown value kind %q", w.Kind)
	}
}

func fromWireObject(m map[string]wireValue) (event.Object, error) {
	var out = make(event.Object, len(m))
	for k, wv := range m {
		var v, err = fromWireValue(wv)
		if err != nil {
			return nil, fmt.Errorf("decoding field %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// EncodeEvent serializes |e| for durable buffering. Finalizers are not
// part of the wire form.
func EncodeEvent(e event.Event) ([]byte, error) {
	var w wireEvent
	switch {
	case e.Log != nil:
		w.Log = &wireLog{Fields: toWireObject(e.Log.Fields), Meta: toWireObject(e.Log.Meta)}
	case e.Metric != nil:
		w.Metric = toWireMetric(e.Metric)
	case e.Trace != nil:
		w.Trace = &wireTrace{Fields: toWireObject(e.Trace.Fields)}
	}
	return json.Marshal(w)
}

// DecodeEvent deserializes a buffered event. It carries no finalizers;
// the reader attaches its own.
func DecodeEvent(data []byte) (event.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return event.Event{}, fmt.Errorf("decoding buffered event: %w", err)
	}
	switch {
	case w.Log != nil:
		var fields, err = fromWireObject(w.Log.Fields)
		if err != nil {
			return event.Event{}, err
		}
		meta, err := fromWireObject(w.Log.Meta)
		if err != nil {
			return event.Event{}, err
		}
		return event.Event{Log: &event.LogEvent{Fields: fields, Meta: meta}}, nil
	case w.Metric != nil:
		return event.Event{Metric: fromWireMetric(w.Metric)}, nil
	case w.Trace != nil:
		var fields, err = fromWireObject(w.Trace.Fields)
		if err != nil {
			return event.Event{}, err
		}
		return event.Event{Trace: &event.TraceEvent{Fields: fields}}, nil
	default:
		return event.Event{}, fmt.Errorf("buffered event has no variant")
	}
}

func toWireMetric(m *event.Metric) *wireMetric {
	var w = &wireMetric{
		Name:      m.Name,
		Namespace: m.Namespace,
		Tags:      m.Tags,
		Kind:      m.Kind.String(),
	}
	if !m.Timestamp.IsZero() {
		var ts = m.Timestamp
		w.Timestamp = &ts
	}
	switch v := m.Value.(type) {
	case *event.Counter:
		w.Value.Counter = v
	case *event.Gauge:
		w.Value.Gauge = v
	case *event.SetValue:
		for s := range v.Values {
			w.Value.Set = append(w.Value.Set, s)
		}
	case *event.Distribution:
		var stat = "histogram"
		if v.Statistic == event.StatisticSummary {
			stat = "summary"
		}
		w.Value.Distribution = &wireDistribution{
			Values:      v.Values,
			SampleRates: v.SampleRates,
			Statistic:   stat,
		}
	case *event.AggregatedHistogram:
		w.Value.Histogram = v
	case *event.AggregatedSummary:
		w.Value.Summary = v
	case *event.Sketch:
		w.Value.Sketch = v
	}
	return w
}

func fromWireMetric(w *wireMetric) *event.Metric {
	var m = &event.Metric{
		Name:      w.Name,
		Namespace: w.Namespace,
		Tags:      w.Tags,
	}
	if w.Timestamp != nil {
		m.Timestamp = *w.Timestamp
	}
	if w.Kind == "absolute" {
		m.Kind = event.KindAbsolute
	}
	switch {
	case w.Value.Counter != nil:
		m.Value = w.Value.Counter
	case w.Value.Gauge != nil:
		m.Value = w.Value.Gauge
	case w.Value.Set != nil:
		var values = make(map[string]struct{}, len(w.Value.Set))
		for _, s := range w.Value.Set {
			values[s] = struct{}{}
		}
		m.Value = &event.SetValue{Values: values}
	case w.Value.Distribution != nil:
		var stat = event.StatisticHistogram
		if w.Value.Distribution.Statistic == "summary" {
			stat = event.StatisticSummary
		}
		m.Value = &event.Distribution{
			Values:      w.Value.Distribution.Values,
			SampleRates: w.Value.Distribution.SampleRates,
			Statistic:   stat,
		}
	case w.Value.Histogram != nil:
		m.Value = w.Value.Histogram
	case w.Value.Summary != nil:
		m.Value = w.Value.Summary
	case w.Value.Sketch != nil:
		m.Value = w.Value.Sketch
	}
	return m
}
