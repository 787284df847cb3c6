package event

import (
	"time"
)

// MetricKind tells whether a metric updates the previous value of the
// series (incremental) or sets the reference for future increments
// (absolute).
type MetricKind uint8

const (
	KindIncremental MetricKind = iota
	KindAbsolute
)

func (k MetricKind) String() string {
	if k == KindAbsolute {
		return "absolute"
	}
	return "incremental"
}

// StatisticKind tells how a distribution's samples are summarized.
type StatisticKind uint8

const (
	StatisticHistogram StatisticKind = iota
	StatisticSummary
)

// MetricValue is the container for the actual value of a metric.
// Implementations: *Counter, *Gauge, *SetValue, *Distribution,
// *AggregatedHistogram, *AggregatedSummary, *Sketch.
type MetricValue interface {
	metricValue()
}

// Counter is a value which can only grow, except for resets to zero.
type Counter struct {
	Value float64
}

// Gauge is a sampled numerical value.
type Gauge struct {
	Value float64
}

// SetValue holds the unordered unique values observed for a key.
type SetValue struct {
	Values map[string]struct{}
}

// Distribution holds sampled values paired with their observation rates.
type Distribution struct {
	Values      []float64
	SampleRates []uint32
	Statistic   StatisticKind
}

// AggregatedHistogram counts observations into buckets. Each bucket
// value is the upper bound of its range.
type AggregatedHistogram struct {
	Buckets []float64
	Counts  []uint32
	Count   uint32
	Sum     float64
}

// AggregatedSummary counts observations into quantiles (0 <= phi <= 1).
type AggregatedSummary struct {
	Quantiles []float64
	Values    []float64
	Count     uint32
	Sum       float64
}

// Sketch holds raw samples for sketch-summarized series.
type Sketch struct {
	Samples []float64
}

func (*Counter) metricValue()             {}
func (*Gauge) metricValue()               {}
func (*SetValue) metricValue()            {}
func (*Distribution) metricValue()        {}
func (*AggregatedHistogram) metricValue() {}
func (*AggregatedSummary) metricValue()   {}
func (*Sketch) metricValue()              {}

// Metric is a named series sample.
type Metric struct {
	Name      string
	Namespace string
	Timestamp time.Time
	Tags      map[string]string
	Kind      MetricKind
	Value     MetricValue

	finalizers Finalizers
}

// Copy returns a structural copy of the metric, with no finalizers.
func (m *Metric) Copy() *Metric {
	var out = &Metric{
		Name:      m.Name,
		Namespace: m.Namespace,
		Timestamp: m.Timestamp,
		Kind:      m.Kind,
	}
	if m.Tags != nil {
		out.Tags = make(map[string]string, len(m.Tags))
		for k, v := range m.Tags {
			out.Tags[k] = v
		}
	}
	switch v := m.Value.(type) {
	case *Counter:
		out.Value = &Counter{Value: v.Value}
	case *Gauge:
		out.Value = &Gauge{Value: v.Value}
	case *SetValue:
		var values = make(map[string]struct{}, len(v.Values))
		for s := range v.Values {
			values[s] = struct{}{}
		}
		out.Value = &SetValue{Values: values}
	case *Distribution:
		out.Value = &Distribution{
			Values:      append([]float64(nil), v.Values...),
			SampleRates: append([]uint32(nil), v.SampleRates...),
			Statistic:   v.Statistic,
		}
	case *AggregatedHistogram:
		out.Value = &AggregatedHistogram{
			Buckets: append([]float64(nil), v.Buckets...),
			Counts:  append([]uint32(nil), v.Counts...),
			Count:   v.Count,
			Sum:     v.Sum,
		}
	case *AggregatedSummary:
		out.Value = &AggregatedSummary{
			Quantiles: append([]float64(nil), v.Quantiles...),
			Values:    append([]float64(nil), v.Values...),
			Count:     v.Count,
			Sum:       v.Sum,
		}
	case *Sketch:
		out.Value = &Sketch{Samples: append([]float64(nil), v.Samples...)}
	}
	return out
}

// ToAbsolute returns a copy of the metric marked absolute.
func (m *Metric) ToAbsolute() *Metric {
	var out = m.Copy()
	out.Kind = KindAbsolute
	return out
}

// Add folds the value of |other| into this metric. Absolute updates
// replace rather than accumulate, so |other| must be incremental for
// Add to have any effect. Mismatched value variants are a no-op.
func (m *Metric) Add(other *Metric) {
	if other.Kind == KindAbsolute {
		return
	}
	m.updateValue(other)
}

func (m *Metric) updateValue(other *Metric) {
	switch v := m.Value.(type) {
	case *Counter:
		if o, ok := other.Value.(*Counter); ok {
			v.Value += o.Value
		}
	case *Gauge:
		if o, ok := other.Value.(*Gauge); ok {
			v.Value += o.Value
		}
	case *SetValue:
		if o, ok := other.Value.(*SetValue); ok {
			for s := range o.Values {
				v.Values[s] = struct{}{}
			}
		}
	case *Distribution:
		if o, ok := other.Value.(*Distribution); ok && v.Statistic == o.Statistic {
			v.Values = append(v.Values, o.Values...)
			v.SampleRates = append(v.SampleRates, o.SampleRates...)
		}
	case *AggregatedHistogram:
		if o, ok := other.Value.(*AggregatedHistogram); ok {
			if !floatsEqual(v.Buckets, o.Buckets) || len(v.Counts) != len(o.Counts) {
				return
			}
			for i, c := range o.Counts {
				v.Counts[i] += c
			}
			v.Count += o.Count
			v.Sum += o.Sum
		}
	case *AggregatedSummary:
		// Summaries cannot be meaningfully summed.
	case *Sketch:
		if o, ok := other.Value.(*Sketch); ok {
			v.Samples = append(v.Samples, o.Samples...)
		}
	}
}

// Reset zeroes all numeric state without discarding bucket or quantile
// structure. Sets and distributions are emptied of their values.
func (m *Metric) Reset() {
	switch v := m.Value.(type) {
	case *Counter:
		v.Value = 0
	case *Gauge:
		v.Value = 0
	case *SetValue:
		v.Values = map[string]struct{}{}
	case *Distribution:
		v.Values = v.Values[:0]
		v.SampleRates = v.SampleRates[:0]
	case *AggregatedHistogram:
		for i := range v.Counts {
			v.Counts[i] = 0
		}
		v.Count = 0
		v.Sum = 0
	case *AggregatedSummary:
		for i := range v.Values {
			v.Values[i] = 0
		}
		v.Count = 0
		v.Sum = 0
	case *Sketch:
		v.Samples = v.Samples[:0]
	}
}

func floatsEqual(a, b []float64) bool {
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
