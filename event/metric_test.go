package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func counter(v float64) *Metric {
	return &Metric{Name: "c", Kind: KindIncremental, Value: &Counter{Value: v}}
}

func TestMetricAddCounters(t *testing.T) {
	var m = counter(2)
	m.Add(counter(3))
	require.Equal(t, &Counter{Value: 5}, m.Value)
}

func TestMetricAbsoluteDoesNotAccumulate(t *testing.T) {
	var m = counter(2)
	var abs = counter(3)
	abs.Kind = KindAbsolute
	m.Add(abs)
	require.Equal(t, &Counter{Value: 2}, m.Value)
}

func TestMetricAddGauges(t *testing.T) {
	var m = &Metric{Name: "g", Kind: KindIncremental, Value: &Gauge{Value: 1.5}}
	m.Add(&Metric{Kind: KindIncremental, Value: &Gauge{Value: -0.5}})
	require.Equal(t, &Gauge{Value: 1.0}, m.Value)
}

func TestMetricAddSetsUnion(t *testing.T) {
	var m = &Metric{Name: "s", Kind: KindIncremental, Value: &SetValue{
		Values: map[string]struct{}{"a": {}, "b": {}},
	}}
	m.Add(&Metric{Kind: KindIncremental, Value: &SetValue{
		Values: map[string]struct{}{"b": {}, "c": {}},
	}})
	require.Equal(t, map[string]struct{}{"a": {}, "b": {}, "c": {}}, m.Value.(*SetValue).Values)
}

func TestMetricAddDistributions(t *testing.T) {
	var m = &Metric{Name: "d", Kind: KindIncremental, Value: &Distribution{
		Values:      []float64{1, 2},
		SampleRates: []uint32{10, 20},
		Statistic:   StatisticHistogram,
	}}
	m.Add(&Metric{Kind: KindIncremental, Value: &Distribution{
		Values:      []float64{3},
		SampleRates: []uint32{30},
		Statistic:   StatisticHistogram,
	}})
	require.Equal(t, []float64{1, 2, 3}, m.Value.(*Distribution).Values)
	require.Equal(t, []uint32{10, 20, 30}, m.Value.(*Distribution).SampleRates)

	// A mismatched statistic kind is a no-op.
	m.Add(&Metric{Kind: KindIncremental, Value: &Distribution{
		Values:      []float64{4},
		SampleRates: []uint32{40},
		Statistic:   StatisticSummary,
	}})
	require.Equal(t, []float64{1, 2, 3}, m.Value.(*Distribution).Values)
}

func TestMetricAddAggregatedHistograms(t *testing.T) {
	var m = &Metric{Name: "h", Kind: KindIncremental, Value: &AggregatedHistogram{
		Buckets: []float64{1, 2, 4},
		Counts:  []uint32{1, 2, 4},
		Count:   7,
		Sum:     12,
	}}
	m.Add(&Metric{Kind: KindIncremental, Value: &AggregatedHistogram{
		Buckets: []float64{1, 2, 4},
		Counts:  []uint32{1, 1, 1},
		Count:   3,
		Sum:     6,
	}})
	require.Equal(t, &AggregatedHistogram{
		Buckets: []float64{1, 2, 4},
		Counts:  []uint32{2, 3, 5},
		Count:   10,
		Sum:     18,
	}, m.Value)

	// Differing buckets are a no-op.
	m.Add(&Metric{Kind: KindIncremental, Value: &AggregatedHistogram{
		Buckets: []float64{1, 2, 8},
		Counts:  []uint32{1, 1, 1},
		Count:   3,
		Sum:     6,
	}})
	require.Equal(t, uint32(10), m.Value.(*AggregatedHistogram).Count)
}

func TestMetricAddMismatchedVariantsIsNoop(t *testing.T) {
	var m = counter(1)
	m.Add(&Metric{Kind: KindIncremental, Value: &Gauge{Value: 7}})
	require.Equal(t, &Counter{Value: 1}, m.Value)
}

func TestMetricReset(t *testing.T) {
	var m = &Metric{Name: "h", Kind: KindAbsolute, Value: &AggregatedHistogram{
		Buckets: []float64{1, 2, 4},
		Counts:  []uint32{1, 2, 4},
		Count:   7,
		Sum:     12,
	}}
	m.Reset()
	require.Equal(t, &AggregatedHistogram{
		Buckets: []float64{1, 2, 4},
		Counts:  []uint32{0, 0, 0},
	}, m.Value)

	var d = &Metric{Value: &Distribution{Values: []float64{1}, SampleRates: []uint32{1}}}
	d.Reset()
	require.Empty(t, d.Value.(*Distribution).Values)

	var c = counter(9)
	c.Reset()
	require.Equal(t, &Counter{}, c.Value)
}

func TestMetricToAbsolute(t *testing.T) {
	var m = counter(4)
	var abs = m.ToAbsolute()
	require.Equal(t, KindAbsolute, abs.Kind)
	require.Equal(t, KindIncremental, m.Kind)
	require.Equal(t, m.Value, abs.Value)

	// The copy must not share value storage.
	abs.Value.(*Counter).Value = 100
	require.Equal(t, float64(4), m.Value.(*Counter).Value)
}
