package buffer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tributary-io/tributary/event"
)

func TestEventCodecLogRoundTrip(t *testing.T) {
	var ts = time.Date(2024, 5, 4, 3, 2, 1, 0, time.UTC)
	var l = &event.LogEvent{
		Fields: event.Object{
			"message":   "hello world",
			"timestamp": ts,
			"count":     int64(123),
			"ratio":     0.25,
			"flag":      true,
			"missing":   nil,
			"nested":    event.Object{"inner": int64(1)},
			"arr":       []event.Value{"a", int64(2)},
		},
		Meta: event.Object{"offset": int64(99)},
	}

	var data, err = EncodeEvent(event.Event{Log: l})
	require.NoError(t, err)

	decoded, err := DecodeEvent(data)
	require.NoError(t, err)
	require.NotNil(t, decoded.Log)

	// Types survive exactly: the integer stays an integer, the string
	// stays a string, and the timestamp stays a timestamp.
	require.True(t, event.ValueEqual(event.Object(l.Fields), event.Object(decoded.Log.Fields)))
	require.True(t, event.ValueEqual(event.Object(l.Meta), event.Object(decoded.Log.Meta)))
}

func TestEventCodecMetricRoundTrip(t *testing.T) {
	var metrics = []*event.Metric{
		{Name: "requests", Kind: event.KindIncremental, Value: &event.Counter{Value: 42}},
		{Name: "temp", Namespace: "house", Kind: event.KindAbsolute, Value: &event.Gauge{Value: 21.5}},
		{Name: "users", Kind: event.KindIncremental, Value: &event.SetValue{
			Values: map[string]struct{}{"a": {}},
		}},
		{Name: "latency", Kind: event.KindIncremental, Tags: map[string]string{"region": "eu"},
			Value: &event.Distribution{
				Values:      []float64{1, 2, 3},
				SampleRates: []uint32{1, 1, 2},
				Statistic:   event.StatisticSummary,
			}},
		{Name: "sizes", Kind: event.KindAbsolute, Value: &event.AggregatedHistogram{
			Buckets: []float64{1, 2, 4},
			Counts:  []uint32{1, 0, 3},
			Count:   4,
			Sum:     11,
		}},
	}

	for _, m := range metrics {
		var data, err = EncodeEvent(event.Event{Metric: m})
		require.NoError(t, err, m.Name)

		decoded, err := DecodeEvent(data)
		require.NoError(t, err, m.Name)
		require.NotNil(t, decoded.Metric, m.Name)
		require.Equal(t, m.Name, decoded.Metric.Name)
		require.Equal(t, m.Kind, decoded.Metric.Kind)
		require.Equal(t, m.Value, decoded.Metric.Value)
	}
}

func TestDiskEventBufferFinalization(t *testing.T) {
	var ctx = context.Background()
	var built, err = Build(Config{Kind: KindDisk}, t.TempDir(), "sink")
	require.NoError(t, err)

	// A durable write settles the source's finalizers as delivered.
	var batch, ch = event.NewBatchNotifier()
	var e = event.Event{Log: event.NewLog("durable")}
	e.AddBatchNotifier(batch)
	batch.Close()

	require.NoError(t, built.Sender.Send(ctx, e))
	require.Equal(t, event.BatchDelivered, <-ch)
	require.NoError(t, built.Close())

	// Reading hands back the event with a fresh finalizer which
	// retires the record once delivery settles.
	read, err := built.Receiver.Next(ctx)
	require.NoError(t, err)
	var msg, _ = read.Log.GetPath("message")
	require.Equal(t, "durable", msg)

	read.Finalizers().UpdateStatus(event.StatusDelivered)
	read.Finalizers().Drop()

	var disk = built.Acker.(*DiskBuffer)
	require.Equal(t, int64(0), disk.Ledger().TotalRecords)
}
