package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, label string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, vec.WithLabelValues(label).Write(&m))
	return m.GetGauge().GetValue()
}

func TestTimerMeasuresBusyFraction(t *testing.T) {
	var timer = NewTimer("test-busy")

	// Mostly waiting: utilization should be low.
	timer.StartWait()
	time.Sleep(40 * time.Millisecond)
	timer.StopWait()
	time.Sleep(2 * time.Millisecond)
	timer.Report()

	var low = gaugeValue(t, Utilization, "test-busy")
	require.Less(t, low, 0.5)

	// Mostly busy: utilization should be high.
	time.Sleep(40 * time.Millisecond)
	timer.StartWait()
	time.Sleep(2 * time.Millisecond)
	timer.StopWait()
	timer.Report()

	var high = gaugeValue(t, Utilization, "test-busy")
	require.Greater(t, high, 0.5)
}

func TestCountersRegister(t *testing.T) {
	EventsReceived.WithLabelValues("test-component").Add(3)
	EventsSent.WithLabelValues("test-component").Add(2)
	EventsDiscarded.WithLabelValues("test-component").Inc()

	var m dto.Metric
	require.NoError(t, EventsReceived.WithLabelValues("test-component").Write(&m))
	require.Equal(t, float64(3), m.GetCounter().GetValue())
}
