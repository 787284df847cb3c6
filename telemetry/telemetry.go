// Package telemetry registers the process-wide metrics reported by
// topology components.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReceived counts events received by a component.
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tributary_component_received_events_total",
		Help: "Events received by a component.",
	}, []string{"component"})

	// EventsSent counts events emitted by a component.
	EventsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tributary_component_sent_events_total",
		Help: "Events sent by a component.",
	}, []string{"component"})

	// EventsDiscarded counts events dropped by type gating or dedupe.
	EventsDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tributary_component_discarded_events_total",
		Help: "Events intentionally discarded by a component.",
	}, []string{"component"})

	// Utilization reports the fraction of time a component spends
	// doing work, as opposed to waiting for input or output capacity.
	Utilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tributary_component_utilization",
		Help: "Fraction of time a component is busy rather than waiting.",
	}, []string{"component"})

	// BufferedEvents gauges the depth of a sink's buffer.
	BufferedEvents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tributary_buffer_events",
		Help: "Events currently held in a sink buffer.",
	}, []string{"sink"})
)

// ReportInterval is how often component loops publish utilization.
const ReportInterval = 5 * time.Second

// Timer measures the busy fraction of a component's loop: the share of
// wall time not spent waiting on channel sends and receives.
type Timer struct {
	component string

	mu            sync.Mutex
	intervalStart time.Time
	waitStart     time.Time
	waiting       bool
	waited        time.Duration
}

// NewTimer returns a Timer reporting for |component|.
func NewTimer(component string) *Timer {
	return &Timer{component: component, intervalStart: time.Now()}
}

// StartWait marks the beginning of a wait.
func (t *Timer) StartWait() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.waiting {
		t.waiting = true
		t.waitStart = time.Now()
	}
}

// StopWait marks the end of a wait and returns the current time.
func (t *Timer) StopWait() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	var now = time.Now()
	if t.waiting {
		t.waiting = false
		t.waited += now.Sub(t.waitStart)
	}
	return now
}

// Report publishes utilization observed since the previous report and
// begins a new interval.
func (t *Timer) Report() {
	t.mu.Lock()
	defer t.mu.Unlock()

	var now = time.Now()
	var waited = t.waited
	if t.waiting {
		waited += now.Sub(t.waitStart)
		t.waitStart = now
	}

	if elapsed := now.Sub(t.intervalStart); elapsed > 0 {
		var utilization = 1 - waited.Seconds()/elapsed.Seconds()
		if utilization < 0 {
			utilization = 0
		}
		Utilization.WithLabelValues(t.component).Set(utilization)
	}

	t.intervalStart = now
	t.waited = 0
}
