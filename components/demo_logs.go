package components

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/tributary-io/tributary/event"
	"github.com/tributary-io/tributary/topology"
)

// DemoLogsConfig emits synthetic log lines on an interval, for trying
// out topologies without a real ingest path.
type DemoLogsConfig struct {
	IntervalMs int `json:"interval_ms"`
	// Count bounds the number of emitted events; zero means unbounded.
	Count int `json:"count"`
}

func init() {
	RegisterSource("demo_logs", func(raw json.RawMessage) (topology.SourceConfig, error) {
		var cfg = DemoLogsConfig{IntervalMs: 1000}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
		if cfg.IntervalMs <= 0 {
			return nil, fmt.Errorf("interval_ms must be positive (got %d)", cfg.IntervalMs)
		}
		return cfg, nil
	})
}

func (c DemoLogsConfig) SourceType() string            { return "demo_logs" }
func (c DemoLogsConfig) OutputType() topology.DataType { return topology.DataTypeLog }

func (c DemoLogsConfig) Build(ctx topology.SourceContext) (topology.Source, error) {
	return &demoLogs{cfg: c, ctx: ctx}, nil
}

var demoLines = []string{
	"GET /index.html 200",
	"POST /api/v1/events 202",
	"GET /health 200",
	"PUT /api/v1/config 409",
	"GET /metrics 200",
}

type demoLogs struct {
	cfg DemoLogsConfig
	ctx topology.SourceContext
}

func (s *demoLogs) Run() error {
	var ticker = time.NewTicker(time.Duration(s.cfg.IntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for n := 0; s.cfg.Count == 0 || n < s.cfg.Count; n++ {
		select {
		case <-ticker.C:
		case <-s.ctx.Shutdown.Done():
			return nil
		}

		var l = event.NewLog(demoLines[n%len(demoLines)])
		l.InsertPath(event.HostField, "localhost")
		l.InsertPath(event.SourceTypeField, "demo_logs")
		l.InsertPath("sequence", n)

		select {
		case s.ctx.Out <- event.Event{Log: l}:
		case <-s.ctx.Shutdown.Done():
			return nil
		}
	}
	return nil
}
