package components

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"

	"github.com/goccy/go-json"

	"github.com/tributary-io/tributary/buffer"
	"github.com/tributary-io/tributary/event"
	"github.com/tributary-io/tributary/topology"
)

// ConsoleConfig writes events to standard output, one JSON document
// per line.
type ConsoleConfig struct{}

func init() {
	RegisterSink("console", func(raw json.RawMessage) (topology.SinkConfig, error) {
		var cfg ConsoleConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	})
}

func (ConsoleConfig) SinkType() string             { return "console" }
func (ConsoleConfig) InputType() topology.DataType { return topology.DataTypeAny }

func (c ConsoleConfig) Build(ctx topology.SinkContext) (topology.Sink, topology.Healthcheck, error) {
	var check topology.Healthcheck = func(context.Context) error { return nil }
	return &consoleSink{out: os.Stdout, acker: ctx.Acker}, check, nil
}

type consoleSink struct {
	mu    sync.Mutex
	out   io.Writer
	acker buffer.Acker
}

func (s *consoleSink) Run(ctx context.Context, in buffer.Receiver) error {
	var w = bufio.NewWriter(s.out)
	defer w.Flush()

	for {
		var e, err = in.Next(ctx)
		if err == io.EOF {
			return nil
		} else if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var line []byte
		if line, err = encodeConsoleLine(e); err != nil {
			var fins = e.TakeFinalizers()
			fins.UpdateStatus(event.StatusRejected)
			fins.Drop()
			s.acker.Ack(1)
			continue
		}

		s.mu.Lock()
		_, err = w.Write(append(line, '\n'))
		if err == nil {
			err = w.Flush()
		}
		s.mu.Unlock()

		var fins = e.TakeFinalizers()
		if err != nil {
			fins.UpdateStatus(event.StatusErrored)
		} else {
			fins.UpdateStatus(event.StatusDelivered)
		}
		fins.Drop()
		s.acker.Ack(1)
	}
}

// encodeConsoleLine renders an event as plain JSON: log fields as an
// object, metrics under a "metric" wrapper.
func encodeConsoleLine(e event.Event) ([]byte, error) {
	switch {
	case e.Log != nil:
		return json.Marshal(consoleValue(e.Log.Fields))
	case e.Metric != nil:
		return json.Marshal(map[string]any{"metric": map[string]any{
			"name":      e.Metric.Name,
			"namespace": e.Metric.Namespace,
			"kind":      e.Metric.Kind.String(),
			"tags":      e.Metric.Tags,
		}})
	case e.Trace != nil:
		return json.Marshal(map[string]any{"trace": consoleValue(e.Trace.Fields)})
	default:
		return json.Marshal(nil)
	}
}

func consoleValue(v event.Value) any {
	switch t := v.(type) {
	case event.Object:
		var out = make(map[string]any, len(t))
		for k, e := range t {
			out[k] = consoleValue(e)
		}
		return out
	case []event.Value:
		var out = make([]any, len(t))
		for i, e := range t {
			out[i] = consoleValue(e)
		}
		return out
	default:
		return v
	}
}
