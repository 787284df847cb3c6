// Package topology assembles source, transform, and sink components
// into a running dataflow graph: it builds pieces from configuration
// diffs, wires them with typed channels and fanouts, supervises their
// tasks, and performs graceful reload and shutdown.
package topology

import (
	"context"
	"fmt"
	"strings"

	"github.com/tributary-io/tributary/buffer"
	"github.com/tributary-io/tributary/enrichment"
	"github.com/tributary-io/tributary/event"
	"github.com/tributary-io/tributary/transforms"
)

// ComponentKey identifies a configured component.
type ComponentKey string

// OutputID addresses one output of a component: its default output, or
// a named port such as a fallible transform's error output.
type OutputID struct {
	Component ComponentKey
	Port      string
}

func (id OutputID) String() string {
	if id.Port == "" {
		return string(id.Component)
	}
	return fmt.Sprintf("%s.%s", id.Component, id.Port)
}

// ParseOutputID parses "component" or "component.port".
func ParseOutputID(s string) OutputID {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return OutputID{Component: ComponentKey(s[:i]), Port: s[i+1:]}
	}
	return OutputID{Component: ComponentKey(s)}
}

// DataType is the mask of event variants a component accepts or emits.
type DataType uint8

const (
	DataTypeLog DataType = 1 << iota
	DataTypeMetric
	DataTypeTrace

	DataTypeAny = DataTypeLog | DataTypeMetric | DataTypeTrace
)

// Contains reports whether the mask admits events of type |t|.
func (d DataType) Contains(t event.Type) bool {
	switch t {
	case event.TypeLog:
		return d&DataTypeLog != 0
	case event.TypeMetric:
		return d&DataTypeMetric != 0
	case event.TypeTrace:
		return d&DataTypeTrace != 0
	default:
		return false
	}
}

// ProxyConfig declares outbound proxy settings passed to sinks.
type ProxyConfig struct {
	HTTP    string   `json:"http,omitempty"`
	HTTPS   string   `json:"https,omitempty"`
	NoProxy []string `json:"no_proxy,omitempty"`
}

// Merge overlays |child| settings onto the receiver, returning the
// effective configuration.
func (p ProxyConfig) Merge(child ProxyConfig) ProxyConfig {
	var out = p
	if child.HTTP != "" {
		out.HTTP = child.HTTP
	}
	if child.HTTPS != "" {
		out.HTTPS = child.HTTPS
	}
	if len(child.NoProxy) != 0 {
		out.NoProxy = child.NoProxy
	}
	return out
}

// GlobalOptions apply to every component of a topology.
type GlobalOptions struct {
	DataDir             string      `json:"data_dir,omitempty"`
	Proxy               ProxyConfig `json:"proxy,omitempty"`
	HealthchecksEnabled bool        `json:"healthchecks_enabled"`
}

// ShutdownSignal is observed cooperatively by a source: when it fires,
// the source finishes in-flight work and returns.
type ShutdownSignal struct {
	ch <-chan struct{}
}

// Done selects when shutdown has been requested.
func (s ShutdownSignal) Done() <-chan struct{} { return s.ch }

// NewShutdownSignal wraps |ch| as a ShutdownSignal, for driving a
// source outside a topology.
func NewShutdownSignal(ch <-chan struct{}) ShutdownSignal { return ShutdownSignal{ch: ch} }

// SourceContext carries everything a source build needs.
type SourceContext struct {
	Key      ComponentKey
	Globals  GlobalOptions
	Shutdown ShutdownSignal
	// Out receives the source's produced events.
	Out chan<- event.Event
	// Proxy is the effective proxy configuration.
	Proxy ProxyConfig
}

// Source is a built source: Run produces events into the context's Out
// channel until completion or cooperative shutdown.
type Source interface {
	Run() error
}

// SourceConfig builds sources of one type.
type SourceConfig interface {
	SourceType() string
	OutputType() DataType
	Build(ctx SourceContext) (Source, error)
}

// TransformContext carries everything a transform build needs.
type TransformContext struct {
	Key        ComponentKey
	Globals    GlobalOptions
	Enrichment *enrichment.Registry
}

// TransformConfig builds transforms of one type.
type TransformConfig interface {
	TransformType() string
	InputType() DataType
	OutputType() DataType
	// NamedOutputs enumerates additional output ports, e.g. the error
	// output of a fallible transform.
	NamedOutputs() []string
	Build(ctx TransformContext) (transforms.Transform, error)
}

// SinkContext carries everything a sink build needs.
type SinkContext struct {
	Key     ComponentKey
	Globals GlobalOptions
	// Acker propagates in-order delivery credits into the sink's buffer.
	Acker buffer.Acker
	// HealthcheckEnabled is the effective healthcheck toggle.
	HealthcheckEnabled bool
	Proxy              ProxyConfig
}

// Sink is a built sink: Run consumes its buffer's receiver until it
// yields io.EOF or the stream is severed for a reload.
type Sink interface {
	Run(ctx context.Context, in buffer.Receiver) error
}

// Healthcheck probes a sink's downstream; it is bounded to
// HealthcheckTimeout by the engine. Nil means no check.
type Healthcheck func(ctx context.Context) error

// SinkConfig builds sinks of one type.
type SinkConfig interface {
	SinkType() string
	InputType() DataType
	Build(ctx SinkContext) (Sink, Healthcheck, error)
}

// EnrichmentTableConfig builds one enrichment table, plus the indexes
// it should carry.
type EnrichmentTableConfig interface {
	Build(globals GlobalOptions) (enrichment.Table, error)
	Indexes() []enrichment.IndexFields
}

// SourceOuter pairs a source config with its topology settings.
type SourceOuter struct {
	Inner SourceConfig
	Proxy ProxyConfig
}

// TransformOuter pairs a transform config with its inputs.
type TransformOuter struct {
	Inner  TransformConfig
	Inputs []OutputID
}

// SinkOuter pairs a sink config with its inputs and buffer settings.
type SinkOuter struct {
	Inner       SinkConfig
	Inputs      []OutputID
	Buffer      buffer.Config
	Healthcheck bool
	Proxy       ProxyConfig
}

// Config is a complete topology declaration.
type Config struct {
	Globals          GlobalOptions
	Sources          map[ComponentKey]*SourceOuter
	Transforms       map[ComponentKey]*TransformOuter
	Sinks            map[ComponentKey]*SinkOuter
	EnrichmentTables map[string]EnrichmentTableConfig
}

// Validate checks the component graph: every input must name a known
// component output, keys must be unique across kinds, and sinks and
// transforms must have at least one input.
func (c *Config) Validate() []error {
	var errs []error
	var outputs = map[OutputID]bool{}

	for key := range c.Sources {
		outputs[OutputID{Component: key}] = true
	}
	for key, transform := range c.Transforms {
		if _, ok := c.Sources[key]; ok {
			errs = append(errs, fmt.Errorf("component key %q used by both a source and a transform", key))
		}
		outputs[OutputID{Component: key}] = true
		for _, port := range transform.Inner.NamedOutputs() {
			outputs[OutputID{Component: key, Port: port}] = true
		}
	}

	for key, transform := range c.Transforms {
		if len(transform.Inputs) == 0 {
			errs = append(errs, fmt.Errorf("transform %q has no inputs", key))
		}
	}
	for key, sink := range c.Sinks {
		if _, ok := c.Sources[key]; ok {
			errs = append(errs, fmt.Errorf("component key %q used by both a source and a sink", key))
		}
		if _, ok := c.Transforms[key]; ok {
			errs = append(errs, fmt.Errorf("component key %q used by both a transform and a sink", key))
		}
		if len(sink.Inputs) == 0 {
			errs = append(errs, fmt.Errorf("sink %q has no inputs", key))
		}
	}

	for key, transform := range c.Transforms {
		for _, input := range transform.Inputs {
			if !outputs[input] {
				errs = append(errs, fmt.Errorf("transform %q reads from unknown output %q", key, input))
			}
		}
	}
	for key, sink := range c.Sinks {
		for _, input := range sink.Inputs {
			if !outputs[input] {
				errs = append(errs, fmt.Errorf("sink %q reads from unknown output %q", key, input))
			}
		}
	}
	return errs
}
