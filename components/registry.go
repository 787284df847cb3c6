// Package components holds the built-in component types shipped with
// the router, and the loader which turns a configuration document into
// a topology.Config. Real-world source and sink adapters register here
// the same way the built-ins do.
package components

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tributary-io/tributary/topology"
)

type (
	sourceFactory    func(raw json.RawMessage) (topology.SourceConfig, error)
	transformFactory func(raw json.RawMessage) (topology.TransformConfig, error)
	sinkFactory      func(raw json.RawMessage) (topology.SinkConfig, error)
	tableFactory     func(raw json.RawMessage) (topology.EnrichmentTableConfig, error)
)

var (
	sourceFactories    = map[string]sourceFactory{}
	transformFactories = map[string]transformFactory{}
	sinkFactories      = map[string]sinkFactory{}
	tableFactories     = map[string]tableFactory{}
)

// RegisterSource registers a source type.
func RegisterSource(name string, factory func(json.RawMessage) (topology.SourceConfig, error)) {
	if _, ok := sourceFactories[name]; ok {
		panic(fmt.Sprintf("source type %q registered twice", name))
	}
	sourceFactories[name] = factory
}

// RegisterTransform registers a transform type.
func RegisterTransform(name string, factory func(json.RawMessage) (topology.TransformConfig, error)) {
	if _, ok := transformFactories[name]; ok {
		panic(fmt.Sprintf("transform type %q registered twice", name))
	}
	transformFactories[name] = factory
}

// RegisterSink registers a sink type.
func RegisterSink(name string, factory func(json.RawMessage) (topology.SinkConfig, error)) {
	if _, ok := sinkFactories[name]; ok {
		panic(fmt.Sprintf("sink type %q registered twice", name))
	}
	sinkFactories[name] = factory
}

// RegisterTable registers an enrichment table type.
func RegisterTable(name string, factory func(json.RawMessage) (topology.EnrichmentTableConfig, error)) {
	if _, ok := tableFactories[name]; ok {
		panic(fmt.Sprintf("enrichment table type %q registered twice", name))
	}
	tableFactories[name] = factory
}

func buildSource(typ string, raw json.RawMessage) (topology.SourceConfig, error) {
	var factory, ok = sourceFactories[typ]
	if !ok {
		return nil, fmt.Errorf("unknown source type %q", typ)
	}
	return factory(raw)
}

func buildTransform(typ string, raw json.RawMessage) (topology.TransformConfig, error) {
	var factory, ok = transformFactories[typ]
	if !ok {
		return nil, fmt.Errorf("unknown transform type %q", typ)
	}
	return factory(raw)
}

func buildSink(typ string, raw json.RawMessage) (topology.SinkConfig, error) {
	var factory, ok = sinkFactories[typ]
	if !ok {
		return nil, fmt.Errorf("unknown sink type %q", typ)
	}
	return factory(raw)
}

func buildTable(typ string, raw json.RawMessage) (topology.EnrichmentTableConfig, error) {
	var factory, ok = tableFactories[typ]
	if !ok {
		return nil, fmt.Errorf("unknown enrichment table type %q", typ)
	}
	return factory(raw)
}
