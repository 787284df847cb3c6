package components

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"github.com/tributary-io/tributary/buffer"
	"github.com/tributary-io/tributary/topology"
)

// Document is the on-disk topology declaration: components by key,
// each a JSON object with a "type" discriminator and type-specific
// fields alongside the common topology settings.
type Document struct {
	DataDir             string                     `json:"data_dir,omitempty"`
	HealthchecksEnabled *bool                      `json:"healthchecks_enabled,omitempty"`
	Proxy               topology.ProxyConfig       `json:"proxy,omitempty"`
	Sources             map[string]json.RawMessage `json:"sources,omitempty"`
	Transforms          map[string]json.RawMessage `json:"transforms,omitempty"`
	Sinks               map[string]json.RawMessage `json:"sinks,omitempty"`
	EnrichmentTables    map[string]json.RawMessage `json:"enrichment_tables,omitempty"`
}

type commonFields struct {
	Type        string               `json:"type"`
	Inputs      []string             `json:"inputs,omitempty"`
	Buffer      *buffer.Config       `json:"buffer,omitempty"`
	Healthcheck *bool                `json:"healthcheck,omitempty"`
	Proxy       topology.ProxyConfig `json:"proxy,omitempty"`
}

// LoadFile reads and assembles the config document at |path|.
func LoadFile(path string) (*topology.Config, error) {
	var data, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Load(data)
}

// Load assembles a topology.Config from a raw document.
func Load(data []byte) (*topology.Config, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding config document: %w", err)
	}

	var config = &topology.Config{
		Globals: topology.GlobalOptions{
			DataDir:             doc.DataDir,
			Proxy:               doc.Proxy,
			HealthchecksEnabled: doc.HealthchecksEnabled == nil || *doc.HealthchecksEnabled,
		},
		Sources:          map[topology.ComponentKey]*topology.SourceOuter{},
		Transforms:       map[topology.ComponentKey]*topology.TransformOuter{},
		Sinks:            map[topology.ComponentKey]*topology.SinkOuter{},
		EnrichmentTables: map[string]topology.EnrichmentTableConfig{},
	}
	if config.Globals.DataDir == "" {
		config.Globals.DataDir = "/var/lib/tributary"
	}

	for key, raw := range doc.Sources {
		var common, err = parseCommon(raw)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", key, err)
		}
		inner, err := buildSource(common.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", key, err)
		}
		config.Sources[topology.ComponentKey(key)] = &topology.SourceOuter{
			Inner: inner,
			Proxy: common.Proxy,
		}
	}

	for key, raw := range doc.Transforms {
		var common, err = parseCommon(raw)
		if err != nil {
			return nil, fmt.Errorf("transform %q: %w", key, err)
		}
		inner, err := buildTransform(common.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("transform %q: %w", key, err)
		}
		config.Transforms[topology.ComponentKey(key)] = &topology.TransformOuter{
			Inner:  inner,
			Inputs: parseInputs(common.Inputs),
		}
	}

	for key, raw := range doc.Sinks {
		var common, err = parseCommon(raw)
		if err != nil {
			return nil, fmt.Errorf("sink %q: %w", key, err)
		}
		inner, err := buildSink(common.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("sink %q: %w", key, err)
		}

		var bufferConfig = buffer.DefaultConfig()
		if common.Buffer != nil {
			bufferConfig = *common.Buffer
		}
		config.Sinks[topology.ComponentKey(key)] = &topology.SinkOuter{
			Inner:       inner,
			Inputs:      parseInputs(common.Inputs),
			Buffer:      bufferConfig,
			Healthcheck: common.Healthcheck == nil || *common.Healthcheck,
			Proxy:       common.Proxy,
		}
	}

	for name, raw := range doc.EnrichmentTables {
		var common, err = parseCommon(raw)
		if err != nil {
			return nil, fmt.Errorf("enrichment table %q: %w", name, err)
		}
		inner, err := buildTable(common.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("enrichment table %q: %w", name, err)
		}
		config.EnrichmentTables[name] = inner
	}

	return config, nil
}

func parseCommon(raw json.RawMessage) (commonFields, error) {
	var common commonFields
	if err := json.Unmarshal(raw, &common); err != nil {
		return common, err
	}
	if common.Type == "" {
		return common, fmt.Errorf("missing component type")
	}
	return common, nil
}

func parseInputs(inputs []string) []topology.OutputID {
	var out = make([]topology.OutputID, len(inputs))
	for i, input := range inputs {
		out[i] = topology.ParseOutputID(input)
	}
	return out
}
