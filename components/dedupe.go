package components

import (
	"github.com/goccy/go-json"

	"github.com/tributary-io/tributary/topology"
	"github.com/tributary-io/tributary/transforms"
	"github.com/tributary-io/tributary/transforms/dedupe"
)

// dedupeConfig adapts the dedupe transform into the component registry.
type dedupeConfig struct {
	Cache  dedupe.CacheConfig   `json:"cache"`
	Fields *dedupe.FieldsConfig `json:"fields,omitempty"`
}

func init() {
	RegisterTransform("dedupe", func(raw json.RawMessage) (topology.TransformConfig, error) {
		var cfg = dedupeConfig{Cache: dedupe.DefaultConfig().Cache}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
		// Validate eagerly so configuration errors surface at load
		// time rather than topology build time.
		if _, err := dedupe.New("dedupe", dedupe.Config(cfg)); err != nil {
			return nil, err
		}
		return cfg, nil
	})
}

func (c dedupeConfig) TransformType() string         { return "dedupe" }
func (c dedupeConfig) InputType() topology.DataType  { return topology.DataTypeLog }
func (c dedupeConfig) OutputType() topology.DataType { return topology.DataTypeLog }
func (c dedupeConfig) NamedOutputs() []string        { return nil }

func (c dedupeConfig) Build(ctx topology.TransformContext) (transforms.Transform, error) {
	var d, err = dedupe.New(string(ctx.Key), dedupe.Config(c))
	if err != nil {
		return transforms.Transform{}, err
	}
	return transforms.NewTask(d), nil
}
