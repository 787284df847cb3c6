package components

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tributary-io/tributary/enrichment"
	"github.com/tributary-io/tributary/topology"
)

// FileTableConfig loads a CSV file as an enrichment table.
type FileTableConfig struct {
	Path       string      `json:"path"`
	IndexSpecs []indexSpec `json:"indexes,omitempty"`
}

type indexSpec struct {
	CaseSensitive bool     `json:"case_sensitive"`
	Fields        []string `json:"fields"`
}

func init() {
	RegisterTable("file", func(raw json.RawMessage) (topology.EnrichmentTableConfig, error) {
		var cfg FileTableConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
		if cfg.Path == "" {
			return nil, fmt.Errorf("enrichment file table requires a path")
		}
		return cfg, nil
	})
}

func (c FileTableConfig) Build(topology.GlobalOptions) (enrichment.Table, error) {
	return enrichment.LoadFileTable(c.Path)
}

func (c FileTableConfig) Indexes() []enrichment.IndexFields {
	var out = make([]enrichment.IndexFields, len(c.IndexSpecs))
	for i, index := range c.IndexSpecs {
		out[i] = enrichment.IndexFields{
			CaseSensitive: index.CaseSensitive,
			Fields:        index.Fields,
		}
	}
	return out
}
