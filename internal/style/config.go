// Package style implements the built-in declarative profile: layers are
// described in a YAML file as tag-matching rules with a sort key, no code
// required.
package style

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root of a style file.
type Config struct {
	Layers []LayerConfig `yaml:"layers"`
}

// LayerConfig defines one output layer.
type LayerConfig struct {
	// Name of the layer in the rendered output
	Name string `yaml:"name"`
	// SortKey orders this layer's features in the sorted stream
	SortKey int64 `yaml:"sort_key"`
	// Types selects which element kinds feed the layer:
	// "node", "way", "area" (closed ways as polygons), "multipolygon",
	// "relation" (preprocessed; member ways are rendered into the layer)
	Types []string `yaml:"types"`
	// Filter rules applied to the element's tags
	Filter FilterConfig `yaml:",inline"`
}

// FilterConfig defines tag-matching rules for a layer
type FilterConfig struct {
	// Include specifies which tag keys/values to include.
	// If empty, all tags are included (no filtering)
	Include map[string][]string `yaml:"include,omitempty"`
	// Exclude specifies which tag keys/values to exclude.
	// Applied after include rules
	Exclude map[string][]string `yaml:"exclude,omitempty"`
	// RequireAny specifies that at least one of these tags must be present
	RequireAny []string `yaml:"require_any,omitempty"`
}

// Load reads a style configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read style file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse style YAML: %w", err)
	}
	if len(cfg.Layers) == 0 {
		return nil, fmt.Errorf("style file defines no layers")
	}
	for i, l := range cfg.Layers {
		if l.Name == "" {
			return nil, fmt.Errorf("layer %d has no name", i)
		}
	}
	return &cfg, nil
}

// Filter checks tags against a FilterConfig.
type Filter struct {
	cfg *FilterConfig
}

// NewFilter creates a filter from configuration.
func NewFilter(cfg *FilterConfig) *Filter {
	if cfg == nil {
		return &Filter{cfg: &FilterConfig{}}
	}
	return &Filter{cfg: cfg}
}

// Match returns true if the feature should be included.
func (f *Filter) Match(tags map[string]string) bool {
	if f.cfg == nil {
		return true
	}

	if len(f.cfg.RequireAny) > 0 {
		found := false
		for _, key := range f.cfg.RequireAny {
			if _, ok := tags[key]; ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.cfg.Include) > 0 {
		matched := false
		for key, values := range f.cfg.Include {
			if tagValue, ok := tags[key]; ok {
				// no specific values means any value matches
				if len(values) == 0 {
					matched = true
					break
				}
				for _, v := range values {
					if v == tagValue || v == "*" {
						matched = true
						break
					}
				}
				if matched {
					break
				}
			}
		}
		if !matched {
			return false
		}
	}

	if len(f.cfg.Exclude) > 0 {
		for key, values := range f.cfg.Exclude {
			if tagValue, ok := tags[key]; ok {
				if len(values) == 0 {
					return false
				}
				for _, v := range values {
					if v == tagValue || v == "*" {
						return false
					}
				}
			}
		}
	}

	return true
}
