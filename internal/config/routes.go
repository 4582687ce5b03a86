package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// UpstreamRoute maps a model-name prefix to an upstream base URL, letting a
// deployment route e.g. "gpt-" to OpenAI and "llama" to a local Ollama
// install without recompiling.
type UpstreamRoute struct {
	Prefix  string `yaml:"prefix"`
	BaseURL string `yaml:"base_url"`
	Kind    string `yaml:"kind"` // "openai" or "ollama"
}

// RouteTable is the optional static file named by Config.ConfigFile.
type RouteTable struct {
	Routes []UpstreamRoute `yaml:"routes"`
}

// LoadRouteTable reads and parses path as YAML. A missing path is not an
// error: callers fall back to the two env-configured default upstreams.
func LoadRouteTable(path string) (RouteTable, error) {
	if path == "" {
		return RouteTable{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RouteTable{}, nil
		}
		return RouteTable{}, fmt.Errorf("read route table %s: %w", path, err)
	}
	var rt RouteTable
	if err := yaml.Unmarshal(data, &rt); err != nil {
		return RouteTable{}, fmt.Errorf("parse route table %s: %w", path, err)
	}
	return rt, nil
}
