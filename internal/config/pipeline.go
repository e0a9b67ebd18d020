package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"conveyor/internal/spec"
)

const SupportedSchema = "v1"

// LoadPipelineSpec parses a pipeline YAML, validates schema_version and
// connector uniqueness, and resolves config paths relative to the
// pipeline file.
func LoadPipelineSpec(path string) (spec.File, error) {
	var cfg spec.File
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SupportedSchema
	}
	if cfg.SchemaVersion != SupportedSchema {
		return cfg, fmt.Errorf("pipeline schema_version %q not supported (want %q)", cfg.SchemaVersion, SupportedSchema)
	}

	dir := filepath.Dir(path)
	cfg.Journal.Config = resolve(dir, cfg.Journal.Config)
	seen := make(map[string]struct{}, len(cfg.Connectors))
	for i, c := range cfg.Connectors {
		if c.Name == "" {
			return cfg, fmt.Errorf("pipeline: connector %d has no name", i)
		}
		if _, dup := seen[c.Name]; dup {
			return cfg, fmt.Errorf("pipeline: duplicate connector name %q", c.Name)
		}
		seen[c.Name] = struct{}{}
		switch c.Kind {
		case spec.KindSource, spec.KindSink:
		default:
			return cfg, fmt.Errorf("pipeline: connector %q has unknown kind %q", c.Name, c.Kind)
		}
		cfg.Connectors[i].Config = resolve(dir, c.Config)
	}
	return cfg, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
