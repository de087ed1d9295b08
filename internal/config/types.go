// Package config loads and validates pipeline definitions from YAML: the
// reference implementation of the "Pipeline source" collaborator the core
// consumes (spec §6). The core itself never parses config files directly —
// the orchestrator receives a model.Pipeline in its TriggerOpts — and this
// package is the YAML loader the demonstration CLI uses to build one.
package config

import "time"

// FileConfig is the top-level structure parsed from a pipeline YAML file.
type FileConfig struct {
	Pipeline PipelineSpec `yaml:"pipeline"`
}

// PipelineSpec describes one pipeline: metadata, defaults, and its stage DAG.
type PipelineSpec struct {
	Name     string        `yaml:"name"`
	TenantID string        `yaml:"tenant_id"`
	Defaults StageDefaults `yaml:"defaults"`
	Stages   []StageSpec   `yaml:"stages"`
}

// StageDefaults holds values applied to stages that don't specify their own.
type StageDefaults struct {
	Image    string `yaml:"image"`
	Timeout  string `yaml:"timeout"`
	Priority int    `yaml:"priority"`
}

// StageSpec defines a single stage: an ordered command list in one image,
// with dependency edges to other stage names in the same pipeline.
type StageSpec struct {
	Name      string            `yaml:"name"`
	Image     string            `yaml:"image"`
	Commands  []string          `yaml:"commands"`
	DependsOn []string          `yaml:"depends_on"`
	Env       map[string]string `yaml:"env"`
	Timeout   string            `yaml:"timeout"`
	Priority  int               `yaml:"priority"`
}

// parsedTimeout parses a Go duration string, defaulting to d when empty.
func parsedTimeout(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if parsed, err := time.ParseDuration(s); err == nil {
		return parsed
	}
	return d
}
