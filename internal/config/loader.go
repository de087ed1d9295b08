package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/buildit/core/internal/model"
)

// Load reads and parses a pipeline definition from the given YAML file path,
// applies stage defaults, and decodes it into a model.Pipeline. It does not
// validate the DAG shape — callers run Validate and then hand the result to
// the DAG planner, exactly as the engine's own plan-time validation expects.
func Load(path string, tenantID, pipelineID string) (*model.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline config: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing pipeline YAML: %w", err)
	}

	applyDefaults(&fc.Pipeline)

	if fc.Pipeline.TenantID != "" {
		tenantID = fc.Pipeline.TenantID
	}

	return toPipeline(pipelineID, tenantID, &fc.Pipeline)
}

// applyDefaults merges pipeline-level defaults into stages that don't set
// their own image/priority, mirroring the teacher's model-default merge
// (internal/config/loader.go applyDefaults in the teacher repo).
func applyDefaults(p *PipelineSpec) {
	for i := range p.Stages {
		s := &p.Stages[i]
		if s.Image == "" {
			s.Image = p.Defaults.Image
		}
		if s.Priority == 0 {
			s.Priority = p.Defaults.Priority
		}
	}
}

func toPipeline(pipelineID, tenantID string, p *PipelineSpec) (*model.Pipeline, error) {
	defaultTimeout := parsedTimeout(p.Defaults.Timeout, 30*time.Minute)

	stages := make([]model.Stage, 0, len(p.Stages))
	for _, s := range p.Stages {
		stages = append(stages, model.Stage{
			Name:      s.Name,
			Image:     s.Image,
			Commands:  append([]string(nil), s.Commands...),
			DependsOn: append([]string(nil), s.DependsOn...),
			Env:       s.Env,
			Timeout:   parsedTimeout(s.Timeout, defaultTimeout),
			Priority:  s.Priority,
		})
	}

	return &model.Pipeline{
		ID:       pipelineID,
		TenantID: tenantID,
		Name:     p.Name,
		Config:   model.PipelineConfig{Stages: stages},
	}, nil
}
