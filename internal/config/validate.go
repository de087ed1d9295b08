package config

import (
	"fmt"

	"github.com/buildit/core/internal/model"
)

// ValidationError represents a single structural issue with a pipeline.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a decoded pipeline for structural errors: required fields,
// unique stage names, and depends_on references to defined stages. Cycle
// detection is deliberately NOT performed here — that is the DAG planner's
// job (spec §4.F rule 3), run once at plan time with the full error detail
// (which edges form the cycle) the planner is positioned to report.
func Validate(p *model.Pipeline) []ValidationError {
	var errs []ValidationError

	if p.Name == "" {
		errs = append(errs, ValidationError{Field: "pipeline.name", Message: "is required"})
	}
	if len(p.Config.Stages) == 0 {
		errs = append(errs, ValidationError{Field: "pipeline.stages", Message: "at least one stage is required"})
	}

	names := make(map[string]bool, len(p.Config.Stages))
	for i, s := range p.Config.Stages {
		if s.Name == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("pipeline.stages[%d].name", i),
				Message: "is required",
			})
			continue
		}
		if names[s.Name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("pipeline.stages[%d].name", i),
				Message: fmt.Sprintf("duplicate stage name %q", s.Name),
			})
		}
		names[s.Name] = true
	}

	for i, s := range p.Config.Stages {
		for _, dep := range s.DependsOn {
			if !names[dep] {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("pipeline.stages[%d].depends_on", i),
					Message: fmt.Sprintf("references undefined stage %q", dep),
				})
			}
		}
		if len(s.Commands) == 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("pipeline.stages[%d].commands", i),
				Message: "at least one command is required",
			})
		}
		if s.Image == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("pipeline.stages[%d].image", i),
				Message: "is required",
			})
		}
	}

	return errs
}
