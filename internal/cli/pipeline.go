package cli

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/buildit/core/internal/config"
	"github.com/buildit/core/internal/model"
)

const defaultTenant = "default"

// loadPipeline parses and validates a pipeline YAML file, then ensures a
// matching row exists in the Store: reuse the pipeline by (tenant, name) if
// one was already registered, otherwise register a new one. Mirrors the
// teacher's pipelineCreateCmd/pipelineAdvanceCmd split, collapsed into one
// step since this engine's Pipeline rows are immutable config snapshots
// rather than mutable GitHub-issue-backed records.
func loadPipeline(ctx context.Context, e *engine, path string) (model.Pipeline, error) {
	p, err := config.Load(path, defaultTenant, uuid.NewString())
	if err != nil {
		return model.Pipeline{}, err
	}
	if errs := config.Validate(p); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		return model.Pipeline{}, fmt.Errorf("invalid pipeline: %v", msgs)
	}

	existing, err := e.Store.GetPipelineByName(ctx, p.TenantID, p.Name)
	if err == nil {
		existing.Config = p.Config
		return existing, nil
	}

	return e.Store.CreatePipeline(ctx, *p)
}
