package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/buildit/core/internal/model"
)

// CreatePipeline inserts a new pipeline revision. Uniqueness is enforced by
// (tenant_id, name); a conflict is reported as a wrapped unique-violation
// error rather than silently upserting, since pipeline updates are a new
// logical revision per spec §3, not an in-place mutation.
func (s *Store) CreatePipeline(ctx context.Context, p model.Pipeline) (model.Pipeline, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return model.Pipeline{}, fmt.Errorf("marshal config: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO pipelines (id, tenant_id, name, config) VALUES ($1, $2, $3, $4)`,
		p.ID, p.TenantID, p.Name, cfg,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Pipeline{}, fmt.Errorf("pipeline %q already exists for tenant %q: %w", p.Name, p.TenantID, err)
		}
		return model.Pipeline{}, fmt.Errorf("insert pipeline: %w", err)
	}
	return p, nil
}

// GetPipeline fetches a pipeline by ID.
func (s *Store) GetPipeline(ctx context.Context, id string) (model.Pipeline, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, config FROM pipelines WHERE id = $1`, id)
	return scanPipeline(row)
}

// GetPipelineByName fetches a pipeline by its (tenant_id, name) key.
func (s *Store) GetPipelineByName(ctx context.Context, tenantID, name string) (model.Pipeline, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, config FROM pipelines WHERE tenant_id = $1 AND name = $2`, tenantID, name)
	return scanPipeline(row)
}

func scanPipeline(row pgx.Row) (model.Pipeline, error) {
	var p model.Pipeline
	var cfg []byte
	if err := row.Scan(&p.ID, &p.TenantID, &p.Name, &cfg); err != nil {
		if err == pgx.ErrNoRows {
			return model.Pipeline{}, ErrNotFound
		}
		return model.Pipeline{}, fmt.Errorf("scan pipeline: %w", err)
	}
	if err := json.Unmarshal(cfg, &p.Config); err != nil {
		return model.Pipeline{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return p, nil
}
