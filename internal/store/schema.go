package store

// schemaV1 is the full DDL for the engine's durable tables (spec §3). It is
// applied idempotently by Migrate, mirroring the teacher's single embedded
// schemaV1 constant in internal/db/db.go, adapted from SQLite's CREATE TABLE
// IF NOT EXISTS dialect to Postgres.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS pipelines (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    name        TEXT NOT NULL,
    config      JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS runs (
    id           TEXT PRIMARY KEY,
    pipeline_id  TEXT NOT NULL REFERENCES pipelines(id),
    number       INTEGER NOT NULL,
    status       TEXT NOT NULL CHECK (status IN ('queued','running','succeeded','failed','cancelled')),
    trigger_kind TEXT NOT NULL DEFAULT '',
    trigger_user TEXT NOT NULL DEFAULT '',
    git_sha      TEXT NOT NULL DEFAULT '',
    git_branch   TEXT NOT NULL DEFAULT '',
    git_message  TEXT NOT NULL DEFAULT '',
    git_author   TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at   TIMESTAMPTZ,
    finished_at  TIMESTAMPTZ,
    UNIQUE (pipeline_id, number)
);
CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON runs(pipeline_id, number DESC);

CREATE TABLE IF NOT EXISTS stage_results (
    run_id       TEXT NOT NULL REFERENCES runs(id),
    stage_name   TEXT NOT NULL,
    status       TEXT NOT NULL CHECK (status IN ('pending','running','succeeded','failed','skipped','cancelled')),
    started_at   TIMESTAMPTZ,
    finished_at  TIMESTAMPTZ,
    error        TEXT NOT NULL DEFAULT '',
    job_id       TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (run_id, stage_name)
);

CREATE TABLE IF NOT EXISTS job_queue (
    id          TEXT PRIMARY KEY,
    run_id      TEXT NOT NULL REFERENCES runs(id),
    stage_name  TEXT NOT NULL,
    priority    INTEGER NOT NULL DEFAULT 0,
    status      TEXT NOT NULL CHECK (status IN ('pending','running','completed','failed')),
    claimed_by  TEXT NOT NULL DEFAULT '',
    claimed_at  TIMESTAMPTZ,
    error       TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_queue_claim ON job_queue(status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_queue_stall ON job_queue(status, claimed_at) WHERE status = 'running';

CREATE TABLE IF NOT EXISTS log_lines (
    run_id      TEXT NOT NULL,
    stage_name  TEXT NOT NULL,
    ts          TIMESTAMPTZ NOT NULL,
    seq         BIGSERIAL,
    stream      TEXT NOT NULL CHECK (stream IN ('stdout','stderr')),
    content     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_log_lines_order ON log_lines(run_id, stage_name, seq);
`
