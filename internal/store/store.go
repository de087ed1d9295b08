// Package store is the transactional relational persistence layer (spec
// §4.B): pipeline and run creation and lookup, stage-result status
// updates, append-only log insert, and history queries, plus the job_queue
// table the queue package operates on directly. Tenants are only an ID
// column on pipelines; there is no tenant table.
//
// The teacher's internal/db.DB wraps a *sql.DB opened against SQLite with a
// single embedded schema constant applied via exec-if-not-exists DDL, and
// exposes query methods directly off the DB type. Store keeps that same
// shape — one wrapper type, one embedded schema, methods grouped by entity
// in sibling files — but is backed by Postgres via pgx/pgxpool so the
// "acquiring an exclusive row lock that skips already-locked rows" claim
// semantics in spec §4.C have a real SELECT ... FOR UPDATE SKIP LOCKED to
// rest on; SQLite has no equivalent locking primitive.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrNotFound is returned by single-row lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// Store wraps a pgx connection pool and provides the engine's repository
// operations. All multi-row mutations run inside a transaction (spec §4.B).
type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// Open connects to Postgres at dsn and returns a Store. It does not run
// Migrate; call Migrate explicitly once at startup.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{pool: pool, log: log}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for the queue package, which runs its
// own FOR UPDATE SKIP LOCKED transactions directly against the job_queue
// table (spec §4.C is a lease protocol layered over a Store-owned table,
// not a separate store).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate applies the embedded schema. Idempotent: safe to call on every
// process start, matching the teacher's db.Open running schemaV1
// unconditionally via CREATE TABLE IF NOT EXISTS.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaV1); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation,
// used to detect run-number races (spec §4.B ordering guarantee) and
// duplicate pipeline names.
func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
