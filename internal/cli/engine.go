package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/buildit/core/internal/backend"
	"github.com/buildit/core/internal/eventbus"
	"github.com/buildit/core/internal/orchestrator"
	"github.com/buildit/core/internal/queue"
	"github.com/buildit/core/internal/store"
)

// engine bundles the collaborators a command needs, mirroring the teacher's
// newOrchestrator() helper (internal/cli/pipeline.go): open durable state,
// build collaborators, hand back a single cleanup func.
type engine struct {
	Store        *store.Store
	Queue        *queue.Queue
	Bus          *eventbus.Bus
	Orchestrator *orchestrator.Orchestrator
}

func newEngine(ctx context.Context) (*engine, func(), error) {
	dsn := os.Getenv("BUILDIT_DSN")
	if dsn == "" {
		dsn = "postgres://localhost:5432/buildit?sslmode=disable"
	}

	log, err := newLogger()
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}

	st, err := store.Open(ctx, dsn, log)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("migrate store: %w", err)
	}

	q := queue.New(st.Pool())
	bus := eventbus.New()

	be, err := newBackend()
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	workerID := os.Getenv("BUILDIT_WORKER_ID")
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = "cli@" + host
	}

	orch := orchestrator.New(st, q, bus, be, nil, workerID, log)

	cleanup := func() { st.Close() }
	return &engine{Store: st, Queue: q, Bus: bus, Orchestrator: orch}, cleanup, nil
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("BUILDIT_DEV_LOG") != "" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// newBackend picks the Backend implementation from BUILDIT_BACKEND: "local"
// (default, runs stages as child processes via os/exec) or "cluster" (polls
// an external WorkloadManager — not wired to a real scheduler here, since
// no cluster SDK ships in this environment's dependency pack).
func newBackend() (backend.Backend, error) {
	switch os.Getenv("BUILDIT_BACKEND") {
	case "cluster":
		return nil, fmt.Errorf("cluster backend requires a WorkloadManager implementation; none is wired into the CLI")
	default:
		return backend.NewLocalBackend(), nil
	}
}

const defaultReapInterval = 30 * time.Second
const defaultStaleAfter = 5 * time.Minute
