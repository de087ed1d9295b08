package store

import (
	"context"
	"fmt"

	"github.com/buildit/core/internal/model"
)

// AppendLogLine inserts one append-only log line. The table's seq column
// records insertion order, and ListLogLines orders by seq rather than ts,
// since wall-clock resolution is coarser than line-emission rate under heavy
// output.
func (s *Store) AppendLogLine(ctx context.Context, l model.LogLine) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO log_lines (run_id, stage_name, ts, stream, content) VALUES ($1,$2,$3,$4,$5)`,
		l.RunID, l.StageName, l.Timestamp, l.Stream, l.Content,
	)
	if err != nil {
		return fmt.Errorf("append log line: %w", err)
	}
	return nil
}

// ListLogLines returns a stage's log lines in emission order.
func (s *Store) ListLogLines(ctx context.Context, runID, stageName string) ([]model.LogLine, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, stage_name, ts, stream, content FROM log_lines
		 WHERE run_id = $1 AND stage_name = $2 ORDER BY seq ASC`,
		runID, stageName,
	)
	if err != nil {
		return nil, fmt.Errorf("list log lines: %w", err)
	}
	defer rows.Close()

	var out []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.RunID, &l.StageName, &l.Timestamp, &l.Stream, &l.Content); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
