package database

import (
	"context"
	"fmt"
	"time"

	"photobak/internal/backup"
)

// Cycle history

func (s *SQLiteStore) CreateCycle(ctx context.Context, operation, parameters string, startedAt time.Time) (*backup.Cycle, error) {
	c := &backup.Cycle{
		Operation:  operation,
		Parameters: parameters,
		Status:     "running",
		StartedAt:  startedAt.UTC(),
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO cycles (operation, parameters, status, started_at)
		VALUES (:operation, :parameters, :status, :started_at)`,
		c)
	if err != nil {
		return nil, fmt.Errorf("creating cycle: %w", err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("creating cycle: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) FinishCycle(ctx context.Context, id int64, status, summary string, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cycles SET status = ?, summary = ?, finished_at = ? WHERE id = ?`,
		status, summary, finishedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("finishing cycle %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finishing cycle %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("cycle %d: %w", id, backup.ErrNotFound)
	}
	return nil
}

// ListCycles returns the most recent cycles, newest first.
func (s *SQLiteStore) ListCycles(ctx context.Context, limit int) ([]*backup.Cycle, error) {
	var cycles []*backup.Cycle
	err := s.db.SelectContext(ctx, &cycles, `
		SELECT id, operation, parameters, status, summary, started_at, finished_at
		FROM cycles
		ORDER BY id DESC
		LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("listing cycles: %w", err)
	}
	return cycles, nil
}

// MaxCycleID returns the id of the latest cycle, or 0 when there is none.
// It versions ledger snapshots uploaded to the vault.
func (s *SQLiteStore) MaxCycleID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.GetContext(ctx, &id, `SELECT COALESCE(MAX(id), 0) FROM cycles`); err != nil {
		return 0, fmt.Errorf("reading max cycle id: %w", err)
	}
	return id, nil
}
