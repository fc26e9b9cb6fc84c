package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CheckpointStore methods (projection resume positions)

// GetCheckpoint returns the projection's last folded position, 0 when
// the projection has never run.
func (s *Store) GetCheckpoint(ctx context.Context, projection string) (uint64, error) {
	if err := s.checkReady(ctx); err != nil {
		return 0, err
	}

	var position int64
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT position FROM projection_checkpoints WHERE name = ?", projection,
	).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get checkpoint %s: %w", projection, err)
	}
	return uint64(position), nil
}

// SetCheckpoint records the projection's last folded position.
func (s *Store) SetCheckpoint(ctx context.Context, projection string, position uint64) error {
	if err := s.checkReady(ctx); err != nil {
		return err
	}

	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO projection_checkpoints (name, position) VALUES (?, ?)
		 ON CONFLICT (name) DO UPDATE SET position = excluded.position`,
		projection, int64(position),
	); err != nil {
		return fmt.Errorf("set checkpoint %s: %w", projection, err)
	}
	return nil
}
