package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/eventforge/eventforge/internal/storage"
)

// SchemaStore methods (published schema versions)

// CurrentSchemaVersion returns the highest published schema version,
// or storage.ErrNotFound when none has been published yet.
func (s *Store) CurrentSchemaVersion(ctx context.Context) (uint64, string, time.Time, error) {
	if err := s.checkReady(ctx); err != nil {
		return 0, "", time.Time{}, err
	}

	var (
		number    int64
		source    string
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT number, source, created_at FROM schema_versions ORDER BY number DESC LIMIT 1",
	).Scan(&number, &source, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", time.Time{}, storage.ErrNotFound
	}
	if err != nil {
		return 0, "", time.Time{}, fmt.Errorf("get current schema version: %w", err)
	}
	return uint64(number), source, fromMillis(createdAt), nil
}

// InsertSchemaVersion publishes a new schema version. The primary key
// on the version number rejects concurrent publishes of the same
// successor.
func (s *Store) InsertSchemaVersion(ctx context.Context, number uint64, source string, createdAt time.Time) error {
	if err := s.checkReady(ctx); err != nil {
		return err
	}

	if _, err := s.sqlDB.ExecContext(ctx,
		"INSERT INTO schema_versions (number, source, created_at) VALUES (?, ?, ?)",
		int64(number), source, toMillis(createdAt),
	); err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("schema version %d already published: %w", number, err)
		}
		return fmt.Errorf("insert schema version: %w", err)
	}
	return nil
}
