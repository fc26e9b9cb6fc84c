package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/eventforge/eventforge/internal/storage"
)

// HandlerStore methods (handler module versions and pins)

// InsertHandler stores a handler module version. Re-uploading an
// existing name/version pair is rejected by the primary key.
func (s *Store) InsertHandler(ctx context.Context, record storage.HandlerRecord) error {
	if err := s.checkReady(ctx); err != nil {
		return err
	}

	readsJSON, err := marshalStrings(record.Reads)
	if err != nil {
		return fmt.Errorf("encode reads: %w", err)
	}
	emitsJSON, err := marshalStrings(record.Emits)
	if err != nil {
		return fmt.Errorf("encode emits: %w", err)
	}
	bindingsJSON, err := json.Marshal(record.Bindings)
	if err != nil {
		return fmt.Errorf("encode bindings: %w", err)
	}
	warningsJSON, err := marshalStrings(record.Warnings)
	if err != nil {
		return fmt.Errorf("encode warnings: %w", err)
	}

	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO handlers (name, version, reads_json, emits_json, bindings_json, module, hash, schema_version, warnings_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Name,
		record.Version,
		readsJSON,
		emitsJSON,
		string(bindingsJSON),
		record.Module,
		record.Hash,
		int64(record.SchemaVersion),
		warningsJSON,
		toMillis(record.CreatedAt),
	); err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("handler %s version %s already exists: %w", record.Name, record.Version, err)
		}
		return fmt.Errorf("insert handler: %w", err)
	}
	return nil
}

// GetHandler retrieves one stored handler version.
func (s *Store) GetHandler(ctx context.Context, name, version string) (storage.HandlerRecord, error) {
	if err := s.checkReady(ctx); err != nil {
		return storage.HandlerRecord{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT "+handlerColumns+" FROM handlers WHERE name = ? AND version = ?",
		name, version)
	record, err := scanHandler(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.HandlerRecord{}, storage.ErrNotFound
		}
		return storage.HandlerRecord{}, fmt.Errorf("get handler: %w", err)
	}
	return record, nil
}

// ListHandlerVersions returns all stored versions of one handler name.
func (s *Store) ListHandlerVersions(ctx context.Context, name string) ([]storage.HandlerRecord, error) {
	if err := s.checkReady(ctx); err != nil {
		return nil, err
	}
	return s.queryHandlers(ctx,
		"SELECT "+handlerColumns+" FROM handlers WHERE name = ? ORDER BY created_at ASC, version ASC",
		name)
}

// ListHandlers returns every stored handler version across all names.
func (s *Store) ListHandlers(ctx context.Context) ([]storage.HandlerRecord, error) {
	if err := s.checkReady(ctx); err != nil {
		return nil, err
	}
	return s.queryHandlers(ctx,
		"SELECT "+handlerColumns+" FROM handlers ORDER BY name ASC, created_at ASC, version ASC")
}

// DeleteHandler removes all versions of a handler name and its pin.
func (s *Store) DeleteHandler(ctx context.Context, name string) error {
	if err := s.checkReady(ctx); err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM handlers WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete handler: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete handler: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM handler_pins WHERE name = ?", name); err != nil {
		return fmt.Errorf("delete handler pin: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SetHandlerPin pins a handler name to one stored version.
func (s *Store) SetHandlerPin(ctx context.Context, name, version string) error {
	if err := s.checkReady(ctx); err != nil {
		return err
	}

	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO handler_pins (name, version) VALUES (?, ?)
		 ON CONFLICT (name) DO UPDATE SET version = excluded.version`,
		name, version,
	); err != nil {
		return fmt.Errorf("set handler pin: %w", err)
	}
	return nil
}

// ClearHandlerPin removes the pin for a handler name, if any.
func (s *Store) ClearHandlerPin(ctx context.Context, name string) error {
	if err := s.checkReady(ctx); err != nil {
		return err
	}

	if _, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM handler_pins WHERE name = ?", name,
	); err != nil {
		return fmt.Errorf("clear handler pin: %w", err)
	}
	return nil
}

// GetHandlerPin returns the pinned version for a handler name, or
// storage.ErrNotFound when the name is unpinned.
func (s *Store) GetHandlerPin(ctx context.Context, name string) (string, error) {
	if err := s.checkReady(ctx); err != nil {
		return "", err
	}

	var version string
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT version FROM handler_pins WHERE name = ?", name,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get handler pin: %w", err)
	}
	return version, nil
}

const handlerColumns = "name, version, reads_json, emits_json, bindings_json, module, hash, schema_version, warnings_json, created_at"

func (s *Store) queryHandlers(ctx context.Context, query string, args ...any) ([]storage.HandlerRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query handlers: %w", err)
	}
	defer rows.Close()

	var records []storage.HandlerRecord
	for rows.Next() {
		record, err := scanHandler(rows)
		if err != nil {
			return nil, fmt.Errorf("scan handler: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate handlers: %w", err)
	}
	return records, nil
}

func scanHandler(row rowScanner) (storage.HandlerRecord, error) {
	var (
		record       storage.HandlerRecord
		readsJSON    string
		emitsJSON    string
		bindingsJSON string
		warningsJSON string
		schemaVer    int64
		createdAt    int64
	)
	if err := row.Scan(
		&record.Name,
		&record.Version,
		&readsJSON,
		&emitsJSON,
		&bindingsJSON,
		&record.Module,
		&record.Hash,
		&schemaVer,
		&warningsJSON,
		&createdAt,
	); err != nil {
		return storage.HandlerRecord{}, err
	}

	if err := json.Unmarshal([]byte(readsJSON), &record.Reads); err != nil {
		return storage.HandlerRecord{}, fmt.Errorf("decode reads: %w", err)
	}
	if err := json.Unmarshal([]byte(emitsJSON), &record.Emits); err != nil {
		return storage.HandlerRecord{}, fmt.Errorf("decode emits: %w", err)
	}
	if err := json.Unmarshal([]byte(bindingsJSON), &record.Bindings); err != nil {
		return storage.HandlerRecord{}, fmt.Errorf("decode bindings: %w", err)
	}
	if err := json.Unmarshal([]byte(warningsJSON), &record.Warnings); err != nil {
		return storage.HandlerRecord{}, fmt.Errorf("decode warnings: %w", err)
	}

	record.SchemaVersion = uint64(schemaVer)
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

// marshalStrings encodes a string slice as JSON, normalizing nil to an
// empty array so round-trips stay stable.
func marshalStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
