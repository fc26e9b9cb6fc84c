package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/eventforge/eventforge/internal/event"
	"github.com/eventforge/eventforge/internal/platform/id"
	"github.com/eventforge/eventforge/internal/storage"
	"github.com/eventforge/eventforge/internal/storage/cursor"
)

// EventStore methods (append-only event log)

// Append verifies every expected position against the stream head
// trackers and appends all drafts in one transaction. On a mismatch it
// returns *storage.ConflictError and appends nothing. Every domain id
// the drafts reference must have an expected entry, so no stream head
// ever advances unchecked.
func (s *Store) Append(ctx context.Context, expected map[event.DomainID]uint64, drafts []event.Draft) ([]event.Event, error) {
	if err := s.checkReady(ctx); err != nil {
		return nil, err
	}
	if len(drafts) == 0 {
		return nil, fmt.Errorf("append requires at least one draft")
	}

	// Validate and encode all drafts before opening a transaction.
	prepared := make([]event.Draft, len(drafts))
	for i, draft := range drafts {
		if strings.TrimSpace(draft.Type) == "" {
			return nil, fmt.Errorf("draft %d: event type is required", i)
		}
		if len(draft.PayloadJSON) == 0 {
			if err := draft.EncodePayload(); err != nil {
				return nil, fmt.Errorf("draft %d: %w", i, err)
			}
		}
		event.SortDomainIDs(draft.DomainIDs)
		for _, domainID := range draft.DomainIDs {
			if _, ok := expected[domainID]; !ok {
				return nil, fmt.Errorf("draft %d references %s with no expected position", i, domainID.Key())
			}
		}
		prepared[i] = draft
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO log_head (id, next_position) VALUES (1, 1)",
	); err != nil {
		return nil, fmt.Errorf("init log head: %w", err)
	}

	var basePosition int64
	if err := tx.QueryRowContext(ctx,
		"SELECT next_position FROM log_head WHERE id = 1",
	).Scan(&basePosition); err != nil {
		return nil, fmt.Errorf("get log head: %w", err)
	}

	// Check expected positions in deterministic order so concurrent
	// callers report the same conflict first.
	checks := make([]event.DomainID, 0, len(expected))
	for domainID := range expected {
		checks = append(checks, domainID)
	}
	event.SortDomainIDs(checks)
	for _, domainID := range checks {
		actual, err := streamHead(ctx, tx, domainID)
		if err != nil {
			return nil, err
		}
		if actual != expected[domainID] {
			return nil, &storage.ConflictError{
				DomainID: domainID,
				Expected: expected[domainID],
				Actual:   actual,
			}
		}
	}

	timestamp := s.now().Truncate(time.Millisecond)
	stored := make([]event.Event, len(prepared))
	for i, draft := range prepared {
		eventID, err := id.NewID()
		if err != nil {
			return nil, fmt.Errorf("event %d: generate id: %w", i, err)
		}
		evt := event.Event{
			ID:            eventID,
			Position:      uint64(basePosition) + uint64(i),
			Type:          draft.Type,
			Timestamp:     timestamp,
			DomainIDs:     draft.DomainIDs,
			PayloadJSON:   draft.PayloadJSON,
			CorrelationID: draft.CorrelationID,
			CausationID:   draft.CausationID,
		}

		domainIDsJSON, err := encodeDomainIDs(evt.DomainIDs)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (position, id, event_type, timestamp, domain_ids_json, payload_json, correlation_id, causation_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(evt.Position),
			evt.ID,
			evt.Type,
			toMillis(evt.Timestamp),
			domainIDsJSON,
			string(evt.PayloadJSON),
			evt.CorrelationID,
			evt.CausationID,
		); err != nil {
			return nil, fmt.Errorf("append event %d: %w", i, err)
		}

		for _, domainID := range evt.DomainIDs {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO event_domain_ids (field, value, position) VALUES (?, ?, ?)",
				domainID.Field, domainID.Value, int64(evt.Position),
			); err != nil {
				return nil, fmt.Errorf("index event %d: %w", i, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO stream_heads (field, value, head) VALUES (?, ?, ?)
				 ON CONFLICT (field, value) DO UPDATE SET head = excluded.head`,
				domainID.Field, domainID.Value, int64(evt.Position),
			); err != nil {
				return nil, fmt.Errorf("advance stream head %d: %w", i, err)
			}
		}

		stored[i] = evt
	}

	// Advance the log counter to account for all appended events.
	nextPosition := basePosition + int64(len(prepared))
	if _, err := tx.ExecContext(ctx,
		"UPDATE log_head SET next_position = ? WHERE id = 1",
		nextPosition,
	); err != nil {
		return nil, fmt.Errorf("update log head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return stored, nil
}

// Read returns events matching the filter in position order.
func (s *Store) Read(ctx context.Context, filter storage.Filter) ([]event.Event, error) {
	if err := s.checkReady(ctx); err != nil {
		return nil, err
	}
	return queryEvents(ctx, s.sqlDB, filter)
}

// ReadWithHeads returns matching events together with the current head
// position of every requested domain id, observed in one transaction.
func (s *Store) ReadWithHeads(ctx context.Context, filter storage.Filter, ids []event.DomainID) ([]event.Event, map[event.DomainID]uint64, error) {
	if err := s.checkReady(ctx); err != nil {
		return nil, nil, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	events, err := queryEvents(ctx, tx, filter)
	if err != nil {
		return nil, nil, err
	}

	heads := make(map[event.DomainID]uint64, len(ids))
	for _, domainID := range ids {
		head, err := streamHead(ctx, tx, domainID)
		if err != nil {
			return nil, nil, err
		}
		heads[domainID] = head
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	return events, heads, nil
}

// GetByID retrieves a single event by its globally unique id.
func (s *Store) GetByID(ctx context.Context, eventID string) (event.Event, error) {
	if err := s.checkReady(ctx); err != nil {
		return event.Event{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE id = ?", eventID)
	evt, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.Event{}, storage.ErrNotFound
		}
		return event.Event{}, fmt.Errorf("get event by id: %w", err)
	}
	return evt, nil
}

// Heads returns the current head position of every requested domain
// id. Ids with no events report head 0.
func (s *Store) Heads(ctx context.Context, ids []event.DomainID) (map[event.DomainID]uint64, error) {
	if err := s.checkReady(ctx); err != nil {
		return nil, err
	}

	heads := make(map[event.DomainID]uint64, len(ids))
	for _, domainID := range ids {
		head, err := streamHead(ctx, s.sqlDB, domainID)
		if err != nil {
			return nil, err
		}
		heads[domainID] = head
	}
	return heads, nil
}

// ListPage returns one page of events for the query boundary. Cursors
// are opaque and bound to the filter they were issued for.
func (s *Store) ListPage(ctx context.Context, req storage.PageRequest) (storage.PageResult, error) {
	if err := s.checkReady(ctx); err != nil {
		return storage.PageResult{}, err
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}
	if req.Limit > 200 {
		req.Limit = 200
	}

	filterKey := canonicalFilter(req)

	var afterPosition uint64
	if req.Cursor != "" {
		c, err := cursor.Decode(req.Cursor)
		if err != nil {
			return storage.PageResult{}, fmt.Errorf("decode cursor: %w", err)
		}
		if err := cursor.ValidateFilterHash(c, filterKey); err != nil {
			return storage.PageResult{}, fmt.Errorf("validate cursor: %w", err)
		}
		afterPosition = c.Position
	}

	filter := storage.Filter{
		Types:         req.Types,
		DomainIDs:     req.DomainIDs,
		AfterPosition: afterPosition,
		Limit:         req.Limit + 1,
	}
	events, err := queryEvents(ctx, s.sqlDB, filter)
	if err != nil {
		return storage.PageResult{}, err
	}

	hasMore := len(events) > req.Limit
	if hasMore {
		events = events[:req.Limit]
	}

	result := storage.PageResult{Events: events, HasMore: hasMore}
	if hasMore {
		token, err := cursor.Encode(cursor.New(events[len(events)-1].Position, filterKey))
		if err != nil {
			return storage.PageResult{}, fmt.Errorf("encode cursor: %w", err)
		}
		result.NextCursor = token
	}
	return result, nil
}

// CountByType counts committed events of the given type.
func (s *Store) CountByType(ctx context.Context, eventType string) (int64, error) {
	if err := s.checkReady(ctx); err != nil {
		return 0, err
	}

	var count int64
	if err := s.sqlDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE event_type = ?", eventType,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events by type: %w", err)
	}
	return count, nil
}

// CountFieldPresence counts committed events of the given type whose
// payload carries the field.
func (s *Store) CountFieldPresence(ctx context.Context, eventType, field string) (int64, error) {
	if err := s.checkReady(ctx); err != nil {
		return 0, err
	}

	path := `$."` + field + `"`
	var count int64
	if err := s.sqlDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE event_type = ? AND json_type(payload_json, ?) IS NOT NULL",
		eventType, path,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count field presence: %w", err)
	}
	return count, nil
}

// querier abstracts *sql.DB and *sql.Tx for read paths.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryEvents(ctx context.Context, q querier, filter storage.Filter) ([]event.Event, error) {
	plan := buildEventQueryPlan(filter)

	query := fmt.Sprintf(
		"SELECT %s FROM events WHERE %s ORDER BY position ASC",
		eventColumns, plan.whereClause,
	)
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, plan.params...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func streamHead(ctx context.Context, q querier, domainID event.DomainID) (uint64, error) {
	var head int64
	err := q.QueryRowContext(ctx,
		"SELECT head FROM stream_heads WHERE field = ? AND value = ?",
		domainID.Field, domainID.Value,
	).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get stream head %s: %w", domainID.Key(), err)
	}
	return uint64(head), nil
}

const eventColumns = "position, id, event_type, timestamp, domain_ids_json, payload_json, correlation_id, causation_id"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (event.Event, error) {
	var (
		position      int64
		eventID       string
		eventType     string
		timestamp     int64
		domainIDsJSON string
		payloadJSON   string
		correlationID string
		causationID   string
	)
	if err := row.Scan(&position, &eventID, &eventType, &timestamp, &domainIDsJSON, &payloadJSON, &correlationID, &causationID); err != nil {
		return event.Event{}, err
	}

	domainIDs, err := decodeDomainIDs(domainIDsJSON)
	if err != nil {
		return event.Event{}, fmt.Errorf("event %s: %w", eventID, err)
	}

	return event.Event{
		ID:            eventID,
		Position:      uint64(position),
		Type:          eventType,
		Timestamp:     fromMillis(timestamp),
		DomainIDs:     domainIDs,
		PayloadJSON:   []byte(payloadJSON),
		CorrelationID: correlationID,
		CausationID:   causationID,
	}, nil
}

func encodeDomainIDs(ids []event.DomainID) (string, error) {
	keys := make([]string, len(ids))
	for i, domainID := range ids {
		keys[i] = domainID.Key()
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return "", fmt.Errorf("encode domain ids: %w", err)
	}
	return string(data), nil
}

func decodeDomainIDs(raw string) ([]event.DomainID, error) {
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("decode domain ids: %w", err)
	}
	ids := make([]event.DomainID, 0, len(keys))
	for _, key := range keys {
		domainID, err := event.ParseKey(key)
		if err != nil {
			return nil, err
		}
		ids = append(ids, domainID)
	}
	return ids, nil
}

// canonicalFilter renders a page request's filter as a stable string
// so cursors can be bound to it.
func canonicalFilter(req storage.PageRequest) string {
	types := append([]string(nil), req.Types...)
	sort.Strings(types)

	keys := make([]string, len(req.DomainIDs))
	for i, domainID := range req.DomainIDs {
		keys[i] = domainID.Key()
	}
	sort.Strings(keys)

	if len(types) == 0 && len(keys) == 0 {
		return ""
	}
	return "types=" + strings.Join(types, ",") + "|ids=" + strings.Join(keys, ",")
}
