// Package storage defines the persistence contracts shared by the
// runtime's registries and the execution engine.
package storage

import (
	"context"
	"fmt"
	"time"

	forgeerrors "github.com/eventforge/eventforge/internal/errors"
	"github.com/eventforge/eventforge/internal/event"
)

// ErrNotFound indicates a requested persistence record is missing.
// Callers use this to differentiate legitimate "no such entity" states
// from transport or data corruption failures.
var ErrNotFound = forgeerrors.New(forgeerrors.CodeNotFound, "record not found")

// ConflictError reports an optimistic-concurrency mismatch on append.
// Conflicts are transient: the caller re-reads context and retries.
type ConflictError struct {
	DomainID event.DomainID
	Expected uint64
	Actual   uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("position conflict on %s: expected %d, found %d",
		e.DomainID.Key(), e.Expected, e.Actual)
}

// Code lets the boundary map conflicts without type assertions.
func (e *ConflictError) Code() forgeerrors.Code { return forgeerrors.CodeConflict }

// Filter selects events for a read. Zero values mean "no constraint".
type Filter struct {
	// Types restricts results to these event types (OR).
	Types []string
	// DomainIDs restricts results to events carrying any of the ids (OR).
	DomainIDs []event.DomainID
	// AfterPosition is exclusive.
	AfterPosition uint64
	Limit         int
}

// PageRequest asks for one page of the event query boundary.
type PageRequest struct {
	Types     []string
	DomainIDs []event.DomainID
	// Cursor is an opaque token from a previous page, empty for the first.
	Cursor string
	Limit  int
}

// PageResult is one page of events plus continuation state.
type PageResult struct {
	Events     []event.Event
	NextCursor string
	HasMore    bool
}

// EventStore is the append-only, position-ordered event log.
type EventStore interface {
	// Append verifies every expected position against the per-domain-id
	// head trackers and appends all drafts in one transaction, or
	// returns *ConflictError having appended nothing. Every domain id
	// referenced by a draft must have an expected entry.
	Append(ctx context.Context, expected map[event.DomainID]uint64, drafts []event.Draft) ([]event.Event, error)
	// Read returns events matching the filter in position order.
	Read(ctx context.Context, filter Filter) ([]event.Event, error)
	// ReadWithHeads returns matching events together with the current
	// head position of every requested domain id, observed in a single
	// snapshot. Untouched ids report head 0.
	ReadWithHeads(ctx context.Context, filter Filter, ids []event.DomainID) ([]event.Event, map[event.DomainID]uint64, error)
	GetByID(ctx context.Context, id string) (event.Event, error)
	Heads(ctx context.Context, ids []event.DomainID) (map[event.DomainID]uint64, error)
	ListPage(ctx context.Context, req PageRequest) (PageResult, error)
	CountByType(ctx context.Context, eventType string) (int64, error)
	CountFieldPresence(ctx context.Context, eventType, field string) (int64, error)
}

// HandlerRecord captures a stored handler module version.
type HandlerRecord struct {
	Name    string
	Version string
	// Reads and Emits are the event types the module declares.
	Reads []string
	Emits []string
	// Bindings map command payload fields to schema domain-id fields.
	Bindings map[string]string
	Module   []byte
	// Hash is the hex SHA-256 of the module bytes.
	Hash string
	// SchemaVersion is the schema the upload validated against.
	SchemaVersion uint64
	Warnings      []string
	CreatedAt     time.Time
}

// HandlerStore persists handler module versions and the per-name pin.
type HandlerStore interface {
	InsertHandler(ctx context.Context, record HandlerRecord) error
	GetHandler(ctx context.Context, name, version string) (HandlerRecord, error)
	ListHandlerVersions(ctx context.Context, name string) ([]HandlerRecord, error)
	ListHandlers(ctx context.Context) ([]HandlerRecord, error)
	DeleteHandler(ctx context.Context, name string) error
	SetHandlerPin(ctx context.Context, name, version string) error
	ClearHandlerPin(ctx context.Context, name string) error
	GetHandlerPin(ctx context.Context, name string) (string, error)
}

// CheckpointStore persists per-projection resume positions.
type CheckpointStore interface {
	// GetCheckpoint returns the projection's last folded position, 0
	// when the projection has never run.
	GetCheckpoint(ctx context.Context, projection string) (uint64, error)
	SetCheckpoint(ctx context.Context, projection string, position uint64) error
}

// SchemaStore persists published schema versions.
type SchemaStore interface {
	CurrentSchemaVersion(ctx context.Context) (number uint64, source string, createdAt time.Time, err error)
	InsertSchemaVersion(ctx context.Context, number uint64, source string, createdAt time.Time) error
}
