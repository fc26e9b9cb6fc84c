package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	forgeerrors "github.com/eventforge/eventforge/internal/errors"
	"github.com/eventforge/eventforge/internal/storage"
)

// Store persists schema versions. Implemented by the SQLite store.
type Store interface {
	// CurrentSchemaVersion returns the highest published version, or
	// storage.ErrNotFound when none has been published yet.
	CurrentSchemaVersion(ctx context.Context) (uint64, string, time.Time, error)
	// InsertSchemaVersion publishes a new version. It must fail if the
	// version number already exists (compare-and-swap on the version
	// pointer).
	InsertSchemaVersion(ctx context.Context, number uint64, source string, createdAt time.Time) error
}

// EventCounter reports how many persisted events a breaking change touches.
// Implemented by the event store.
type EventCounter interface {
	CountByType(ctx context.Context, eventType string) (int64, error)
	CountFieldPresence(ctx context.Context, eventType, field string) (int64, error)
}

// BreakingError reports a publish blocked by breaking changes.
type BreakingError struct {
	Diff Diff
}

func (e *BreakingError) Error() string {
	return fmt.Sprintf("schema change is breaking: %s", e.Diff.Summary())
}

// Code lets the boundary map this outcome without unwrapping the diff.
func (e *BreakingError) Code() forgeerrors.Code { return forgeerrors.CodeBreakingChange }

// Registry is the versioned schema catalog. Publication is serialized
// through the registry mutex (single admin writer); reads are served
// from the cached current version and never block command execution.
type Registry struct {
	store   Store
	counter EventCounter
	now     func() time.Time

	mu      sync.RWMutex
	current *Version
}

// NewRegistry builds a registry over the given stores. The counter may
// be nil, in which case breaking reports omit affected-event counts.
func NewRegistry(store Store, counter EventCounter) *Registry {
	return &Registry{store: store, counter: counter, now: time.Now}
}

// Load primes the cached current version from the store. Call at startup.
func (r *Registry) Load(ctx context.Context) error {
	version, err := r.loadCurrent(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.current = version
	r.mu.Unlock()
	return nil
}

// Current returns the current schema version. Version 0 with an empty
// definition is returned before any publish.
func (r *Registry) Current(ctx context.Context) (Version, error) {
	r.mu.RLock()
	cached := r.current
	r.mu.RUnlock()
	if cached != nil {
		return *cached, nil
	}
	if err := r.Load(ctx); err != nil {
		return Version{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *r.current, nil
}

// Propose parses the schema text and diffs it against the current
// version without mutating anything. Breaking changes carry the count
// of persisted events they would affect.
func (r *Registry) Propose(ctx context.Context, text string) (Diff, error) {
	proposed, err := Parse(text)
	if err != nil {
		return Diff{}, err
	}

	current, err := r.Current(ctx)
	if err != nil {
		return Diff{}, err
	}

	diff := Compare(current.Definition, proposed)
	if err := r.fillAffectedCounts(ctx, &diff); err != nil {
		return Diff{}, err
	}
	return diff, nil
}

// Publish validates and publishes a new schema version. Breaking
// changes are rejected with *BreakingError unless force is set. Prior
// events remain readable under the old shape; history is append-only.
func (r *Registry) Publish(ctx context.Context, text string, force bool) (Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	proposed, err := Parse(text)
	if err != nil {
		return Version{}, err
	}

	current := r.current
	if current == nil {
		loaded, err := r.loadCurrent(ctx)
		if err != nil {
			return Version{}, err
		}
		current = loaded
	}

	diff := Compare(current.Definition, proposed)
	if diff.HasBreaking() {
		if err := r.fillAffectedCounts(ctx, &diff); err != nil {
			return Version{}, err
		}
		if !force {
			return Version{}, &BreakingError{Diff: diff}
		}
	}

	next := Version{
		Number:     current.Number + 1,
		Source:     text,
		Definition: proposed,
		CreatedAt:  r.now().UTC().Truncate(time.Millisecond),
	}
	if err := r.store.InsertSchemaVersion(ctx, next.Number, next.Source, next.CreatedAt); err != nil {
		return Version{}, fmt.Errorf("publish schema version %d: %w", next.Number, err)
	}

	r.current = &next
	return next, nil
}

func (r *Registry) loadCurrent(ctx context.Context) (*Version, error) {
	number, source, createdAt, err := r.store.CurrentSchemaVersion(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &Version{Number: 0, Definition: Definition{Types: map[string]EventType{}}}, nil
		}
		return nil, fmt.Errorf("load current schema: %w", err)
	}
	def, err := Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parse stored schema version %d: %w", number, err)
	}
	return &Version{Number: number, Source: source, Definition: def, CreatedAt: createdAt}, nil
}

func (r *Registry) fillAffectedCounts(ctx context.Context, diff *Diff) error {
	if r.counter == nil {
		return nil
	}
	for i := range diff.Changes {
		change := &diff.Changes[i]
		if !change.Breaking {
			continue
		}
		var (
			count int64
			err   error
		)
		switch change.Kind {
		case ChangeTypeRemoved:
			count, err = r.counter.CountByType(ctx, change.EventType)
		case ChangeFieldRemoved, ChangeFieldTypeChanged:
			count, err = r.counter.CountFieldPresence(ctx, change.EventType, change.Field)
		case ChangeFieldRequired:
			// Existing events lack the new field by definition.
			count, err = r.counter.CountByType(ctx, change.EventType)
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("count affected events for %s %s: %w", change.Kind, change.EventType, err)
		}
		change.AffectedEvents = count
	}
	return nil
}
