package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/eventforge/eventforge/internal/event"
	"github.com/eventforge/eventforge/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forge.sqlite")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func accountID(value string) event.DomainID {
	return event.DomainID{Field: "account_id", Value: value}
}

func draftFor(t *testing.T, eventType string, payload map[string]any, ids ...event.DomainID) event.Draft {
	t.Helper()
	draft := event.Draft{
		Type:      eventType,
		Payload:   payload,
		DomainIDs: ids,
	}
	if err := draft.EncodePayload(); err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return draft
}

// mustAppend appends drafts, deriving expected positions from the
// current stream heads when the caller passes nil.
func mustAppend(t *testing.T, store *Store, expected map[event.DomainID]uint64, drafts ...event.Draft) []event.Event {
	t.Helper()
	if expected == nil {
		var ids []event.DomainID
		seen := make(map[event.DomainID]bool)
		for _, draft := range drafts {
			for _, domainID := range draft.DomainIDs {
				if !seen[domainID] {
					seen[domainID] = true
					ids = append(ids, domainID)
				}
			}
		}
		heads, err := store.Heads(context.Background(), ids)
		if err != nil {
			t.Fatalf("read heads: %v", err)
		}
		expected = heads
	}
	events, err := store.Append(context.Background(), expected, drafts)
	if err != nil {
		t.Fatalf("append events: %v", err)
	}
	return events
}

var _ storage.EventStore = (*Store)(nil)
var _ storage.CheckpointStore = (*Store)(nil)
var _ storage.HandlerStore = (*Store)(nil)
var _ storage.SchemaStore = (*Store)(nil)
