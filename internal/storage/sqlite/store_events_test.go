package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/eventforge/eventforge/internal/event"
	"github.com/eventforge/eventforge/internal/storage"
)

func TestAppendAssignsPositionsAndIDs(t *testing.T) {
	store := openTestStore(t)

	events := mustAppend(t, store, nil,
		draftFor(t, "account_opened", map[string]any{"account_id": "a1", "owner": "ada"}, accountID("a1")),
		draftFor(t, "funds_received", map[string]any{"account_id": "a1", "amount": 50.0}, accountID("a1")),
	)

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Position != 1 || events[1].Position != 2 {
		t.Errorf("positions = %d, %d; want 1, 2", events[0].Position, events[1].Position)
	}
	for i, evt := range events {
		if evt.ID == "" {
			t.Errorf("event %d: missing id", i)
		}
		if evt.Timestamp.IsZero() {
			t.Errorf("event %d: missing timestamp", i)
		}
	}
	if events[0].ID == events[1].ID {
		t.Errorf("events share id %q", events[0].ID)
	}
}

func TestAppendPositionsAreGapFree(t *testing.T) {
	store := openTestStore(t)

	mustAppend(t, store, nil, draftFor(t, "account_opened", map[string]any{"account_id": "a1"}, accountID("a1")))
	mustAppend(t, store, nil,
		draftFor(t, "funds_received", map[string]any{"account_id": "a1", "amount": 10.0}, accountID("a1")),
		draftFor(t, "funds_received", map[string]any{"account_id": "a1", "amount": 20.0}, accountID("a1")),
	)

	events, err := store.Read(context.Background(), storage.Filter{})
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, evt := range events {
		if want := uint64(i + 1); evt.Position != want {
			t.Errorf("event %d position = %d, want %d", i, evt.Position, want)
		}
	}
}

func TestAppendConflictOnStaleExpectedPosition(t *testing.T) {
	store := openTestStore(t)

	first := mustAppend(t, store, map[event.DomainID]uint64{accountID("a1"): 0},
		draftFor(t, "account_opened", map[string]any{"account_id": "a1"}, accountID("a1")))

	// A second writer that read before the first append commits must be
	// rejected with the actual head.
	_, err := store.Append(context.Background(),
		map[event.DomainID]uint64{accountID("a1"): 0},
		[]event.Draft{draftFor(t, "funds_sent", map[string]any{"account_id": "a1", "amount": 5.0}, accountID("a1"))})

	var conflict *storage.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Expected != 0 {
		t.Errorf("conflict.Expected = %d, want 0", conflict.Expected)
	}
	if conflict.Actual != first[0].Position {
		t.Errorf("conflict.Actual = %d, want %d", conflict.Actual, first[0].Position)
	}

	events, err := store.Read(context.Background(), storage.Filter{})
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("conflicting append persisted events: got %d, want 1", len(events))
	}
}

func TestAppendConflictIsAllOrNothing(t *testing.T) {
	store := openTestStore(t)

	mustAppend(t, store, nil, draftFor(t, "account_opened", map[string]any{"account_id": "a2"}, accountID("a2")))

	// Batch touches a fresh stream and a stale one; nothing may land.
	_, err := store.Append(context.Background(),
		map[event.DomainID]uint64{accountID("a1"): 0, accountID("a2"): 0},
		[]event.Draft{
			draftFor(t, "account_opened", map[string]any{"account_id": "a1"}, accountID("a1")),
			draftFor(t, "funds_sent", map[string]any{"account_id": "a2", "amount": 5.0}, accountID("a2")),
		})
	var conflict *storage.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	heads, err := store.Heads(context.Background(), []event.DomainID{accountID("a1"), accountID("a2")})
	if err != nil {
		t.Fatalf("heads: %v", err)
	}
	if heads[accountID("a1")] != 0 {
		t.Errorf("a1 head = %d, want 0", heads[accountID("a1")])
	}
	if heads[accountID("a2")] != 1 {
		t.Errorf("a2 head = %d, want 1", heads[accountID("a2")])
	}
}

func TestAppendRejectsUncheckedDomainID(t *testing.T) {
	store := openTestStore(t)

	// The second draft touches a stream the expected map never covers.
	_, err := store.Append(context.Background(),
		map[event.DomainID]uint64{accountID("a1"): 0},
		[]event.Draft{
			draftFor(t, "account_opened", map[string]any{"account_id": "a1"}, accountID("a1")),
			draftFor(t, "account_opened", map[string]any{"account_id": "a2"}, accountID("a2")),
		})
	if err == nil {
		t.Fatal("expected error for draft with unchecked domain id")
	}

	events, err := store.Read(context.Background(), storage.Filter{})
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("rejected append persisted %d events", len(events))
	}
}

func TestAppendAdvancesHeadsForAllDomainIDs(t *testing.T) {
	store := openTestStore(t)

	transfer := draftFor(t, "funds_sent",
		map[string]any{"sender_id": "a1", "receiver_id": "a2", "amount": 25.0},
		event.DomainID{Field: "sender_id", Value: "a1"},
		event.DomainID{Field: "receiver_id", Value: "a2"},
	)
	events := mustAppend(t, store, nil, transfer)

	heads, err := store.Heads(context.Background(), []event.DomainID{
		{Field: "sender_id", Value: "a1"},
		{Field: "receiver_id", Value: "a2"},
	})
	if err != nil {
		t.Fatalf("heads: %v", err)
	}
	for domainID, head := range heads {
		if head != events[0].Position {
			t.Errorf("head of %s = %d, want %d", domainID.Key(), head, events[0].Position)
		}
	}
}

func TestReadFiltersByTypeAndDomainID(t *testing.T) {
	store := openTestStore(t)

	mustAppend(t, store, nil,
		draftFor(t, "account_opened", map[string]any{"account_id": "a1"}, accountID("a1")),
		draftFor(t, "account_opened", map[string]any{"account_id": "a2"}, accountID("a2")),
		draftFor(t, "funds_received", map[string]any{"account_id": "a1", "amount": 10.0}, accountID("a1")),
	)

	byType, err := store.Read(context.Background(), storage.Filter{Types: []string{"account_opened"}})
	if err != nil {
		t.Fatalf("read by type: %v", err)
	}
	if len(byType) != 2 {
		t.Errorf("by type: got %d events, want 2", len(byType))
	}

	byID, err := store.Read(context.Background(), storage.Filter{DomainIDs: []event.DomainID{accountID("a1")}})
	if err != nil {
		t.Fatalf("read by domain id: %v", err)
	}
	if len(byID) != 2 {
		t.Errorf("by domain id: got %d events, want 2", len(byID))
	}

	both, err := store.Read(context.Background(), storage.Filter{
		Types:     []string{"funds_received"},
		DomainIDs: []event.DomainID{accountID("a1")},
	})
	if err != nil {
		t.Fatalf("read by type and id: %v", err)
	}
	if len(both) != 1 {
		t.Errorf("by type and id: got %d events, want 1", len(both))
	}
}

func TestReadAfterPositionAndLimit(t *testing.T) {
	store := openTestStore(t)

	mustAppend(t, store, nil,
		draftFor(t, "account_opened", map[string]any{"account_id": "a1"}, accountID("a1")),
		draftFor(t, "funds_received", map[string]any{"account_id": "a1", "amount": 1.0}, accountID("a1")),
		draftFor(t, "funds_received", map[string]any{"account_id": "a1", "amount": 2.0}, accountID("a1")),
	)

	events, err := store.Read(context.Background(), storage.Filter{AfterPosition: 1, Limit: 1})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Position != 2 {
		t.Errorf("position = %d, want 2", events[0].Position)
	}
}

func TestReadWithHeadsSnapshot(t *testing.T) {
	store := openTestStore(t)

	mustAppend(t, store, nil,
		draftFor(t, "account_opened", map[string]any{"account_id": "a1"}, accountID("a1")),
		draftFor(t, "funds_received", map[string]any{"account_id": "a1", "amount": 10.0}, accountID("a1")),
	)

	ids := []event.DomainID{accountID("a1"), accountID("untouched")}
	events, heads, err := store.ReadWithHeads(context.Background(),
		storage.Filter{DomainIDs: []event.DomainID{accountID("a1")}}, ids)
	if err != nil {
		t.Fatalf("read with heads: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("got %d events, want 2", len(events))
	}
	if heads[accountID("a1")] != 2 {
		t.Errorf("a1 head = %d, want 2", heads[accountID("a1")])
	}
	if heads[accountID("untouched")] != 0 {
		t.Errorf("untouched head = %d, want 0", heads[accountID("untouched")])
	}
}

func TestGetByID(t *testing.T) {
	store := openTestStore(t)

	events := mustAppend(t, store, nil,
		draftFor(t, "account_opened", map[string]any{"account_id": "a1", "owner": "ada"}, accountID("a1")))

	got, err := store.GetByID(context.Background(), events[0].ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.Type != "account_opened" {
		t.Errorf("type = %q, want account_opened", got.Type)
	}
	if got.Position != events[0].Position {
		t.Errorf("position = %d, want %d", got.Position, events[0].Position)
	}
	payload, err := got.DecodePayload()
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["owner"] != "ada" {
		t.Errorf("owner = %v, want ada", payload["owner"])
	}
}

func TestGetByIDNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetByID(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListPage(t *testing.T) {
	store := openTestStore(t)

	var drafts []event.Draft
	for i := 0; i < 5; i++ {
		drafts = append(drafts, draftFor(t, "funds_received",
			map[string]any{"account_id": "a1", "amount": float64(i)}, accountID("a1")))
	}
	mustAppend(t, store, nil, drafts...)

	first, err := store.ListPage(context.Background(), storage.PageRequest{Limit: 2})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first.Events) != 2 || !first.HasMore {
		t.Fatalf("first page: got %d events, hasMore=%v", len(first.Events), first.HasMore)
	}

	second, err := store.ListPage(context.Background(), storage.PageRequest{Limit: 2, Cursor: first.NextCursor})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second.Events) != 2 || !second.HasMore {
		t.Fatalf("second page: got %d events, hasMore=%v", len(second.Events), second.HasMore)
	}
	if second.Events[0].Position != 3 {
		t.Errorf("second page starts at %d, want 3", second.Events[0].Position)
	}

	last, err := store.ListPage(context.Background(), storage.PageRequest{Limit: 2, Cursor: second.NextCursor})
	if err != nil {
		t.Fatalf("last page: %v", err)
	}
	if len(last.Events) != 1 || last.HasMore {
		t.Fatalf("last page: got %d events, hasMore=%v", len(last.Events), last.HasMore)
	}
	if last.NextCursor != "" {
		t.Errorf("last page cursor = %q, want empty", last.NextCursor)
	}
}

func TestListPageRejectsCursorForDifferentFilter(t *testing.T) {
	store := openTestStore(t)

	var drafts []event.Draft
	for i := 0; i < 3; i++ {
		drafts = append(drafts, draftFor(t, "funds_received",
			map[string]any{"account_id": "a1", "amount": float64(i)}, accountID("a1")))
	}
	mustAppend(t, store, nil, drafts...)

	first, err := store.ListPage(context.Background(), storage.PageRequest{
		Types: []string{"funds_received"}, Limit: 2,
	})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}

	_, err = store.ListPage(context.Background(), storage.PageRequest{
		Types: []string{"account_opened"}, Limit: 2, Cursor: first.NextCursor,
	})
	if err == nil {
		t.Fatal("expected error reusing cursor with different filter")
	}
}

func TestCountByTypeAndFieldPresence(t *testing.T) {
	store := openTestStore(t)

	mustAppend(t, store, nil,
		draftFor(t, "account_opened", map[string]any{"account_id": "a1", "owner": "ada"}, accountID("a1")),
		draftFor(t, "account_opened", map[string]any{"account_id": "a2"}, accountID("a2")),
		draftFor(t, "funds_received", map[string]any{"account_id": "a1", "amount": 3.0}, accountID("a1")),
	)

	count, err := store.CountByType(context.Background(), "account_opened")
	if err != nil {
		t.Fatalf("count by type: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	present, err := store.CountFieldPresence(context.Background(), "account_opened", "owner")
	if err != nil {
		t.Fatalf("count field presence: %v", err)
	}
	if present != 1 {
		t.Errorf("presence = %d, want 1", present)
	}

	absent, err := store.CountFieldPresence(context.Background(), "account_opened", "missing_field")
	if err != nil {
		t.Fatalf("count field presence: %v", err)
	}
	if absent != 0 {
		t.Errorf("presence = %d, want 0", absent)
	}
}

func TestAppendRequiresDrafts(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.Append(context.Background(), nil, nil); err == nil {
		t.Fatal("expected error appending empty batch")
	}
}
