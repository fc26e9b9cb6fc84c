package schema

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/eventforge/eventforge/internal/event"
	"github.com/eventforge/eventforge/internal/storage/sqlite"
)

const baseSchema = `
events:
  account_opened:
    fields:
      account_id: {type: string, domain_id: true}
      owner: {type: string, optional: true}
`

func testRegistry(t *testing.T) (*Registry, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "forge.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return NewRegistry(store, store), store
}

func TestCurrentBeforeAnyPublishIsVersionZero(t *testing.T) {
	registry, _ := testRegistry(t)

	current, err := registry.Current(context.Background())
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.Number != 0 {
		t.Errorf("number = %d, want 0", current.Number)
	}
	if len(current.Definition.Types) != 0 {
		t.Errorf("empty version declares %d types", len(current.Definition.Types))
	}
}

func TestPublishAdvancesVersion(t *testing.T) {
	registry, _ := testRegistry(t)
	ctx := context.Background()

	v1, err := registry.Publish(ctx, baseSchema, false)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if v1.Number != 1 {
		t.Errorf("first publish number = %d", v1.Number)
	}

	v2, err := registry.Publish(ctx, baseSchema+`
  funds_sent:
    fields:
      account_id: {type: string, domain_id: true}
      amount: {type: float}
`, false)
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if v2.Number != 2 {
		t.Errorf("second publish number = %d", v2.Number)
	}

	current, err := registry.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.Number != 2 {
		t.Errorf("current = %d, want 2", current.Number)
	}
	if _, ok := current.Definition.EventType("funds_sent"); !ok {
		t.Error("funds_sent missing from current definition")
	}
}

func TestPublishRejectsBreakingChange(t *testing.T) {
	registry, _ := testRegistry(t)
	ctx := context.Background()

	if _, err := registry.Publish(ctx, baseSchema, false); err != nil {
		t.Fatalf("publish: %v", err)
	}

	_, err := registry.Publish(ctx, `
events:
  account_opened:
    fields:
      account_id: {type: int, domain_id: false}
`, false)

	var breaking *BreakingError
	if !errors.As(err, &breaking) {
		t.Fatalf("expected *BreakingError, got %v", err)
	}
	if !breaking.Diff.HasBreaking() {
		t.Error("breaking error carries a clean diff")
	}

	current, err := registry.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.Number != 1 {
		t.Errorf("rejected publish advanced version to %d", current.Number)
	}
}

func TestPublishForceOverridesBreakingChange(t *testing.T) {
	registry, _ := testRegistry(t)
	ctx := context.Background()

	if _, err := registry.Publish(ctx, baseSchema, false); err != nil {
		t.Fatalf("publish: %v", err)
	}

	v2, err := registry.Publish(ctx, `
events:
  account_renamed:
    fields:
      account_id: {type: string, domain_id: true}
`, true)
	if err != nil {
		t.Fatalf("forced publish: %v", err)
	}
	if v2.Number != 2 {
		t.Errorf("forced publish number = %d", v2.Number)
	}
}

func TestProposeReportsDiffWithoutPublishing(t *testing.T) {
	registry, _ := testRegistry(t)
	ctx := context.Background()

	if _, err := registry.Publish(ctx, baseSchema, false); err != nil {
		t.Fatalf("publish: %v", err)
	}

	diff, err := registry.Propose(ctx, `
events:
  account_opened:
    fields:
      account_id: {type: string, domain_id: true}
`)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if !diff.HasBreaking() {
		t.Fatalf("field removal not reported breaking: %s", diff.Summary())
	}

	current, err := registry.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.Number != 1 {
		t.Errorf("propose advanced version to %d", current.Number)
	}
}

func TestProposeCountsAffectedEvents(t *testing.T) {
	registry, store := testRegistry(t)
	ctx := context.Background()

	if _, err := registry.Publish(ctx, baseSchema, false); err != nil {
		t.Fatalf("publish: %v", err)
	}

	drafts := []event.Draft{
		{Type: "account_opened", Payload: map[string]any{"account_id": "a1", "owner": "ada"},
			DomainIDs: []event.DomainID{{Field: "account_id", Value: "a1"}}},
		{Type: "account_opened", Payload: map[string]any{"account_id": "a2"},
			DomainIDs: []event.DomainID{{Field: "account_id", Value: "a2"}}},
	}
	expected := map[event.DomainID]uint64{
		{Field: "account_id", Value: "a1"}: 0,
		{Field: "account_id", Value: "a2"}: 0,
	}
	if _, err := store.Append(ctx, expected, drafts); err != nil {
		t.Fatalf("append: %v", err)
	}

	diff, err := registry.Propose(ctx, `
events:
  account_opened:
    fields:
      account_id: {type: string, domain_id: true}
`)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	removal, ok := changeOfKind(diff, ChangeFieldRemoved)
	if !ok {
		t.Fatalf("owner removal not reported: %s", diff.Summary())
	}
	// Only one persisted event carries the owner field.
	if removal.AffectedEvents != 1 {
		t.Errorf("affected events = %d, want 1", removal.AffectedEvents)
	}
}

func TestLoadPrimesCacheFromStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forge.sqlite")

	store, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	first := NewRegistry(store, store)
	if _, err := first.Publish(context.Background(), baseSchema, false); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	reopened, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() {
		if err := reopened.Close(); err != nil {
			t.Fatalf("close reopened store: %v", err)
		}
	})

	second := NewRegistry(reopened, reopened)
	if err := second.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	current, err := second.Current(context.Background())
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.Number != 1 {
		t.Errorf("reloaded version = %d, want 1", current.Number)
	}
	if _, ok := current.Definition.EventType("account_opened"); !ok {
		t.Error("reloaded definition missing account_opened")
	}
}
