package handler

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	forgeerrors "github.com/eventforge/eventforge/internal/errors"
	"github.com/eventforge/eventforge/internal/schema"
	"github.com/eventforge/eventforge/internal/storage/sqlite"
)

const bankSchema = `
events:
  account_opened:
    fields:
      account_id: {type: string, domain_id: true}
      owner: {type: string, optional: true}
  funds_sent:
    fields:
      account_id: {type: string, domain_id: true}
      amount: {type: float}
  funds_received:
    fields:
      account_id: {type: string, domain_id: true}
      amount: {type: float}
`

const transferModule = `
manifest = {
    command = "transfer_funds",
    version = "1.0.0",
    reads = {"funds_sent", "funds_received"},
    emits = {"funds_sent", "funds_received"},
    domain_ids = {from = "account_id", to = "account_id"},
}

function handle(input, events)
    return { events = {} }
end
`

type fixedSchema struct {
	version schema.Version
}

func (f fixedSchema) Current(context.Context) (schema.Version, error) {
	return f.version, nil
}

func testRegistry(t *testing.T) *Registry {
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

	definition, err := schema.Parse(bankSchema)
	if err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	return NewRegistry(store, fixedSchema{version: schema.Version{Number: 1, Definition: definition}})
}

func moduleWithVersion(version string) []byte {
	return []byte(strings.ReplaceAll(transferModule, "1.0.0", version))
}

func TestUploadStoresRecord(t *testing.T) {
	registry := testRegistry(t)
	ctx := context.Background()

	record, err := registry.Upload(ctx, "transfer_funds", "1.0.0", []byte(transferModule))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if record.Name != "transfer_funds" || record.Version != "1.0.0" {
		t.Errorf("record = %s/%s", record.Name, record.Version)
	}
	if record.Hash == "" {
		t.Error("hash is empty")
	}
	if record.SchemaVersion != 1 {
		t.Errorf("schema version = %d, want 1", record.SchemaVersion)
	}
	if len(record.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", record.Warnings)
	}
}

func TestUploadRejectsMismatchedManifest(t *testing.T) {
	registry := testRegistry(t)
	ctx := context.Background()

	if _, err := registry.Upload(ctx, "wrong_name", "1.0.0", []byte(transferModule)); !forgeerrors.IsCode(err, forgeerrors.CodeValidation) {
		t.Errorf("name mismatch: %v", err)
	}
	if _, err := registry.Upload(ctx, "transfer_funds", "2.0.0", []byte(transferModule)); !forgeerrors.IsCode(err, forgeerrors.CodeValidation) {
		t.Errorf("version mismatch: %v", err)
	}
	if _, err := registry.Upload(ctx, "transfer_funds", "not-semver", []byte(transferModule)); !forgeerrors.IsCode(err, forgeerrors.CodeValidation) {
		t.Errorf("invalid version: %v", err)
	}
}

func TestUploadRejectsUnknownEmit(t *testing.T) {
	registry := testRegistry(t)

	source := strings.ReplaceAll(transferModule, `"funds_received"}`, `"mystery_event"}`)
	_, err := registry.Upload(context.Background(), "transfer_funds", "1.0.0", []byte(source))
	if !forgeerrors.IsCode(err, forgeerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUploadRejectsUnknownRead(t *testing.T) {
	registry := testRegistry(t)

	source := strings.Replace(transferModule, `reads = {"funds_sent", "funds_received"}`,
		`reads = {"funds_sent", "legacy_event"}`, 1)
	_, err := registry.Upload(context.Background(), "transfer_funds", "1.0.0", []byte(source))
	if !forgeerrors.IsCode(err, forgeerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUploadRejectsUnboundBindingTarget(t *testing.T) {
	registry := testRegistry(t)

	source := strings.Replace(transferModule,
		`domain_ids = {from = "account_id", to = "account_id"}`,
		`domain_ids = {from = "ledger_id", to = "account_id"}`, 1)
	_, err := registry.Upload(context.Background(), "transfer_funds", "1.0.0", []byte(source))
	if !forgeerrors.IsCode(err, forgeerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUploadWarnsOnEmptyEmitSet(t *testing.T) {
	registry := testRegistry(t)

	source := strings.Replace(transferModule,
		`emits = {"funds_sent", "funds_received"}`, `emits = {}`, 1)
	record, err := registry.Upload(context.Background(), "transfer_funds", "1.0.0", []byte(source))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if len(record.Warnings) != 1 || !strings.Contains(record.Warnings[0], "emits no event types") {
		t.Errorf("warnings = %v", record.Warnings)
	}
}

func TestResolvePrefersHighestSemver(t *testing.T) {
	registry := testRegistry(t)
	ctx := context.Background()

	for _, version := range []string{"1.0.0", "1.10.0", "1.2.0"} {
		if _, err := registry.Upload(ctx, "transfer_funds", version, moduleWithVersion(version)); err != nil {
			t.Fatalf("upload %s: %v", version, err)
		}
	}

	resolved, err := registry.Resolve(ctx, "transfer_funds")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Record.Version != "1.10.0" {
		t.Errorf("resolved %s, want 1.10.0", resolved.Record.Version)
	}
	if resolved.Module == nil {
		t.Error("resolved handler has no module")
	}
}

func TestResolveHonorsPin(t *testing.T) {
	registry := testRegistry(t)
	ctx := context.Background()

	for _, version := range []string{"1.0.0", "2.0.0"} {
		if _, err := registry.Upload(ctx, "transfer_funds", version, moduleWithVersion(version)); err != nil {
			t.Fatalf("upload %s: %v", version, err)
		}
	}

	if err := registry.Pin(ctx, "transfer_funds", "1.0.0"); err != nil {
		t.Fatalf("pin: %v", err)
	}
	resolved, err := registry.Resolve(ctx, "transfer_funds")
	if err != nil {
		t.Fatalf("resolve pinned: %v", err)
	}
	if resolved.Record.Version != "1.0.0" {
		t.Errorf("resolved %s, want pinned 1.0.0", resolved.Record.Version)
	}

	if err := registry.Unpin(ctx, "transfer_funds"); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	resolved, err = registry.Resolve(ctx, "transfer_funds")
	if err != nil {
		t.Fatalf("resolve unpinned: %v", err)
	}
	if resolved.Record.Version != "2.0.0" {
		t.Errorf("resolved %s, want 2.0.0", resolved.Record.Version)
	}
}

func TestPinRequiresStoredVersion(t *testing.T) {
	registry := testRegistry(t)

	err := registry.Pin(context.Background(), "transfer_funds", "9.9.9")
	if !forgeerrors.IsCode(err, forgeerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResolveUnknownCommand(t *testing.T) {
	registry := testRegistry(t)

	_, err := registry.Resolve(context.Background(), "missing")
	if !forgeerrors.IsCode(err, forgeerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteRemovesAllVersions(t *testing.T) {
	registry := testRegistry(t)
	ctx := context.Background()

	if _, err := registry.Upload(ctx, "transfer_funds", "1.0.0", []byte(transferModule)); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := registry.Delete(ctx, "transfer_funds"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := registry.Resolve(ctx, "transfer_funds"); !forgeerrors.IsCode(err, forgeerrors.CodeNotFound) {
		t.Errorf("resolve after delete: %v", err)
	}
	if err := registry.Delete(ctx, "transfer_funds"); !forgeerrors.IsCode(err, forgeerrors.CodeNotFound) {
		t.Errorf("second delete: %v", err)
	}
}
