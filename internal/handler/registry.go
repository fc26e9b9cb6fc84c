// Package handler manages versioned command handler modules: upload
// validation, pinning, and active-version resolution.
package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	forgeerrors "github.com/eventforge/eventforge/internal/errors"
	"github.com/eventforge/eventforge/internal/sandbox"
	"github.com/eventforge/eventforge/internal/schema"
	"github.com/eventforge/eventforge/internal/storage"
	"golang.org/x/mod/semver"
)

// SchemaSource supplies the schema version uploads validate against.
type SchemaSource interface {
	Current(ctx context.Context) (schema.Version, error)
}

// Handler is a resolved, executable handler version.
type Handler struct {
	Record storage.HandlerRecord
	Module *sandbox.Module
}

// Registry stores handler versions and resolves the active one per
// command name. Compiled modules are cached per name/version.
type Registry struct {
	store   storage.HandlerStore
	schemas SchemaSource
	now     func() time.Time

	mu       sync.Mutex
	compiled map[string]*sandbox.Module
}

// NewRegistry creates a handler registry over the given stores.
func NewRegistry(store storage.HandlerStore, schemas SchemaSource) *Registry {
	return &Registry{
		store:    store,
		schemas:  schemas,
		now:      func() time.Time { return time.Now().UTC() },
		compiled: make(map[string]*sandbox.Module),
	}
}

// Upload validates and stores a handler module under name/version. The
// manifest must match the route, the version must be semver, and every
// emitted event type must exist in the current schema. Suspicious but
// non-fatal findings come back as warnings on the stored record.
func (r *Registry) Upload(ctx context.Context, name, version string, source []byte) (storage.HandlerRecord, error) {
	if strings.TrimSpace(name) == "" {
		return storage.HandlerRecord{}, forgeerrors.New(forgeerrors.CodeValidation, "handler name is required")
	}
	if !semver.IsValid("v" + version) {
		return storage.HandlerRecord{}, forgeerrors.Newf(forgeerrors.CodeValidation, "handler version %q is not semver", version)
	}

	module, err := sandbox.Compile(source)
	if err != nil {
		return storage.HandlerRecord{}, err
	}
	manifest := module.Manifest()
	if manifest.Command != name {
		return storage.HandlerRecord{}, forgeerrors.Newf(forgeerrors.CodeValidation,
			"manifest declares command %q, upload targets %q", manifest.Command, name)
	}
	if manifest.Version != version {
		return storage.HandlerRecord{}, forgeerrors.Newf(forgeerrors.CodeValidation,
			"manifest declares version %q, upload targets %q", manifest.Version, version)
	}

	current, err := r.schemas.Current(ctx)
	if err != nil {
		return storage.HandlerRecord{}, fmt.Errorf("load current schema: %w", err)
	}

	warnings, err := checkManifest(manifest, current.Definition)
	if err != nil {
		return storage.HandlerRecord{}, err
	}

	hash := sha256.Sum256(source)
	record := storage.HandlerRecord{
		Name:          name,
		Version:       version,
		Reads:         manifest.Reads,
		Emits:         manifest.Emits,
		Bindings:      manifest.Bindings,
		Module:        source,
		Hash:          hex.EncodeToString(hash[:]),
		SchemaVersion: current.Number,
		Warnings:      warnings,
		CreatedAt:     r.now(),
	}
	if err := r.store.InsertHandler(ctx, record); err != nil {
		return storage.HandlerRecord{}, err
	}

	r.mu.Lock()
	r.compiled[cacheKey(name, version)] = module
	r.mu.Unlock()

	return record, nil
}

// Resolve returns the active version of a handler: the pinned version
// when a pin exists, otherwise the highest semver version stored.
func (r *Registry) Resolve(ctx context.Context, name string) (Handler, error) {
	pinned, err := r.store.GetHandlerPin(ctx, name)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Handler{}, err
	}
	if pinned != "" {
		return r.Get(ctx, name, pinned)
	}

	versions, err := r.store.ListHandlerVersions(ctx, name)
	if err != nil {
		return Handler{}, err
	}
	if len(versions) == 0 {
		return Handler{}, forgeerrors.Newf(forgeerrors.CodeNotFound, "no handler registered for command %q", name)
	}

	sort.Slice(versions, func(i, j int) bool {
		return semver.Compare("v"+versions[i].Version, "v"+versions[j].Version) < 0
	})
	latest := versions[len(versions)-1]
	return r.toHandler(latest)
}

// Get returns one specific stored handler version.
func (r *Registry) Get(ctx context.Context, name, version string) (Handler, error) {
	record, err := r.store.GetHandler(ctx, name, version)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Handler{}, forgeerrors.Newf(forgeerrors.CodeNotFound, "handler %s version %s is not registered", name, version)
		}
		return Handler{}, err
	}
	return r.toHandler(record)
}

// List returns all stored handler versions.
func (r *Registry) List(ctx context.Context) ([]storage.HandlerRecord, error) {
	return r.store.ListHandlers(ctx)
}

// ListVersions returns all stored versions of one handler name.
func (r *Registry) ListVersions(ctx context.Context, name string) ([]storage.HandlerRecord, error) {
	return r.store.ListHandlerVersions(ctx, name)
}

// Delete removes every version of a handler and its pin. Committed
// events produced by the handler are unaffected.
func (r *Registry) Delete(ctx context.Context, name string) error {
	if err := r.store.DeleteHandler(ctx, name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return forgeerrors.Newf(forgeerrors.CodeNotFound, "no handler registered for command %q", name)
		}
		return err
	}

	r.mu.Lock()
	prefix := name + "@"
	for key := range r.compiled {
		if strings.HasPrefix(key, prefix) {
			delete(r.compiled, key)
		}
	}
	r.mu.Unlock()
	return nil
}

// Pin makes one stored version the active version regardless of semver
// ordering.
func (r *Registry) Pin(ctx context.Context, name, version string) error {
	if _, err := r.store.GetHandler(ctx, name, version); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return forgeerrors.Newf(forgeerrors.CodeNotFound, "handler %s version %s is not registered", name, version)
		}
		return err
	}
	return r.store.SetHandlerPin(ctx, name, version)
}

// Unpin restores highest-semver resolution for a handler name.
func (r *Registry) Unpin(ctx context.Context, name string) error {
	return r.store.ClearHandlerPin(ctx, name)
}

func (r *Registry) toHandler(record storage.HandlerRecord) (Handler, error) {
	key := cacheKey(record.Name, record.Version)

	r.mu.Lock()
	module, ok := r.compiled[key]
	r.mu.Unlock()
	if ok {
		return Handler{Record: record, Module: module}, nil
	}

	module, err := sandbox.Compile(record.Module)
	if err != nil {
		return Handler{}, forgeerrors.Wrap(err, forgeerrors.CodeInternal,
			fmt.Sprintf("stored handler %s version %s no longer compiles", record.Name, record.Version))
	}

	r.mu.Lock()
	r.compiled[key] = module
	r.mu.Unlock()
	return Handler{Record: record, Module: module}, nil
}

func cacheKey(name, version string) string {
	return name + "@" + version
}

// checkManifest validates the manifest against the schema in effect:
// every emitted and read type must exist, and every binding must
// target a domain-id field of at least one declared type. Legal but
// suspicious patterns come back as warnings on the record.
func checkManifest(manifest sandbox.Manifest, definition schema.Definition) ([]string, error) {
	for _, eventType := range manifest.Emits {
		if _, ok := definition.EventType(eventType); !ok {
			return nil, forgeerrors.Newf(forgeerrors.CodeValidation,
				"manifest emits %q, which is not in the current schema", eventType)
		}
	}
	for _, eventType := range manifest.Reads {
		if _, ok := definition.EventType(eventType); !ok {
			return nil, forgeerrors.Newf(forgeerrors.CodeValidation,
				"manifest reads %q, which is not in the current schema", eventType)
		}
	}

	domainFields := make(map[string]bool)
	for _, eventType := range append(append([]string(nil), manifest.Reads...), manifest.Emits...) {
		declared, _ := definition.EventType(eventType)
		for _, field := range declared.DomainIDFields() {
			domainFields[field] = true
		}
	}

	bindingFields := make([]string, 0, len(manifest.Bindings))
	for field := range manifest.Bindings {
		bindingFields = append(bindingFields, field)
	}
	sort.Strings(bindingFields)
	boundTargets := make(map[string]bool, len(bindingFields))
	for _, field := range bindingFields {
		target := manifest.Bindings[field]
		if !domainFields[target] {
			return nil, forgeerrors.Newf(forgeerrors.CodeValidation,
				"binding %s targets %q, which no declared type designates as a domain id", field, target)
		}
		boundTargets[target] = true
	}

	var warnings []string
	if len(manifest.Emits) == 0 {
		warnings = append(warnings, "manifest emits no event types")
	}
	for _, eventType := range manifest.Reads {
		declared, _ := definition.EventType(eventType)
		referenced := false
		for _, field := range declared.DomainIDFields() {
			if boundTargets[field] {
				referenced = true
				break
			}
		}
		if !referenced {
			warnings = append(warnings, fmt.Sprintf(
				"read type %q shares no domain id with the command bindings", eventType))
		}
	}
	return warnings, nil
}
