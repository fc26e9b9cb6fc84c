// Package engine executes commands: it resolves the handler, reads the
// event context, runs the sandbox, validates the decision against the
// schema, and appends accepted events under optimistic concurrency.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	forgeerrors "github.com/eventforge/eventforge/internal/errors"
	"github.com/eventforge/eventforge/internal/event"
	"github.com/eventforge/eventforge/internal/handler"
	"github.com/eventforge/eventforge/internal/idempotency"
	"github.com/eventforge/eventforge/internal/platform/id"
	"github.com/eventforge/eventforge/internal/platform/telemetry/metrics"
	"github.com/eventforge/eventforge/internal/sandbox"
	"github.com/eventforge/eventforge/internal/schema"
	"github.com/eventforge/eventforge/internal/storage"
)

var (
	// ErrJournalRequired indicates a missing event store.
	ErrJournalRequired = errors.New("event journal is required")
	// ErrHandlersRequired indicates a missing handler source.
	ErrHandlersRequired = errors.New("handler source is required")
	// ErrSchemasRequired indicates a missing schema source.
	ErrSchemasRequired = errors.New("schema source is required")
)

// HandlerSource resolves handlers for command names.
type HandlerSource interface {
	// Resolve returns the active version for the name.
	Resolve(ctx context.Context, name string) (handler.Handler, error)
	// Get returns one specific stored version.
	Get(ctx context.Context, name, version string) (handler.Handler, error)
}

// SchemaSource supplies the schema version drafts are validated
// against.
type SchemaSource interface {
	Current(ctx context.Context) (schema.Version, error)
}

// OutcomeCache is the idempotency reserve/commit cache.
type OutcomeCache interface {
	GetOrReserve(ctx context.Context, command, key string) (idempotency.Result, error)
	Commit(ctx context.Context, command, key string, outcome idempotency.Outcome) error
	Release(ctx context.Context, command, key string) error
}

// Command is one execution request.
type Command struct {
	Name    string
	Payload map[string]any
	// IdempotencyKey makes the execution safe to retry. Empty disables
	// caching and conflict auto-retry.
	IdempotencyKey string
	CorrelationID  string
	// HandlerVersion targets one stored version instead of the active
	// one, for replay and debugging. Empty resolves the active version.
	HandlerVersion string
}

// Outcome statuses.
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// Outcome is a terminal execution result. Conflicts and failures are
// returned as errors instead.
type Outcome struct {
	Status    string
	Events    []event.Event
	EventIDs  []string
	Positions []uint64
	Reject    *sandbox.Rejection
	// Replayed marks an outcome served from the idempotency cache.
	Replayed bool
	// Attempts counts read-execute-append cycles, including the one
	// that succeeded. Zero for replayed outcomes.
	Attempts int
}

// Engine wires the execution collaborators. The zero values of Cache
// and Metrics are valid; both are optional.
type Engine struct {
	Journal  storage.EventStore
	Handlers HandlerSource
	Schemas  SchemaSource
	Cache    OutcomeCache
	Metrics  *metrics.Metrics
	Budget   sandbox.Budget
	// MaxConflictRetries bounds automatic re-execution after an append
	// conflict. Retries require an idempotency key.
	MaxConflictRetries int
	Backoff            func(attempt int) time.Duration
}

// Execute runs one command to a terminal outcome or error.
func (e Engine) Execute(ctx context.Context, cmd Command) (Outcome, error) {
	if e.Journal == nil {
		return Outcome{}, ErrJournalRequired
	}
	if e.Handlers == nil {
		return Outcome{}, ErrHandlersRequired
	}
	if e.Schemas == nil {
		return Outcome{}, ErrSchemasRequired
	}
	if cmd.Name == "" {
		return Outcome{}, forgeerrors.New(forgeerrors.CodeValidation, "command name is required")
	}

	started := time.Now()
	outcome, err := e.execute(ctx, cmd)
	e.Metrics.CommandCompleted(cmd.Name, outcomeLabel(outcome, err), time.Since(started), len(outcome.Events))
	return outcome, err
}

func (e Engine) execute(ctx context.Context, cmd Command) (Outcome, error) {
	var resolved handler.Handler
	var err error
	if cmd.HandlerVersion != "" {
		resolved, err = e.Handlers.Get(ctx, cmd.Name, cmd.HandlerVersion)
	} else {
		resolved, err = e.Handlers.Resolve(ctx, cmd.Name)
	}
	if err != nil {
		return Outcome{}, err
	}

	reserved := false
	if cmd.IdempotencyKey != "" && e.Cache != nil {
		result, err := e.reserveOrReplay(ctx, cmd)
		if err != nil {
			return Outcome{}, err
		}
		if result.State == idempotency.StateHit {
			e.Metrics.IdempotencyHit()
			return replayOutcome(result.Outcome), nil
		}
		reserved = true
	}

	// Once execution starts, a caller disconnect must not abort it: the
	// sandbox runs to completion and a committal result is committed,
	// and cached when a key was reserved. A reservation abandoned
	// mid-flight would otherwise stay pending until its TTL expires.
	ctx = context.WithoutCancel(ctx)

	outcome, err := e.executeWithRetry(ctx, cmd, resolved)

	if reserved {
		if err != nil {
			if releaseErr := e.Cache.Release(ctx, cmd.Name, cmd.IdempotencyKey); releaseErr != nil {
				log.Printf("engine: release idempotency key for %s: %v", cmd.Name, releaseErr)
			}
		} else {
			if commitErr := e.Cache.Commit(ctx, cmd.Name, cmd.IdempotencyKey, cachedOutcome(outcome)); commitErr != nil {
				log.Printf("engine: commit idempotency outcome for %s: %v", cmd.Name, commitErr)
			}
		}
	}

	return outcome, err
}

// maxPendingPolls bounds how long an execution waits out another
// holder of its idempotency key before giving up with a conflict.
const maxPendingPolls = 8

// reserveOrReplay reserves the idempotency key or returns the cached
// outcome. When another execution holds the key, it polls with backoff
// until the holder resolves or the poll budget runs out.
func (e Engine) reserveOrReplay(ctx context.Context, cmd Command) (idempotency.Result, error) {
	backoff := e.Backoff
	if backoff == nil {
		backoff = DefaultBackoff
	}

	for poll := 0; ; poll++ {
		result, err := e.Cache.GetOrReserve(ctx, cmd.Name, cmd.IdempotencyKey)
		if err != nil {
			return idempotency.Result{}, forgeerrors.Wrap(err, forgeerrors.CodeInternal, "idempotency cache unavailable")
		}
		if result.State != idempotency.StatePending {
			return result, nil
		}
		if poll >= maxPendingPolls {
			return idempotency.Result{}, forgeerrors.New(forgeerrors.CodeConflict,
				"a command with this idempotency key is already executing")
		}
		select {
		case <-ctx.Done():
			return idempotency.Result{}, ctx.Err()
		case <-time.After(backoff(poll)):
		}
	}
}

func (e Engine) executeWithRetry(ctx context.Context, cmd Command, resolved handler.Handler) (Outcome, error) {
	allowed := 0
	if cmd.IdempotencyKey != "" {
		allowed = e.MaxConflictRetries
	}
	backoff := e.Backoff
	if backoff == nil {
		backoff = DefaultBackoff
	}

	for attempt := 0; ; attempt++ {
		outcome, err := e.attempt(ctx, cmd, resolved)

		var conflict *storage.ConflictError
		if err != nil && errors.As(err, &conflict) && attempt < allowed {
			e.Metrics.ConflictRetried()
			select {
			case <-ctx.Done():
				return Outcome{}, ctx.Err()
			case <-time.After(backoff(attempt)):
			}
			continue
		}
		outcome.Attempts = attempt + 1
		return outcome, err
	}
}

// attempt runs one read-execute-append cycle.
func (e Engine) attempt(ctx context.Context, cmd Command, resolved handler.Handler) (Outcome, error) {
	scope, err := commandScope(cmd, resolved.Record)
	if err != nil {
		return Outcome{}, err
	}

	filter := storage.Filter{Types: resolved.Record.Reads, DomainIDs: scope}
	events, heads, err := e.Journal.ReadWithHeads(ctx, filter, scope)
	if err != nil {
		return Outcome{}, fmt.Errorf("read command context: %w", err)
	}

	contextEvents := make([]sandbox.ContextEvent, len(events))
	for i, evt := range events {
		payload, err := evt.DecodePayload()
		if err != nil {
			return Outcome{}, forgeerrors.Wrap(err, forgeerrors.CodeInternal, "decode context event")
		}
		contextEvents[i] = sandbox.ContextEvent{Type: evt.Type, Position: evt.Position, Payload: payload}
	}

	input := sandbox.Input{Command: cmd.Name, Payload: cmd.Payload}
	result, err := sandbox.Execute(ctx, resolved.Module, input, contextEvents, e.Budget)
	if err != nil {
		return Outcome{}, err
	}

	if result.Reject != nil {
		return Outcome{Status: StatusRejected, Reject: result.Reject}, nil
	}

	if len(result.Events) == 0 {
		return Outcome{Status: StatusAccepted}, nil
	}

	drafts, err := e.buildDrafts(ctx, cmd, resolved.Record, result.Events)
	if err != nil {
		return Outcome{}, err
	}

	// The conflict check covers exactly the bound ids; a draft
	// referencing an unbound stream would advance it unchecked.
	for _, draft := range drafts {
		for _, domainID := range draft.DomainIDs {
			if _, ok := heads[domainID]; !ok {
				return Outcome{}, forgeerrors.Newf(forgeerrors.CodeValidation,
					"handler emitted %s referencing %s, which the command did not bind",
					draft.Type, domainID.Key())
			}
		}
	}

	stored, err := e.Journal.Append(ctx, heads, drafts)
	if err != nil {
		return Outcome{}, err
	}

	outcome := Outcome{Status: StatusAccepted, Events: stored}
	for _, evt := range stored {
		outcome.EventIDs = append(outcome.EventIDs, evt.ID)
		outcome.Positions = append(outcome.Positions, evt.Position)
	}
	return outcome, nil
}

// buildDrafts validates emitted events against the manifest and the
// current schema, extracts domain ids, and stamps causation metadata.
func (e Engine) buildDrafts(ctx context.Context, cmd Command, record storage.HandlerRecord, emitted []sandbox.EmittedEvent) ([]event.Draft, error) {
	current, err := e.Schemas.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("load current schema: %w", err)
	}

	declared := make(map[string]bool, len(record.Emits))
	for _, eventType := range record.Emits {
		declared[eventType] = true
	}

	correlationID := cmd.CorrelationID
	if correlationID == "" {
		correlationID, err = id.NewID()
		if err != nil {
			return nil, forgeerrors.Wrap(err, forgeerrors.CodeInternal, "generate correlation id")
		}
	}
	executionID, err := id.NewID()
	if err != nil {
		return nil, forgeerrors.Wrap(err, forgeerrors.CodeInternal, "generate execution id")
	}

	drafts := make([]event.Draft, len(emitted))
	for i, evt := range emitted {
		if !declared[evt.Type] {
			return nil, forgeerrors.Newf(forgeerrors.CodeValidation,
				"handler emitted %q, which its manifest does not declare", evt.Type)
		}

		draft := event.Draft{
			Type:          evt.Type,
			Payload:       evt.Payload,
			CorrelationID: correlationID,
			CausationID:   executionID,
		}
		if err := current.Definition.ValidateDraft(&draft); err != nil {
			return nil, forgeerrors.Wrap(err, forgeerrors.CodeValidation,
				"handler emitted an event that fails schema validation")
		}
		draft.DomainIDs, err = current.Definition.ExtractDomainIDs(draft.Type, draft.Payload)
		if err != nil {
			return nil, forgeerrors.Wrap(err, forgeerrors.CodeInternal, "extract domain ids")
		}
		if err := draft.EncodePayload(); err != nil {
			return nil, forgeerrors.Wrap(err, forgeerrors.CodeInternal, "encode draft payload")
		}
		drafts[i] = draft
	}
	return drafts, nil
}

// commandScope derives the concurrency scope from the handler's
// bindings and the command payload.
func commandScope(cmd Command, record storage.HandlerRecord) ([]event.DomainID, error) {
	seen := make(map[event.DomainID]bool, len(record.Bindings))
	var scope []event.DomainID
	for field, target := range record.Bindings {
		raw, ok := cmd.Payload[field]
		if !ok {
			return nil, forgeerrors.Newf(forgeerrors.CodeValidation,
				"command payload is missing bound field %q", field)
		}
		value, ok := raw.(string)
		if !ok || value == "" {
			return nil, forgeerrors.Newf(forgeerrors.CodeValidation,
				"command payload field %q must be a non-empty string", field)
		}
		domainID := event.DomainID{Field: target, Value: value}
		if !seen[domainID] {
			seen[domainID] = true
			scope = append(scope, domainID)
		}
	}
	event.SortDomainIDs(scope)
	return scope, nil
}

func cachedOutcome(outcome Outcome) idempotency.Outcome {
	cached := idempotency.Outcome{
		Events:    outcome.Events,
		EventIDs:  outcome.EventIDs,
		Positions: outcome.Positions,
	}
	if outcome.Status == StatusRejected {
		cached.Status = idempotency.StatusRejected
		cached.RejectCode = outcome.Reject.Code
		cached.RejectMessage = outcome.Reject.Message
	} else {
		cached.Status = idempotency.StatusAccepted
	}
	return cached
}

func replayOutcome(cached idempotency.Outcome) Outcome {
	outcome := Outcome{
		Events:    cached.Events,
		EventIDs:  cached.EventIDs,
		Positions: cached.Positions,
		Replayed:  true,
	}
	if cached.Status == idempotency.StatusRejected {
		outcome.Status = StatusRejected
		outcome.Reject = &sandbox.Rejection{Code: cached.RejectCode, Message: cached.RejectMessage}
	} else {
		outcome.Status = StatusAccepted
	}
	return outcome
}

func outcomeLabel(outcome Outcome, err error) string {
	switch {
	case err == nil && outcome.Replayed:
		return "replayed"
	case err == nil:
		return outcome.Status
	case forgeerrors.IsCode(err, forgeerrors.CodeConflict):
		return "conflict"
	default:
		return "error"
	}
}
