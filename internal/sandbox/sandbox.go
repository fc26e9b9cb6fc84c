// Package sandbox executes handler modules in a restricted Lua
// environment with instruction and wall-clock budgets.
//
// A module declares a manifest global and a handle function:
//
//	manifest = {
//	    command = "transfer_funds",
//	    version = "1.0.0",
//	    reads = {"account_opened", "funds_sent", "funds_received"},
//	    emits = {"funds_sent", "funds_received"},
//	    domain_ids = {from = "account_id", to = "account_id"},
//	}
//
//	function handle(input, events)
//	    return { events = { { type = "funds_sent", payload = {...} } } }
//	end
//
// Each execution runs in a fresh state with only the base, table,
// string, and math libraries, minus every source of nondeterminism or
// I/O.
package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	lua "github.com/Shopify/go-lua"
	forgeerrors "github.com/eventforge/eventforge/internal/errors"
)

// Manifest is the module's self-declaration, extracted at compile time.
type Manifest struct {
	Command string
	Version string
	// Reads and Emits list the event types the handler consumes and
	// may produce.
	Reads []string
	Emits []string
	// Bindings map command payload fields to schema domain-id fields.
	Bindings map[string]string
}

// Module is a compiled handler ready for repeated execution.
type Module struct {
	source   []byte
	manifest Manifest
}

// Manifest returns the module's declared manifest.
func (m *Module) Manifest() Manifest { return m.manifest }

// Source returns the module source bytes as uploaded.
func (m *Module) Source() []byte { return m.source }

// Budget bounds a single execution.
type Budget struct {
	// Instructions is the maximum VM instruction count.
	Instructions int
	// Timeout is the maximum wall-clock duration.
	Timeout time.Duration
}

// DefaultBudget bounds handler executions that do not configure one.
var DefaultBudget = Budget{Instructions: 10_000_000, Timeout: 2 * time.Second}

// Input is the command given to the handle function.
type Input struct {
	Command string
	Payload map[string]any
}

// ContextEvent is a committed event presented to the handler, oldest
// first.
type ContextEvent struct {
	Type     string
	Position uint64
	Payload  map[string]any
}

// EmittedEvent is one event the handler asks to append.
type EmittedEvent struct {
	Type    string
	Payload map[string]any
}

// Rejection is the handler's business-rule refusal. It is a valid
// outcome, not an error.
type Rejection struct {
	Code    string
	Message string
}

// Result is the handler's decision: either events to append (possibly
// none) or a rejection.
type Result struct {
	Events []EmittedEvent
	Reject *Rejection
}

// Compile loads the module source in a restricted state, runs its
// top-level chunk, and extracts the manifest. The handle function must
// exist and the manifest must be well formed.
func Compile(source []byte) (*Module, error) {
	l := newRestrictedState()

	if err := lua.LoadBuffer(l, string(source), "handler", ""); err != nil {
		return nil, forgeerrors.Wrap(err, forgeerrors.CodeValidation, "handler module does not parse")
	}
	if err := l.ProtectedCall(0, 0, 0); err != nil {
		return nil, forgeerrors.Wrap(err, forgeerrors.CodeValidation, "handler module failed to load")
	}

	manifest, err := extractManifest(l)
	if err != nil {
		return nil, err
	}

	l.Global("handle")
	defer l.Pop(1)
	if l.TypeOf(-1) != lua.TypeFunction {
		return nil, forgeerrors.New(forgeerrors.CodeValidation, "handler module does not define a handle function")
	}

	return &Module{source: source, manifest: manifest}, nil
}

// Execute runs the module's handle function against the input and
// context events. Budget exhaustion maps to CodeResourceExhausted and
// any runtime error to CodeInternal; both are execution failures, not
// rejections.
func Execute(ctx context.Context, module *Module, input Input, events []ContextEvent, budget Budget) (Result, error) {
	if budget.Instructions <= 0 {
		budget.Instructions = DefaultBudget.Instructions
	}
	if budget.Timeout <= 0 {
		budget.Timeout = DefaultBudget.Timeout
	}

	l := newRestrictedState()

	if err := lua.LoadBuffer(l, string(module.source), "handler", ""); err != nil {
		return Result{}, forgeerrors.Wrap(err, forgeerrors.CodeInternal, "reload handler module")
	}
	if err := l.ProtectedCall(0, 0, 0); err != nil {
		return Result{}, forgeerrors.Wrap(err, forgeerrors.CodeInternal, "reinitialize handler module")
	}

	deadline := time.Now().Add(budget.Timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	guard := &budgetGuard{deadline: deadline, remaining: budget.Instructions}
	lua.SetDebugHook(l, func(state *lua.State, _ lua.Debug) {
		guard.remaining -= hookInterval
		if guard.remaining <= 0 {
			guard.exhausted = true
			lua.Errorf(state, "instruction budget exceeded")
		}
		if time.Now().After(guard.deadline) {
			guard.exhausted = true
			lua.Errorf(state, "execution deadline exceeded")
		}
	}, lua.MaskCount, hookInterval)

	l.Global("handle")
	pushInput(l, input)
	pushContextEvents(l, events)

	if err := l.ProtectedCall(2, 1, 0); err != nil {
		if guard.exhausted {
			return Result{}, forgeerrors.Wrap(err, forgeerrors.CodeResourceExhausted, "handler exceeded its execution budget")
		}
		return Result{}, forgeerrors.Wrap(err, forgeerrors.CodeInternal, "handler execution failed")
	}
	defer l.Pop(1)

	return decodeResult(l)
}

// hookInterval is how many VM instructions run between budget checks.
const hookInterval = 1000

type budgetGuard struct {
	deadline  time.Time
	remaining int
	exhausted bool
}

// newRestrictedState builds a Lua state with the deterministic subset
// of the standard libraries.
func newRestrictedState() *lua.State {
	l := lua.NewState()

	lua.Require(l, "_G", lua.BaseOpen, true)
	l.Pop(1)
	lua.Require(l, "table", lua.TableOpen, true)
	l.Pop(1)
	lua.Require(l, "string", lua.StringOpen, true)
	l.Pop(1)
	lua.Require(l, "math", lua.MathOpen, true)
	l.Pop(1)

	// Scrub I/O and nondeterminism from the opened libraries.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "print"} {
		l.PushNil()
		l.SetGlobal(name)
	}
	l.Global("math")
	for _, name := range []string{"random", "randomseed"} {
		l.PushNil()
		l.SetField(-2, name)
	}
	l.Pop(1)

	return l
}

func extractManifest(l *lua.State) (Manifest, error) {
	l.Global("manifest")
	defer l.Pop(1)
	if l.TypeOf(-1) != lua.TypeTable {
		return Manifest{}, forgeerrors.New(forgeerrors.CodeValidation, "handler module does not declare a manifest table")
	}

	var manifest Manifest
	var err error

	if manifest.Command, err = stringField(l, "command"); err != nil {
		return Manifest{}, err
	}
	if manifest.Version, err = stringField(l, "version"); err != nil {
		return Manifest{}, err
	}
	if manifest.Reads, err = stringListField(l, "reads"); err != nil {
		return Manifest{}, err
	}
	if manifest.Emits, err = stringListField(l, "emits"); err != nil {
		return Manifest{}, err
	}
	if manifest.Bindings, err = stringMapField(l, "domain_ids"); err != nil {
		return Manifest{}, err
	}

	if strings.TrimSpace(manifest.Command) == "" {
		return Manifest{}, forgeerrors.New(forgeerrors.CodeValidation, "manifest command is required")
	}
	if strings.TrimSpace(manifest.Version) == "" {
		return Manifest{}, forgeerrors.New(forgeerrors.CodeValidation, "manifest version is required")
	}
	if len(manifest.Emits) == 0 {
		return Manifest{}, forgeerrors.New(forgeerrors.CodeValidation, "manifest emits at least one event type")
	}

	sort.Strings(manifest.Reads)
	sort.Strings(manifest.Emits)
	return manifest, nil
}

func stringField(l *lua.State, name string) (string, error) {
	l.Field(-1, name)
	defer l.Pop(1)
	if l.TypeOf(-1) == lua.TypeNil {
		return "", nil
	}
	value, ok := l.ToString(-1)
	if !ok {
		return "", forgeerrors.Newf(forgeerrors.CodeValidation, "manifest %s must be a string", name)
	}
	return value, nil
}

func stringListField(l *lua.State, name string) ([]string, error) {
	l.Field(-1, name)
	defer l.Pop(1)
	if l.TypeOf(-1) == lua.TypeNil {
		return nil, nil
	}
	if l.TypeOf(-1) != lua.TypeTable {
		return nil, forgeerrors.Newf(forgeerrors.CodeValidation, "manifest %s must be a list", name)
	}

	var values []string
	index := l.AbsIndex(-1)
	length := sequenceLength(l, index)
	for i := 1; i <= length; i++ {
		l.RawGetInt(index, i)
		value, ok := l.ToString(-1)
		l.Pop(1)
		if !ok {
			return nil, forgeerrors.Newf(forgeerrors.CodeValidation, "manifest %s entry %d must be a string", name, i)
		}
		values = append(values, value)
	}
	return values, nil
}

func stringMapField(l *lua.State, name string) (map[string]string, error) {
	l.Field(-1, name)
	defer l.Pop(1)
	if l.TypeOf(-1) == lua.TypeNil {
		return nil, nil
	}
	if l.TypeOf(-1) != lua.TypeTable {
		return nil, forgeerrors.Newf(forgeerrors.CodeValidation, "manifest %s must be a table", name)
	}

	values := make(map[string]string)
	index := l.AbsIndex(-1)
	l.PushNil()
	for l.Next(index) {
		if l.TypeOf(-2) != lua.TypeString {
			l.Pop(2)
			return nil, forgeerrors.Newf(forgeerrors.CodeValidation, "manifest %s entries must map strings to strings", name)
		}
		key, _ := l.ToString(-2)
		value, ok := l.ToString(-1)
		l.Pop(1)
		if !ok {
			l.Pop(1)
			return nil, forgeerrors.Newf(forgeerrors.CodeValidation, "manifest %s entries must map strings to strings", name)
		}
		values[key] = value
	}
	return values, nil
}

func pushInput(l *lua.State, input Input) {
	l.NewTable()
	l.PushString(input.Command)
	l.SetField(-2, "command")
	pushGoValue(l, input.Payload)
	l.SetField(-2, "payload")
}

func pushContextEvents(l *lua.State, events []ContextEvent) {
	l.NewTable()
	for i, evt := range events {
		l.NewTable()
		l.PushString(evt.Type)
		l.SetField(-2, "type")
		l.PushNumber(float64(evt.Position))
		l.SetField(-2, "position")
		pushGoValue(l, evt.Payload)
		l.SetField(-2, "payload")
		l.RawSetInt(-2, i+1)
	}
}

func decodeResult(l *lua.State) (Result, error) {
	if l.TypeOf(-1) != lua.TypeTable {
		return Result{}, forgeerrors.New(forgeerrors.CodeInternal, "handler did not return a table")
	}

	l.Field(-1, "reject")
	if l.TypeOf(-1) == lua.TypeTable {
		reject := &Rejection{}
		l.Field(-1, "code")
		reject.Code, _ = l.ToString(-1)
		l.Pop(1)
		l.Field(-1, "message")
		reject.Message, _ = l.ToString(-1)
		l.Pop(2)
		if reject.Code == "" {
			return Result{}, forgeerrors.New(forgeerrors.CodeInternal, "handler rejection carries no code")
		}
		return Result{Reject: reject}, nil
	}
	l.Pop(1)

	l.Field(-1, "events")
	defer l.Pop(1)
	if l.TypeOf(-1) == lua.TypeNil {
		return Result{}, forgeerrors.New(forgeerrors.CodeInternal, "handler returned neither events nor reject")
	}
	if l.TypeOf(-1) != lua.TypeTable {
		return Result{}, forgeerrors.New(forgeerrors.CodeInternal, "handler events must be a list")
	}

	var events []EmittedEvent
	listIndex := l.AbsIndex(-1)
	length := sequenceLength(l, listIndex)
	for i := 1; i <= length; i++ {
		l.RawGetInt(listIndex, i)
		if l.TypeOf(-1) != lua.TypeTable {
			l.Pop(1)
			return Result{}, forgeerrors.Newf(forgeerrors.CodeInternal, "handler event %d is not a table", i)
		}

		var evt EmittedEvent
		l.Field(-1, "type")
		evt.Type, _ = l.ToString(-1)
		l.Pop(1)
		if evt.Type == "" {
			l.Pop(1)
			return Result{}, forgeerrors.Newf(forgeerrors.CodeInternal, "handler event %d has no type", i)
		}

		l.Field(-1, "payload")
		payload, err := toGoValue(l, -1)
		l.Pop(2)
		if err != nil {
			return Result{}, forgeerrors.Wrap(err, forgeerrors.CodeInternal, fmt.Sprintf("handler event %d payload", i))
		}
		asMap, ok := payload.(map[string]any)
		if !ok {
			return Result{}, forgeerrors.Newf(forgeerrors.CodeInternal, "handler event %d payload is not a table", i)
		}
		evt.Payload = asMap
		events = append(events, evt)
	}

	return Result{Events: events}, nil
}
