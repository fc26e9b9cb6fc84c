// Package schema defines the versioned catalog of event types and the
// compatibility rules that gate schema evolution.
//
// Versions form a linear, append-only history. A published version is
// immutable; compatibility is always judged against the immediately
// preceding version. The registry never rewrites history: events
// persisted under an older version stay readable after any publish.
package schema

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/eventforge/eventforge/internal/event"
	forgeerrors "github.com/eventforge/eventforge/internal/errors"
)

// FieldType enumerates the payload field types the schema language supports.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeInt       FieldType = "int"
	TypeFloat     FieldType = "float"
	TypeBool      FieldType = "bool"
	TypeTimestamp FieldType = "timestamp"
)

func validFieldType(t FieldType) bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeTimestamp:
		return true
	}
	return false
}

// Field is a single payload field declaration.
type Field struct {
	Name     string
	Type     FieldType
	Optional bool
	// Default, when present, makes a newly added required field an
	// additive change instead of a breaking one.
	Default    any
	HasDefault bool
	// DomainID marks the field as a domain identifier for its event type.
	DomainID bool
}

// EventType is one event type declaration.
type EventType struct {
	Name   string
	Fields map[string]Field
}

// DomainIDFields returns the type's domain-id field names in sorted order.
func (t EventType) DomainIDFields() []string {
	var names []string
	for _, f := range t.Fields {
		if f.DomainID {
			names = append(names, f.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Definition is a full parsed schema: every known event type.
type Definition struct {
	Types map[string]EventType
}

// Version is a published schema version.
type Version struct {
	Number     uint64
	Source     string
	Definition Definition
	CreatedAt  time.Time
}

// EventType looks up a type declaration by name.
func (d Definition) EventType(name string) (EventType, bool) {
	t, ok := d.Types[name]
	return t, ok
}

// TypeNames returns all declared event type names in sorted order.
func (d Definition) TypeNames() []string {
	names := make([]string, 0, len(d.Types))
	for name := range d.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateDraft checks a draft payload against the definition: the type
// must be declared, every payload field must be known with a matching
// value type, and every required field must be present or defaulted.
// Defaults are applied into the payload for absent fields.
func (d Definition) ValidateDraft(draft *event.Draft) error {
	t, ok := d.Types[draft.Type]
	if !ok {
		return forgeerrors.Newf(forgeerrors.CodeValidation, "event type %q is not in the schema", draft.Type)
	}

	for name := range draft.Payload {
		field, ok := t.Fields[name]
		if !ok {
			return forgeerrors.Newf(forgeerrors.CodeValidation, "event %s: unknown field %q", draft.Type, name)
		}
		if err := checkValueType(field, draft.Payload[name]); err != nil {
			return err
		}
	}

	for name, field := range t.Fields {
		if _, present := draft.Payload[name]; present {
			continue
		}
		if field.HasDefault {
			draft.Payload[name] = field.Default
			continue
		}
		if !field.Optional {
			return forgeerrors.Newf(forgeerrors.CodeValidation, "event %s: required field %q is missing", draft.Type, name)
		}
	}

	return nil
}

// ExtractDomainIDs derives the domain identifiers carried by a payload,
// per the type's domain-id field designations. Absent optional domain-id
// fields are skipped. Results are sorted by key.
func (d Definition) ExtractDomainIDs(eventType string, payload map[string]any) ([]event.DomainID, error) {
	t, ok := d.Types[eventType]
	if !ok {
		return nil, forgeerrors.Newf(forgeerrors.CodeValidation, "event type %q is not in the schema", eventType)
	}

	var ids []event.DomainID
	for _, name := range t.DomainIDFields() {
		raw, present := payload[name]
		if !present || raw == nil {
			continue
		}
		value, ok := raw.(string)
		if !ok {
			return nil, forgeerrors.Newf(forgeerrors.CodeValidation,
				"event %s: domain id field %q must hold a string, got %T", eventType, name, raw)
		}
		if value == "" {
			continue
		}
		ids = append(ids, event.DomainID{Field: name, Value: value})
	}
	event.SortDomainIDs(ids)
	return ids, nil
}

func checkValueType(field Field, value any) error {
	if value == nil {
		if field.Optional {
			return nil
		}
		return forgeerrors.Newf(forgeerrors.CodeValidation, "field %q is required and cannot be null", field.Name)
	}

	switch field.Type {
	case TypeString, TypeTimestamp:
		if _, ok := value.(string); !ok {
			return typeMismatch(field, value)
		}
		if field.Type == TypeTimestamp {
			s := value.(string)
			if _, err := time.Parse(time.RFC3339, s); err != nil {
				return forgeerrors.Newf(forgeerrors.CodeValidation,
					"field %q must be an RFC 3339 timestamp: %v", field.Name, err)
			}
		}
	case TypeBool:
		if _, ok := value.(bool); !ok {
			return typeMismatch(field, value)
		}
	case TypeFloat:
		if !isNumber(value) {
			return typeMismatch(field, value)
		}
	case TypeInt:
		f, ok := asFloat(value)
		if !ok || f != math.Trunc(f) {
			return typeMismatch(field, value)
		}
	default:
		return fmt.Errorf("unhandled field type %q", field.Type)
	}
	return nil
}

func typeMismatch(field Field, value any) error {
	return forgeerrors.Newf(forgeerrors.CodeValidation,
		"field %q expects %s, got %T", field.Name, field.Type, value)
}

func isNumber(value any) bool {
	_, ok := asFloat(value)
	return ok
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}
