package schema

import (
	"fmt"
	"sort"
	"strings"
)

// ChangeKind classifies one difference between two schema versions.
type ChangeKind string

const (
	ChangeTypeAdded        ChangeKind = "type_added"
	ChangeTypeRemoved      ChangeKind = "type_removed"
	ChangeFieldAdded       ChangeKind = "field_added"
	ChangeFieldRemoved     ChangeKind = "field_removed"
	ChangeFieldTypeChanged ChangeKind = "field_type_changed"
	ChangeFieldRequired    ChangeKind = "field_required_added"
	ChangeFieldAttributes  ChangeKind = "field_attributes_changed"
)

// Change is one classified difference.
type Change struct {
	Kind      ChangeKind
	EventType string
	Field     string
	Breaking  bool
	Detail    string
	// AffectedEvents counts persisted events impacted by a breaking
	// change, filled in by the registry for operator visibility.
	AffectedEvents int64
}

// Diff is the classified comparison of two schema versions.
type Diff struct {
	Changes []Change
}

// Breaking returns only the breaking changes.
func (d Diff) Breaking() []Change {
	var out []Change
	for _, c := range d.Changes {
		if c.Breaking {
			out = append(out, c)
		}
	}
	return out
}

// HasBreaking reports whether any change is breaking.
func (d Diff) HasBreaking() bool {
	return len(d.Breaking()) > 0
}

// Summary renders a short human-readable change list.
func (d Diff) Summary() string {
	if len(d.Changes) == 0 {
		return "no changes"
	}
	parts := make([]string, 0, len(d.Changes))
	for _, c := range d.Changes {
		label := string(c.Kind)
		target := c.EventType
		if c.Field != "" {
			target = c.EventType + "." + c.Field
		}
		if c.Breaking {
			label = "BREAKING " + label
		}
		parts = append(parts, fmt.Sprintf("%s %s", label, target))
	}
	return strings.Join(parts, "; ")
}

// Compare diffs two schema definitions type-by-type.
//
// Classification per the compatibility rules: a type present in old but
// absent in new is breaking; a field removed is breaking; a field's
// declared type changed is breaking; a field added as required without a
// default is breaking; everything else is additive.
func Compare(old, new Definition) Diff {
	var diff Diff

	for _, name := range old.TypeNames() {
		oldType := old.Types[name]
		newType, ok := new.Types[name]
		if !ok {
			diff.Changes = append(diff.Changes, Change{
				Kind:      ChangeTypeRemoved,
				EventType: name,
				Breaking:  true,
				Detail:    fmt.Sprintf("event type %s was removed", name),
			})
			continue
		}
		diff.Changes = append(diff.Changes, compareFields(oldType, newType)...)
	}

	for _, name := range new.TypeNames() {
		if _, ok := old.Types[name]; !ok {
			diff.Changes = append(diff.Changes, Change{
				Kind:      ChangeTypeAdded,
				EventType: name,
				Detail:    fmt.Sprintf("event type %s was added", name),
			})
		}
	}

	return diff
}

func compareFields(oldType, newType EventType) []Change {
	var changes []Change

	for _, name := range sortedFieldNames(oldType) {
		oldField := oldType.Fields[name]
		newField, ok := newType.Fields[name]
		if !ok {
			changes = append(changes, Change{
				Kind:      ChangeFieldRemoved,
				EventType: oldType.Name,
				Field:     name,
				Breaking:  true,
				Detail:    fmt.Sprintf("field %s.%s was removed", oldType.Name, name),
			})
			continue
		}
		if oldField.Type != newField.Type {
			changes = append(changes, Change{
				Kind:      ChangeFieldTypeChanged,
				EventType: oldType.Name,
				Field:     name,
				Breaking:  true,
				Detail:    fmt.Sprintf("field %s.%s changed type from %s to %s", oldType.Name, name, oldField.Type, newField.Type),
			})
			continue
		}
		if oldField.Optional != newField.Optional || oldField.DomainID != newField.DomainID {
			changes = append(changes, Change{
				Kind:      ChangeFieldAttributes,
				EventType: oldType.Name,
				Field:     name,
				Detail:    fmt.Sprintf("field %s.%s attributes changed", oldType.Name, name),
			})
		}
	}

	for _, name := range sortedFieldNames(newType) {
		newField := newType.Fields[name]
		if _, ok := oldType.Fields[name]; ok {
			continue
		}
		if !newField.Optional && !newField.HasDefault {
			changes = append(changes, Change{
				Kind:      ChangeFieldRequired,
				EventType: oldType.Name,
				Field:     name,
				Breaking:  true,
				Detail:    fmt.Sprintf("field %s.%s was added as required without a default", oldType.Name, name),
			})
			continue
		}
		changes = append(changes, Change{
			Kind:      ChangeFieldAdded,
			EventType: oldType.Name,
			Field:     name,
			Detail:    fmt.Sprintf("field %s.%s was added", oldType.Name, name),
		})
	}

	return changes
}

func sortedFieldNames(t EventType) []string {
	names := make([]string, 0, len(t.Fields))
	for name := range t.Fields {
		names = append(names, name)
	}
	// Deterministic diff ordering for stable reports.
	sort.Strings(names)
	return names
}
