package schema

import (
	"strings"

	"gopkg.in/yaml.v3"

	forgeerrors "github.com/eventforge/eventforge/internal/errors"
)

// schemaDoc mirrors the YAML schema definition text.
//
//	events:
//	  OpenedAccount:
//	    fields:
//	      account_id: {type: string, domain_id: true}
//	      initial_balance: {type: float}
type schemaDoc struct {
	Events map[string]eventDoc `yaml:"events"`
}

type eventDoc struct {
	Fields map[string]fieldDoc `yaml:"fields"`
}

type fieldDoc struct {
	Type     string    `yaml:"type"`
	Optional bool      `yaml:"optional"`
	DomainID bool      `yaml:"domain_id"`
	Default  yaml.Node `yaml:"default"`
}

// Parse parses and validates schema definition text.
func Parse(text string) (Definition, error) {
	var doc schemaDoc
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return Definition{}, forgeerrors.Wrap(err, forgeerrors.CodeValidation, "schema text is not valid YAML")
	}
	if doc.Events == nil {
		return Definition{}, forgeerrors.New(forgeerrors.CodeValidation, "schema must declare an events section")
	}

	def := Definition{Types: make(map[string]EventType, len(doc.Events))}
	for typeName, eventSpec := range doc.Events {
		if strings.TrimSpace(typeName) == "" {
			return Definition{}, forgeerrors.New(forgeerrors.CodeValidation, "event type name must not be empty")
		}
		if len(eventSpec.Fields) == 0 {
			return Definition{}, forgeerrors.Newf(forgeerrors.CodeValidation, "event %s declares no fields", typeName)
		}

		t := EventType{Name: typeName, Fields: make(map[string]Field, len(eventSpec.Fields))}
		for fieldName, fieldSpec := range eventSpec.Fields {
			field, err := parseField(typeName, fieldName, fieldSpec)
			if err != nil {
				return Definition{}, err
			}
			t.Fields[fieldName] = field
		}
		def.Types[typeName] = t
	}
	return def, nil
}

func parseField(typeName, fieldName string, spec fieldDoc) (Field, error) {
	if strings.TrimSpace(fieldName) == "" {
		return Field{}, forgeerrors.Newf(forgeerrors.CodeValidation, "event %s: field name must not be empty", typeName)
	}

	fieldType := FieldType(spec.Type)
	if !validFieldType(fieldType) {
		return Field{}, forgeerrors.Newf(forgeerrors.CodeValidation,
			"event %s: field %q has unknown type %q", typeName, fieldName, spec.Type)
	}

	field := Field{
		Name:     fieldName,
		Type:     fieldType,
		Optional: spec.Optional,
		DomainID: spec.DomainID,
	}

	if field.DomainID {
		// Domain-id values serialize as "field:value" index keys.
		if strings.Contains(fieldName, ":") {
			return Field{}, forgeerrors.Newf(forgeerrors.CodeValidation,
				"event %s: domain id field %q must not contain a colon", typeName, fieldName)
		}
		if field.Type != TypeString {
			return Field{}, forgeerrors.Newf(forgeerrors.CodeValidation,
				"event %s: domain id field %q must be a string", typeName, fieldName)
		}
	}

	// A zero Kind means the default key was absent.
	if spec.Default.Kind != 0 {
		var value any
		if err := spec.Default.Decode(&value); err != nil {
			return Field{}, forgeerrors.Newf(forgeerrors.CodeValidation,
				"event %s: field %q has an undecodable default: %v", typeName, fieldName, err)
		}
		normalized, err := normalizeDefault(field, value)
		if err != nil {
			return Field{}, forgeerrors.Newf(forgeerrors.CodeValidation,
				"event %s: field %q default does not match its type: %v", typeName, fieldName, err)
		}
		field.Default = normalized
		field.HasDefault = true
	}

	return field, nil
}

// normalizeDefault coerces YAML scalar defaults into the value shapes
// produced by JSON decoding, so defaults and submitted values compare alike.
func normalizeDefault(field Field, value any) (any, error) {
	if value == nil {
		if !field.Optional {
			return nil, forgeerrors.Newf(forgeerrors.CodeValidation, "null default on required field %q", field.Name)
		}
		return nil, nil
	}
	switch field.Type {
	case TypeInt, TypeFloat:
		f, ok := asFloat(value)
		if !ok {
			return nil, forgeerrors.Newf(forgeerrors.CodeValidation, "default %v is not numeric", value)
		}
		return f, nil
	case TypeBool:
		if b, ok := value.(bool); ok {
			return b, nil
		}
		return nil, forgeerrors.Newf(forgeerrors.CodeValidation, "default %v is not a bool", value)
	default:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return nil, forgeerrors.Newf(forgeerrors.CodeValidation, "default %v is not a string", value)
	}
}
