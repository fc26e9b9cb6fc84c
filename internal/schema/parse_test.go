package schema

import (
	"testing"

	forgeerrors "github.com/eventforge/eventforge/internal/errors"
)

func TestParseFullDefinition(t *testing.T) {
	def, err := Parse(`
events:
  account_opened:
    fields:
      account_id: {type: string, domain_id: true}
      owner: {type: string, optional: true}
      opened_at: {type: timestamp}
  funds_sent:
    fields:
      account_id: {type: string, domain_id: true}
      amount: {type: float}
      memo: {type: string, default: ""}
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if got := def.TypeNames(); len(got) != 2 || got[0] != "account_opened" || got[1] != "funds_sent" {
		t.Fatalf("type names = %v", got)
	}

	opened, ok := def.EventType("account_opened")
	if !ok {
		t.Fatal("account_opened missing")
	}
	if f := opened.Fields["account_id"]; !f.DomainID || f.Type != TypeString {
		t.Errorf("account_id = %+v", f)
	}
	if f := opened.Fields["owner"]; !f.Optional {
		t.Errorf("owner should be optional, got %+v", f)
	}
	if got := opened.DomainIDFields(); len(got) != 1 || got[0] != "account_id" {
		t.Errorf("domain id fields = %v", got)
	}

	sent, _ := def.EventType("funds_sent")
	if f := sent.Fields["memo"]; !f.HasDefault || f.Default != "" {
		t.Errorf("memo default = %+v", f)
	}
}

func TestParseNumericDefaultNormalizesToFloat(t *testing.T) {
	def, err := Parse(`
events:
  counter_bumped:
    fields:
      step: {type: int, default: 1}
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	f := def.Types["counter_bumped"].Fields["step"]
	if !f.HasDefault {
		t.Fatal("default not recorded")
	}
	// Defaults take the shape JSON decoding produces.
	if v, ok := f.Default.(float64); !ok || v != 1 {
		t.Errorf("default = %v (%T)", f.Default, f.Default)
	}
}

func TestParseRejectsInvalidDefinitions(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"not yaml", "events: ["},
		{"no events section", "other: {}"},
		{"type without fields", "events:\n  empty_type: {}\n"},
		{"unknown field type", "events:\n  t:\n    fields:\n      x: {type: decimal}\n"},
		{"non-string domain id", "events:\n  t:\n    fields:\n      x: {type: int, domain_id: true}\n"},
		{"colon in domain id field", "events:\n  t:\n    fields:\n      \"a:b\": {type: string, domain_id: true}\n"},
		{"default type mismatch", "events:\n  t:\n    fields:\n      x: {type: int, default: latest}\n"},
		{"null default on required field", "events:\n  t:\n    fields:\n      x: {type: string, default: null}\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.text); !forgeerrors.IsCode(err, forgeerrors.CodeValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}
