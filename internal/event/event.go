// Package event defines the canonical event envelope used by the write path.
//
// Events are immutable business facts emitted by accepted commands. The
// store assigns position and id at commit; nothing mutates them after.
package event

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DomainID is a schema-designated field value used to scope concurrency
// control and indexing. An event may carry more than one.
type DomainID struct {
	Field string
	Value string
}

// Key returns the canonical "field:value" form used for indexing.
func (d DomainID) Key() string {
	return d.Field + ":" + d.Value
}

// ParseKey splits a canonical "field:value" key back into a DomainID.
func ParseKey(key string) (DomainID, error) {
	field, value, ok := strings.Cut(key, ":")
	if !ok || field == "" || value == "" {
		return DomainID{}, fmt.Errorf("malformed domain id key %q", key)
	}
	return DomainID{Field: field, Value: value}, nil
}

// Event is a committed, immutable fact in the log.
type Event struct {
	// ID is globally unique and sorts by creation time.
	ID string
	// Position is the strictly increasing, gap-free log position
	// assigned at commit.
	Position uint64
	Type     string
	// Timestamp is assigned at commit, UTC, millisecond precision.
	Timestamp time.Time
	// DomainIDs are extracted from the payload per the schema in effect
	// at commit time.
	DomainIDs []DomainID
	// PayloadJSON is the serialized payload as persisted.
	PayloadJSON []byte

	CorrelationID string
	CausationID   string
}

// DecodePayload unmarshals the persisted payload.
func (e Event) DecodePayload() (map[string]any, error) {
	if len(e.PayloadJSON) == 0 {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(e.PayloadJSON, &payload); err != nil {
		return nil, fmt.Errorf("decode payload of event %s: %w", e.ID, err)
	}
	return payload, nil
}

// Draft is an event produced by a handler, not yet committed. The store
// assigns id, position, and timestamp on append.
type Draft struct {
	Type        string
	Payload     map[string]any
	DomainIDs   []DomainID
	PayloadJSON []byte

	CorrelationID string
	CausationID   string
}

// EncodePayload serializes the draft payload into PayloadJSON.
// encoding/json writes map keys in sorted order, so identical payloads
// always encode to identical bytes.
func (d *Draft) EncodePayload() error {
	data, err := json.Marshal(d.Payload)
	if err != nil {
		return fmt.Errorf("encode draft payload: %w", err)
	}
	d.PayloadJSON = data
	return nil
}

// SortDomainIDs orders domain ids by key for stable persistence.
func SortDomainIDs(ids []DomainID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Key() < ids[j].Key() })
}
