// Package idempotency provides the Redis-backed reserve/commit cache
// that makes command execution safe to retry.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eventforge/eventforge/internal/event"
)

// State reports what GetOrReserve found for a key.
type State int

const (
	// StateReserved means the caller now owns the key and must execute
	// the command, then Commit or Release.
	StateReserved State = iota
	// StateHit means a completed outcome was cached; return it without
	// executing.
	StateHit
	// StatePending means another execution holds the reservation.
	StatePending
)

// Outcome is the cached terminal result of a command execution.
// Conflicts are never cached; only accepted and rejected outcomes are.
// Accepted outcomes keep the committed event batch so a replay returns
// exactly what the original execution returned.
type Outcome struct {
	Status        string        `json:"status"`
	Events        []event.Event `json:"events,omitempty"`
	EventIDs      []string      `json:"event_ids,omitempty"`
	Positions     []uint64      `json:"positions,omitempty"`
	RejectCode    string        `json:"reject_code,omitempty"`
	RejectMessage string        `json:"reject_message,omitempty"`
}

const (
	// StatusAccepted marks an outcome whose events were committed.
	StatusAccepted = "accepted"
	// StatusRejected marks a handler rejection, a valid cached outcome.
	StatusRejected = "rejected"

	statusPending = "pending"
)

// Result pairs the reservation state with the cached outcome on a hit.
type Result struct {
	State   State
	Outcome Outcome
}

// Cache stores reservations and outcomes in Redis so every runtime
// instance observes the same execution exactly once per key.
type Cache struct {
	client       *redis.Client
	reserveTTL   time.Duration
	retentionTTL time.Duration
}

// NewCache creates a cache using the provided Redis client. reserveTTL
// bounds how long an in-flight execution may hold a key; retentionTTL
// is how long committed outcomes stay replayable.
func NewCache(client *redis.Client, reserveTTL, retentionTTL time.Duration) *Cache {
	return &Cache{client: client, reserveTTL: reserveTTL, retentionTTL: retentionTTL}
}

func (c *Cache) key(command, key string) string {
	return fmt.Sprintf("idem:%s:%s", command, key)
}

// GetOrReserve atomically reserves the key for this execution, or
// reports the cached outcome or an in-flight reservation.
func (c *Cache) GetOrReserve(ctx context.Context, command, key string) (Result, error) {
	marker, err := json.Marshal(Outcome{Status: statusPending})
	if err != nil {
		return Result{}, fmt.Errorf("encode reservation: %w", err)
	}

	reserved, err := c.client.SetNX(ctx, c.key(command, key), marker, c.reserveTTL).Result()
	if err != nil {
		return Result{}, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if reserved {
		return Result{State: StateReserved}, nil
	}

	raw, err := c.client.Get(ctx, c.key(command, key)).Result()
	if errors.Is(err, redis.Nil) {
		// The holder released or expired between SETNX and GET; the
		// caller retries and wins the reservation next time.
		return Result{State: StatePending}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("get idempotency key: %w", err)
	}

	var outcome Outcome
	if err := json.Unmarshal([]byte(raw), &outcome); err != nil {
		return Result{}, fmt.Errorf("decode cached outcome: %w", err)
	}
	if outcome.Status == statusPending {
		return Result{State: StatePending}, nil
	}
	return Result{State: StateHit, Outcome: outcome}, nil
}

// Commit replaces the reservation with a terminal outcome, retained
// for the configured retention window.
func (c *Cache) Commit(ctx context.Context, command, key string, outcome Outcome) error {
	if outcome.Status != StatusAccepted && outcome.Status != StatusRejected {
		return fmt.Errorf("outcome status %q is not cacheable", outcome.Status)
	}

	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	if err := c.client.Set(ctx, c.key(command, key), data, c.retentionTTL).Err(); err != nil {
		return fmt.Errorf("commit outcome: %w", err)
	}
	return nil
}

// Release drops a reservation whose execution did not reach a terminal
// outcome so the caller may retry the command.
func (c *Cache) Release(ctx context.Context, command, key string) error {
	if err := c.client.Del(ctx, c.key(command, key)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
