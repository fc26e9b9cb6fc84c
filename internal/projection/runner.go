// Package projection folds committed events into read models. A runner
// reads the log in position order from a persisted checkpoint, so a
// projection resumes where it left off after a restart.
package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/eventforge/eventforge/internal/event"
	"github.com/eventforge/eventforge/internal/storage"
)

// Projection is one read model fed by the event log.
type Projection interface {
	// Name keys the checkpoint. Renaming a projection replays it from
	// the start of the log.
	Name() string
	// Types returns the event types the projection folds. Empty folds
	// every type.
	Types() []string
	Apply(ctx context.Context, evt event.Event) error
}

// Runner feeds committed events to a projection in batches, advancing
// the checkpoint after each applied batch.
type Runner struct {
	Events      storage.EventStore
	Checkpoints storage.CheckpointStore
	// BatchSize bounds each log read. Zero uses a sensible default.
	BatchSize int
	// PollInterval is how long Run waits at the log head before
	// reading again. Zero uses a sensible default.
	PollInterval time.Duration
}

const (
	defaultBatchSize    = 256
	defaultPollInterval = time.Second
)

// CatchUp folds every committed event past the projection's checkpoint
// and returns the new checkpoint position. An Apply error stops the
// fold; the checkpoint keeps the last fully applied batch, so the
// failing event is redelivered on the next run.
func (r Runner) CatchUp(ctx context.Context, p Projection) (uint64, error) {
	position, err := r.Checkpoints.GetCheckpoint(ctx, p.Name())
	if err != nil {
		return 0, fmt.Errorf("load checkpoint for %s: %w", p.Name(), err)
	}

	batch := r.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}

	for {
		events, err := r.Events.Read(ctx, storage.Filter{
			Types:         p.Types(),
			AfterPosition: position,
			Limit:         batch,
		})
		if err != nil {
			return position, fmt.Errorf("read events for %s: %w", p.Name(), err)
		}
		if len(events) == 0 {
			return position, nil
		}

		for _, evt := range events {
			if err := p.Apply(ctx, evt); err != nil {
				return position, fmt.Errorf("%s: apply %s at position %d: %w",
					p.Name(), evt.Type, evt.Position, err)
			}
		}
		position = events[len(events)-1].Position

		if err := r.Checkpoints.SetCheckpoint(ctx, p.Name(), position); err != nil {
			return position, fmt.Errorf("save checkpoint for %s: %w", p.Name(), err)
		}
		if len(events) < batch {
			return position, nil
		}
	}
}

// Run catches the projection up and then keeps polling the log head
// until the context ends.
func (r Runner) Run(ctx context.Context, p Projection) error {
	interval := r.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	for {
		if _, err := r.CatchUp(ctx, p); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}
