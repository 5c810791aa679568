// Package service composes the domain, ports, and adapters into the
// orchestrator's use cases: project administration, protocol lifecycle,
// planning, step execution, the QA gate, policy evaluation, webhook folding,
// and the queue worker.
package service

import (
	"context"
	"fmt"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/event"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/broadcast"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/database"
)

// Journal appends events to the store and mirrors them to live observers.
// The store is the source of truth; broadcasting is best-effort and never
// fails an append.
type Journal struct {
	store database.Store
	hub   broadcast.Broadcaster
}

// NewJournal creates a Journal. A nil broadcaster discards mirror traffic.
func NewJournal(store database.Store, hub broadcast.Broadcaster) *Journal {
	if hub == nil {
		hub = broadcast.Nop{}
	}
	return &Journal{store: store, hub: hub}
}

// Append persists the event and mirrors it to observers. A handler that
// cannot journal must not continue, so append failures propagate.
func (j *Journal) Append(ctx context.Context, e *event.Event) (*event.Event, error) {
	stored, err := j.store.AppendEvent(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("append %s event: %w", e.EventType, err)
	}
	j.hub.BroadcastEvent(ctx, stored)
	return stored, nil
}
