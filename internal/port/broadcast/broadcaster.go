// Package broadcast defines the port for mirroring journal events to live
// observers (websocket clients, message bus subscribers).
package broadcast

import (
	"context"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/event"
)

// Broadcaster mirrors an appended event to all connected observers. The
// store remains the source of truth; broadcasting is best-effort.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, e *event.Event)
}

// Multi fans one event out to several broadcasters.
type Multi []Broadcaster

func (m Multi) BroadcastEvent(ctx context.Context, e *event.Event) {
	for _, b := range m {
		b.BroadcastEvent(ctx, e)
	}
}

// Nop discards events; used when no live observer surface is configured.
type Nop struct{}

func (Nop) BroadcastEvent(context.Context, *event.Event) {}
