// Package store persists the lifecycle journal: an append-only record of every
// container state transition the daemon performs. The journal is best-effort
// observability data; writes that fail are logged by the caller and never fail
// the lifecycle operation itself.
package store

import (
	"context"
	"errors"

	"github.com/vesselvm/vessel/internal/model"
)

// ErrNoEvents is returned when a container has no journal entries.
var ErrNoEvents = errors.New("no events recorded for container")

// Journal records and replays lifecycle events.
type Journal interface {
	Append(ctx context.Context, e *model.Event) error
	EventsFor(ctx context.Context, containerID string) ([]model.Event, error)
	Close() error
}
