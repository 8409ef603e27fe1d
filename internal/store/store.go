// Package store persists the session audit trail: lifecycle transitions,
// enforcement actions, and teardown warnings.
package store

import (
	"context"

	"github.com/agentcage/agentcage/pkg/types"
)

type EventStore interface {
	AppendEvent(ctx context.Context, ev types.Event) error
	QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error)
	Close() error
}

// Nop discards events. Used when auditing is disabled and in tests that
// do not assert on the trail.
type Nop struct{}

func (Nop) AppendEvent(context.Context, types.Event) error { return nil }
func (Nop) QueryEvents(context.Context, types.EventQuery) ([]types.Event, error) {
	return nil, nil
}
func (Nop) Close() error { return nil }

var _ EventStore = Nop{}
