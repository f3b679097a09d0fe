// Package journal exports supervision lifecycle events to external
// systems for diagnostics and audit. The journal is write-only: nothing
// in the supervision path ever reads it back.
package journal

import (
	"context"
	"time"
)

// Event is one supervision lifecycle event. Tree-level events carry an
// empty Child.
type Event struct {
	Kind       string    `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	Tree       string    `json:"tree"`
	Child      string    `json:"child,omitempty"`
	State      string    `json:"state,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for journal events. Implementations must be
// safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
