package supervisor

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ChildStatus is a point-in-time view of one slot.
type ChildStatus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Error     string    `json:"error,omitempty"`
}

// Snapshot is a point-in-time view of a whole group.
type Snapshot struct {
	Name     string        `json:"name"`
	Phase    string        `json:"phase"`
	Children []ChildStatus `json:"children"`
}

// Group phases as reported by Snapshot.
const (
	PhaseIdle     = "idle"
	PhaseStarting = "starting"
	PhaseDraining = "draining"
	PhaseRunning  = "running"
	PhaseHalting  = "halting"
	PhaseStopped  = "stopped"
)

var (
	// ErrBudgetExhausted marks a group failure caused by the restart
	// budget running out.
	ErrBudgetExhausted = errors.New("restart budget exhausted")
	// ErrStartTimeout marks a child that did not reach running within its
	// start timeout.
	ErrStartTimeout = errors.New("start timed out")
	// ErrShutdownTimeout marks a child that did not terminate within its
	// shutdown timeout after a halt or abort.
	ErrShutdownTimeout = errors.New("shutdown timed out")
	// ErrChildFailed marks a group that stopped because a child faulted
	// beyond recovery.
	ErrChildFailed = errors.New("child failed")
	// ErrAlreadyStarted is reported when a consumed group spec is started
	// a second time.
	ErrAlreadyStarted = errors.New("group spec already started")
)

// GroupError is the fatal fault surfaced when a whole group fails. It
// carries the final state of every slot, started or not, for diagnostics.
type GroupError struct {
	Reason   error
	Snapshot Snapshot
}

func (e *GroupError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "group %q: %v", e.Snapshot.Name, e.Reason)
	for _, c := range e.Snapshot.Children {
		fmt.Fprintf(&b, "; %s=%s", c.Name, c.State)
		if c.Error != "" {
			fmt.Fprintf(&b, " (%s)", c.Error)
		}
	}
	return b.String()
}

func (e *GroupError) Unwrap() error { return e.Reason }

// EventKind classifies observer notifications emitted by a group.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventCompleted EventKind = "completed"
	EventRetried   EventKind = "retried"
	EventRestarted EventKind = "restarted"
	EventFinished  EventKind = "finished"
	EventFailed    EventKind = "failed"
	EventEscalated EventKind = "escalated"
)

// Event is a single observer notification. Tree-level events carry an
// empty Child.
type Event struct {
	Kind       EventKind
	OccurredAt time.Time
	Tree       string
	Child      string
	State      string
	Detail     string
}

// Observer receives lifecycle events. It is invoked synchronously from
// the supervision goroutine and must not block.
type Observer func(Event)
