package supervisor

import (
	"time"

	"github.com/loykin/supv/internal/child"
)

// slotState is the closed set of per-child lifecycle states. Exactly one
// holds at any time; transitions happen only on the group's supervision
// goroutine.
type slotState int

const (
	slotPending slotState = iota
	slotStarting
	slotRunning
	slotFailed
	slotDone
)

func (s slotState) String() string {
	switch s {
	case slotPending:
		return "pending"
	case slotStarting:
		return "starting"
	case slotRunning:
		return "running"
	case slotFailed:
		return "failed"
	case slotDone:
		return "done"
	default:
		return "unknown"
	}
}

// slot holds one child. The fields beyond state are populated according
// to the current state: spec for pending, starting for an in-flight start,
// sup for a running child, err for a failed one.
type slot struct {
	id   string
	name string

	state    slotState
	spec     child.Spec
	starting child.Starting
	sup      child.Supervisee
	err      error

	// pendingExit buffers an exit observed while the group was still in
	// its start phase; it is replayed once the group is running (or
	// draining).
	pendingExit *child.ExitResult

	halted    bool
	aborted   bool
	restarts  int
	attemptAt time.Time
	startedAt time.Time
}

func (s *slot) toPending(spec child.Spec) {
	s.state = slotPending
	s.spec = spec
	s.starting = nil
	s.sup = nil
}

func (s *slot) toStarting(st child.Starting) {
	s.state = slotStarting
	s.spec = nil
	s.starting = st
	s.sup = nil
	s.attemptAt = timeNow()
	s.halted = false
	s.aborted = false
	s.pendingExit = nil
}

func (s *slot) toRunning(sup child.Supervisee) {
	s.state = slotRunning
	s.spec = nil
	s.starting = nil
	s.sup = sup
	s.startedAt = timeNow()
}

func (s *slot) toFailed(err error) {
	s.state = slotFailed
	s.spec = nil
	s.starting = nil
	s.sup = nil
	s.err = err
}

func (s *slot) toDone() {
	s.state = slotDone
	s.spec = nil
	s.starting = nil
	s.sup = nil
}
