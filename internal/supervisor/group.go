package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/supv/internal/child"
	"github.com/loykin/supv/internal/metrics"
)

// group is the shared state a consumed OneForOne spec, its in-flight
// start attempt, and the resulting running supervisee all point at. Every
// slot transition happens on the single supervision goroutine running
// run(); the mutex only guards the published statuses read by Snapshot.
type group struct {
	name   string
	limit  int
	within time.Duration
	slack  time.Duration
	log    *slog.Logger
	obs    Observer
	opts   []Option

	limiter *limiter
	slots   []*slot
	ctx     context.Context

	// events carries start completions, exits and per-slot deadlines from
	// watcher goroutines into the supervision goroutine.
	events chan event

	startDone chan struct{}
	startRes  child.StartResult
	exitDone  chan struct{}
	exitRes   child.ExitResult

	haltCh    chan struct{}
	haltOnce  sync.Once
	abortCh   chan struct{}
	abortOnce sync.Once

	// stopped is closed when the supervision goroutine returns; it
	// unblocks any watcher still trying to deliver an event.
	stopped chan struct{}

	// shutdownC is armed once the group starts winding down.
	shutdownC <-chan time.Time

	halted    bool
	aborted   bool
	escalated bool

	mu            sync.Mutex
	phase         string
	statuses      []ChildStatus
	shutdownTotal time.Duration
}

type event struct {
	idx      int
	starting child.Starting
	sup      child.Supervisee
	deadline bool
}

func newGroup(o *OneForOne, ctx context.Context) *group {
	g := &group{
		name:      o.name,
		limit:     o.limit,
		within:    o.within,
		slack:     o.slack,
		log:       o.log,
		obs:       o.obs,
		opts:      o.opts,
		limiter:   newLimiter(o.limit, o.within),
		ctx:       ctx,
		events:    make(chan event, 2*len(o.specs)+4),
		startDone: make(chan struct{}),
		exitDone:  make(chan struct{}),
		haltCh:    make(chan struct{}),
		abortCh:   make(chan struct{}),
		stopped:   make(chan struct{}),
		phase:     PhaseStarting,
		statuses:  make([]ChildStatus, len(o.statuses)),
	}
	copy(g.statuses, o.statuses)
	for i, spec := range o.specs {
		s := &slot{id: o.statuses[i].ID, name: spec.Name(), state: slotPending, spec: spec}
		g.slots = append(g.slots, s)
	}
	return g
}

// groupStarting is the Starting view onto a group's start attempt.
type groupStarting struct{ g *group }

func (s groupStarting) Done() <-chan struct{}     { return s.g.startDone }
func (s groupStarting) Result() child.StartResult { return s.g.startRes }

// groupSupervisee is the Supervisee view onto a running group.
type groupSupervisee struct{ g *group }

func (s groupSupervisee) ShutdownTimeout() time.Duration {
	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	return s.g.shutdownTotal + s.g.slack
}

func (s groupSupervisee) Halt() {
	s.g.haltOnce.Do(func() { close(s.g.haltCh) })
}

func (s groupSupervisee) Abort() {
	s.g.abortOnce.Do(func() { close(s.g.abortCh) })
}

func (s groupSupervisee) Done() <-chan struct{}   { return s.g.exitDone }
func (s groupSupervisee) Exit() child.ExitResult  { return s.g.exitRes }

//
// Supervision goroutine
//

func (g *group) run(ctx context.Context) {
	defer close(g.stopped)
	if !g.runStartPhase(ctx) {
		return
	}
	g.runSupervising(ctx)
}

// runStartPhase fans out every pending slot at once under one shared
// timer and reports whether the group reached its running state.
func (g *group) runStartPhase(ctx context.Context) bool {
	budget := g.slack
	for _, s := range g.slots {
		if d := s.spec.StartTimeout() + g.slack; d > budget {
			budget = d
		}
	}
	for i := range g.slots {
		g.startSlot(i, false)
	}

	timer := time.NewTimer(budget)
	defer timer.Stop()

	for {
		// An irrecoverable child does not block the fan-out while the
		// budget holds; it rides along and surfaces on the group's exit.
		if g.noneIn(slotStarting) && g.allIn(slotRunning, slotDone, slotFailed) {
			if len(g.slots) > 0 && g.noneIn(slotRunning) && g.noneIn(slotFailed) {
				// Every child completed during fan-out; there is nothing
				// left to supervise.
				g.setPhase(PhaseStopped)
				g.resolveStart(child.StartResult{Outcome: child.StartCompleted})
				return false
			}
			g.resolveStartSuccess()
			return true
		}
		select {
		case ev := <-g.events:
			if exhausted := g.handleStartEvent(ev); exhausted {
				return g.drain(ctx, true)
			}
		case <-timer.C:
			return g.drain(ctx, false)
		case <-ctx.Done():
			g.abortAll()
			g.resolveStart(child.StartResult{
				Outcome: child.StartFatal,
				Err:     &GroupError{Reason: ctx.Err(), Snapshot: g.snapshot()},
			})
			return false
		}
	}
}

// handleStartEvent advances one slot during fan-out. It reports whether
// the restart budget ran out, which forces the draining phase.
func (g *group) handleStartEvent(ev event) bool {
	s := g.slots[ev.idx]
	if ev.sup != nil {
		// Children are not supervised for exits until the group itself is
		// running; remember the exit and replay it later.
		if s.state == slotRunning && s.sup == ev.sup {
			res := ev.sup.Exit()
			s.pendingExit = &res
		}
		return false
	}
	if s.state != slotStarting || s.starting != ev.starting {
		return false
	}
	res := ev.starting.Result()
	switch res.Outcome {
	case child.StartStarted:
		g.childStarted(ev.idx, res)
	case child.StartCompleted:
		s.toDone()
		g.publish(ev.idx)
		g.emit(EventCompleted, s, "")
	case child.StartFailed:
		s.toPending(res.Retry)
		if !g.limiter.withinLimit() {
			g.publish(ev.idx)
			g.log.Warn("restart budget exhausted during start", "tree", g.name, "child", s.name)
			return true
		}
		s.restarts++
		g.emit(EventRetried, s, "")
		metrics.IncRestart(s.name)
		g.startSlot(ev.idx, false)
	case child.StartFatal:
		s.toFailed(res.Err)
		g.publish(ev.idx)
		g.emit(EventFailed, s, res.Err.Error())
		g.log.Warn("child failed to start", "tree", g.name, "child", s.name, "err", res.Err)
		if !g.limiter.withinLimit() {
			return true
		}
	}
	return false
}

// drain winds the group down after budget exhaustion or a start timeout:
// in-flight starts keep resolving, but nothing is retried. It reports
// whether the final verdict still produced a running group.
func (g *group) drain(ctx context.Context, exhausted bool) bool {
	g.setPhase(PhaseDraining)
	for i, s := range g.slots {
		if s.state == slotRunning && s.pendingExit != nil {
			res := *s.pendingExit
			s.pendingExit = nil
			g.drainExit(i, res)
		}
	}

	timer := time.NewTimer(g.shutdownBudget())
	defer timer.Stop()
	timedOut := false
	for !timedOut && !g.noneIn(slotStarting) {
		select {
		case ev := <-g.events:
			g.handleDrainEvent(ev)
		case <-timer.C:
			timedOut = true
		case <-ctx.Done():
			timedOut = true
		}
	}

	switch {
	case exhausted:
		g.failStart(ErrBudgetExhausted)
		return false
	case !g.noneIn(slotStarting):
		g.failStart(ErrStartTimeout)
		return false
	case g.allIn(slotDone):
		g.setPhase(PhaseStopped)
		g.resolveStart(child.StartResult{Outcome: child.StartCompleted})
		return false
	default:
		// Slots left pending here never started; the running group
		// re-drives them through the limiter-gated restart path.
		g.resolveStartSuccess()
		return true
	}
}

func (g *group) handleDrainEvent(ev event) {
	s := g.slots[ev.idx]
	if ev.sup != nil {
		if s.state == slotRunning && s.sup == ev.sup {
			g.drainExit(ev.idx, ev.sup.Exit())
		}
		return
	}
	if s.state != slotStarting || s.starting != ev.starting {
		return
	}
	res := ev.starting.Result()
	switch res.Outcome {
	case child.StartStarted:
		// Too late to count towards success, but the child is running and
		// belongs to the group.
		g.childStarted(ev.idx, res)
	case child.StartCompleted:
		s.toDone()
		g.publish(ev.idx)
	case child.StartFailed:
		s.toPending(res.Retry)
		g.publish(ev.idx)
	case child.StartFatal:
		s.toFailed(res.Err)
		g.publish(ev.idx)
		g.emit(EventFailed, s, res.Err.Error())
	}
}

func (g *group) drainExit(i int, res child.ExitResult) {
	s := g.slots[i]
	switch res.Outcome {
	case child.ExitRestart:
		s.toPending(res.Retry)
	case child.ExitFinished:
		s.toDone()
	case child.ExitFatal:
		s.toFailed(res.Err)
		g.emit(EventFailed, s, res.Err.Error())
	}
	g.publish(i)
}

// failStart resolves the start attempt fatally, carrying the whole
// group's state, and signals whatever did come up to stop.
func (g *group) failStart(reason error) {
	g.haltAll()
	g.abortAll()
	g.setPhase(PhaseStopped)
	g.emitTree(EventEscalated, reason.Error())
	metrics.IncEscalation(g.name)
	g.resolveStart(child.StartResult{
		Outcome: child.StartFatal,
		Err:     &GroupError{Reason: reason, Snapshot: g.snapshot()},
	})
}

// runSupervising is the steady state: every running slot is watched
// independently, restarts are limiter-gated and happen in place.
func (g *group) runSupervising(ctx context.Context) {
	for i, s := range g.slots {
		if s.state == slotPending && !g.stopping() {
			g.restartSlot(i)
		}
	}
	for i, s := range g.slots {
		if s.state == slotRunning && s.pendingExit != nil {
			res := *s.pendingExit
			s.pendingExit = nil
			g.superviseExit(i, res)
		}
	}

	haltC, abortC, ctxC := g.haltCh, g.abortCh, ctx.Done()
	for {
		if g.settled() {
			g.resolveExit()
			return
		}
		select {
		case ev := <-g.events:
			g.superviseEvent(ev)
		case <-haltC:
			haltC = nil
			g.beginHalt()
		case <-abortC:
			abortC = nil
			g.beginAbort()
		case <-ctxC:
			ctxC = nil
			g.beginAbort()
		case <-g.shutdownC:
			g.abandonStragglers()
		}
	}
}

func (g *group) superviseEvent(ev event) {
	s := g.slots[ev.idx]
	switch {
	case ev.sup != nil:
		if s.state == slotRunning && s.sup == ev.sup {
			g.superviseExit(ev.idx, ev.sup.Exit())
		}
	case ev.deadline:
		if s.state != slotStarting || s.starting != ev.starting {
			return
		}
		s.toFailed(ErrStartTimeout)
		g.publish(ev.idx)
		g.emit(EventFailed, s, ErrStartTimeout.Error())
		if !g.stopping() && !g.limiter.withinLimit() {
			g.escalate()
		}
	case ev.starting != nil:
		if s.state != slotStarting || s.starting != ev.starting {
			return
		}
		res := ev.starting.Result()
		switch res.Outcome {
		case child.StartStarted:
			g.childStarted(ev.idx, res)
			if g.stopping() {
				// The group is winding down; stop the late arrival.
				if g.aborted {
					res.Child.Abort()
					s.aborted = true
				} else {
					res.Child.Halt()
				}
				s.halted = true
			}
		case child.StartCompleted:
			s.toDone()
			g.publish(ev.idx)
			g.emit(EventCompleted, s, "")
		case child.StartFailed:
			s.toPending(res.Retry)
			g.publish(ev.idx)
			if !g.stopping() {
				g.restartSlot(ev.idx)
			}
		case child.StartFatal:
			s.toFailed(res.Err)
			g.publish(ev.idx)
			g.emit(EventFailed, s, res.Err.Error())
			if !g.stopping() && !g.limiter.withinLimit() {
				g.escalate()
			}
		}
	}
}

func (g *group) superviseExit(i int, res child.ExitResult) {
	s := g.slots[i]
	metrics.IncExit(s.name, res.Outcome.String())
	switch res.Outcome {
	case child.ExitFinished:
		s.toDone()
		g.publish(i)
		g.emit(EventFinished, s, "")
	case child.ExitRestart:
		s.toPending(res.Retry)
		g.publish(i)
		if !g.stopping() {
			g.restartSlot(i)
		}
	case child.ExitFatal:
		s.toFailed(res.Err)
		g.publish(i)
		g.emit(EventFailed, s, res.Err.Error())
		g.log.Warn("child failed", "tree", g.name, "child", s.name, "err", res.Err)
		if !g.stopping() && !g.limiter.withinLimit() {
			g.escalate()
		}
	}
}

// restartSlot re-drives a pending slot, consuming one restart-budget
// unit. Exhaustion escalates to a group-wide shutdown.
func (g *group) restartSlot(i int) {
	s := g.slots[i]
	if !g.limiter.withinLimit() {
		g.escalate()
		return
	}
	s.restarts++
	g.emit(EventRestarted, s, "")
	metrics.IncRestart(s.name)
	g.log.Info("restarting child", "tree", g.name, "child", s.name, "restarts", s.restarts)
	g.startSlot(i, true)
}

// escalate promotes a local failure into a group-wide shutdown once the
// restart budget is exhausted.
func (g *group) escalate() {
	if g.escalated {
		return
	}
	g.escalated = true
	g.log.Error("restart budget exhausted, stopping group", "tree", g.name)
	g.emitTree(EventEscalated, ErrBudgetExhausted.Error())
	metrics.IncEscalation(g.name)
	g.haltAll()
	g.armShutdownTimer()
}

func (g *group) beginHalt() {
	if g.halted {
		return
	}
	g.halted = true
	g.haltAll()
	g.armShutdownTimer()
}

func (g *group) beginAbort() {
	if g.aborted {
		return
	}
	g.halted = true
	g.aborted = true
	g.abortAll()
	g.armShutdownTimer()
}

func (g *group) armShutdownTimer() {
	g.setPhase(PhaseHalting)
	g.shutdownC = time.After(g.shutdownBudget())
}

// abandonStragglers gives up on children that ignored their stop signal
// past the shutdown budget.
func (g *group) abandonStragglers() {
	for i, s := range g.slots {
		switch s.state {
		case slotRunning:
			s.sup.Abort()
			s.toFailed(ErrShutdownTimeout)
			g.publish(i)
			g.emit(EventFailed, s, ErrShutdownTimeout.Error())
		case slotStarting:
			s.toFailed(ErrShutdownTimeout)
			g.publish(i)
			g.emit(EventFailed, s, ErrShutdownTimeout.Error())
		}
	}
}

func (g *group) resolveExit() {
	g.setPhase(PhaseStopped)
	metrics.SetRunningChildren(g.name, 0)
	switch {
	case g.escalated:
		g.exitRes = child.ExitResult{
			Outcome: child.ExitFatal,
			Err:     &GroupError{Reason: ErrBudgetExhausted, Snapshot: g.snapshot()},
		}
	case !g.noneIn(slotFailed):
		g.exitRes = child.ExitResult{
			Outcome: child.ExitFatal,
			Err:     &GroupError{Reason: ErrChildFailed, Snapshot: g.snapshot()},
		}
	case !g.noneIn(slotPending):
		retry := New(g.name, g.limit, g.within, g.opts...)
		for _, s := range g.slots {
			if s.state == slotPending {
				retry.Add(s.spec)
			}
		}
		g.exitRes = child.ExitResult{Outcome: child.ExitRestart, Retry: retry}
	default:
		g.exitRes = child.ExitResult{Outcome: child.ExitFinished}
	}
	close(g.exitDone)
}

//
// Slot plumbing
//

// startSlot consumes the slot's spec and watches the start attempt. A
// per-slot deadline is armed for restarts in the running phase; during
// fan-out the group's shared timer covers everyone.
func (g *group) startSlot(i int, withDeadline bool) {
	s := g.slots[i]
	spec := s.spec
	st := spec.Start(g.ctx)
	s.toStarting(st)
	g.publish(i)
	go func(i int, st child.Starting) {
		select {
		case <-st.Done():
			select {
			case g.events <- event{idx: i, starting: st}:
			case <-g.stopped:
			}
		case <-g.stopped:
		}
	}(i, st)
	if withDeadline {
		d := spec.StartTimeout() + g.slack
		time.AfterFunc(d, func() {
			select {
			case g.events <- event{idx: i, starting: st, deadline: true}:
			case <-g.stopped:
			}
		})
	}
}

func (g *group) childStarted(i int, res child.StartResult) {
	s := g.slots[i]
	attemptAt := s.attemptAt
	s.toRunning(res.Child)
	g.publish(i)
	g.emit(EventStarted, s, "")
	metrics.IncStart(s.name)
	metrics.ObserveStartDuration(s.name, s.startedAt.Sub(attemptAt).Seconds())
	g.log.Info("child started", "tree", g.name, "child", s.name)

	g.mu.Lock()
	if d := res.Child.ShutdownTimeout(); d > g.shutdownTotal {
		g.shutdownTotal = d
	}
	g.mu.Unlock()

	go func(i int, sup child.Supervisee) {
		select {
		case <-sup.Done():
			select {
			case g.events <- event{idx: i, sup: sup}:
			case <-g.stopped:
			}
		case <-g.stopped:
		}
	}(i, res.Child)
}

func (g *group) haltAll() {
	for _, s := range g.slots {
		if s.state == slotRunning && !s.halted {
			s.sup.Halt()
			s.halted = true
		}
	}
}

func (g *group) abortAll() {
	for _, s := range g.slots {
		if s.state == slotRunning && !s.aborted {
			s.sup.Abort()
			s.aborted = true
			s.halted = true
		}
	}
}

func (g *group) stopping() bool { return g.halted || g.aborted || g.escalated }

func (g *group) settled() bool {
	return g.noneIn(slotStarting) && g.noneIn(slotRunning) &&
		(g.stopping() || g.noneIn(slotPending))
}

func (g *group) noneIn(state slotState) bool {
	for _, s := range g.slots {
		if s.state == state {
			return false
		}
	}
	return true
}

func (g *group) allIn(states ...slotState) bool {
	for _, s := range g.slots {
		ok := false
		for _, st := range states {
			if s.state == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// shutdownBudget is the slowest running child's shutdown timeout plus
// slack.
func (g *group) shutdownBudget() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.shutdownTotal + g.slack
}

func (g *group) resolveStart(res child.StartResult) {
	g.startRes = res
	close(g.startDone)
}

func (g *group) resolveStartSuccess() {
	g.setPhase(PhaseRunning)
	g.resolveStart(child.StartResult{
		Outcome: child.StartStarted,
		Child:   groupSupervisee{g: g},
	})
}

//
// Published state
//

func (g *group) publish(i int) {
	s := g.slots[i]
	st := ChildStatus{ID: s.id, Name: s.name, State: s.state.String(), Restarts: s.restarts}
	if s.state == slotRunning {
		st.StartedAt = s.startedAt
	}
	if s.state == slotFailed && s.err != nil {
		st.Error = s.err.Error()
	}
	running := 0
	for _, sl := range g.slots {
		if sl.state == slotRunning {
			running++
		}
	}
	g.mu.Lock()
	g.statuses[i] = st
	g.mu.Unlock()
	metrics.SetRunningChildren(g.name, running)
}

func (g *group) setPhase(p string) {
	g.mu.Lock()
	g.phase = p
	g.mu.Unlock()
}

func (g *group) snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	cs := make([]ChildStatus, len(g.statuses))
	copy(cs, g.statuses)
	return Snapshot{Name: g.name, Phase: g.phase, Children: cs}
}

func (g *group) emit(kind EventKind, s *slot, detail string) {
	if g.obs == nil {
		return
	}
	g.obs(Event{
		Kind:       kind,
		OccurredAt: timeNow(),
		Tree:       g.name,
		Child:      s.name,
		State:      s.state.String(),
		Detail:     detail,
	})
}

func (g *group) emitTree(kind EventKind, detail string) {
	if g.obs == nil {
		return
	}
	g.obs(Event{Kind: kind, OccurredAt: timeNow(), Tree: g.name, Detail: detail})
}
