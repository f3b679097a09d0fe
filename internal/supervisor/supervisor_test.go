package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/supv/internal/child"
	"github.com/loykin/supv/internal/worker"
)

func blockingChild(name string) child.Spec {
	return child.Erase(worker.New(worker.Spec[struct{}]{
		Name:   name,
		Policy: child.Permanent,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
	}))
}

func startTree(t *testing.T, o *OneForOne) child.StartResult {
	t.Helper()
	st := o.Start(context.Background())
	select {
	case <-st.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("start did not resolve")
	}
	return st.Result()
}

func waitExit(t *testing.T, sup child.Supervisee) child.ExitResult {
	t.Helper()
	select {
	case <-sup.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("tree did not exit")
	}
	return sup.Exit()
}

func waitUntil(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEmptyGroupStartsThenFinishes(t *testing.T) {
	o := New("empty", 1, time.Minute)
	res := startTree(t, o)
	if res.Outcome != child.StartStarted {
		t.Fatalf("outcome = %v, want started", res.Outcome)
	}
	exit := waitExit(t, res.Child)
	if exit.Outcome != child.ExitFinished {
		t.Fatalf("exit = %v, want finished", exit.Outcome)
	}
}

func TestAllChildrenStart(t *testing.T) {
	o := New("trio", 3, time.Minute).
		Add(blockingChild("a")).
		Add(blockingChild("b")).
		Add(blockingChild("c"))
	res := startTree(t, o)
	if res.Outcome != child.StartStarted {
		t.Fatalf("outcome = %v, want started (err %v)", res.Outcome, res.Err)
	}
	snap := o.Snapshot()
	if snap.Phase != PhaseRunning {
		t.Fatalf("phase = %q, want running", snap.Phase)
	}
	if len(snap.Children) != 3 {
		t.Fatalf("children = %d, want 3", len(snap.Children))
	}
	for _, c := range snap.Children {
		if c.State != "running" {
			t.Fatalf("child %s state = %q, want running", c.Name, c.State)
		}
		if c.StartedAt.IsZero() {
			t.Fatalf("child %s has no start time", c.Name)
		}
	}

	res.Child.Halt()
	exit := waitExit(t, res.Child)
	if exit.Outcome != child.ExitFinished {
		t.Fatalf("exit = %v, want finished (err %v)", exit.Outcome, exit.Err)
	}
	for _, c := range o.Snapshot().Children {
		if c.State != "done" {
			t.Fatalf("child %s state = %q after halt, want done", c.Name, c.State)
		}
	}
}

func TestStartCompletedWhenEveryChildFinishesAtStart(t *testing.T) {
	oneShot := func(name string) child.Spec {
		return child.Erase(worker.New(worker.Spec[struct{}]{Name: name}))
	}
	o := New("batch", 1, time.Minute).Add(oneShot("x")).Add(oneShot("y"))
	res := startTree(t, o)
	if res.Outcome != child.StartCompleted {
		t.Fatalf("outcome = %v, want completed", res.Outcome)
	}
	if o.Snapshot().Phase != PhaseStopped {
		t.Fatalf("phase = %q, want stopped", o.Snapshot().Phase)
	}
}

func TestStartRetriesRecoverableFailures(t *testing.T) {
	var fails int32 = 2
	flaky := worker.New(worker.Spec[struct{}]{
		Name: "flaky",
		Init: func(ctx context.Context) (struct{}, error) {
			if atomic.AddInt32(&fails, -1) >= 0 {
				return struct{}{}, errors.New("not yet")
			}
			return struct{}{}, nil
		},
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
	})
	o := New("retry", 5, time.Minute).Add(child.Erase(flaky))
	res := startTree(t, o)
	if res.Outcome != child.StartStarted {
		t.Fatalf("outcome = %v, want started (err %v)", res.Outcome, res.Err)
	}
	if got := o.Snapshot().Children[0].Restarts; got != 2 {
		t.Fatalf("restarts = %d, want 2", got)
	}
	res.Child.Halt()
	waitExit(t, res.Child)
}

func TestStartBudgetExhaustion(t *testing.T) {
	hopeless := worker.New(worker.Spec[struct{}]{
		Name: "hopeless",
		Init: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, errors.New("nope")
		},
	})
	o := New("doomed", 2, time.Minute).Add(child.Erase(hopeless))
	res := startTree(t, o)
	if res.Outcome != child.StartFatal {
		t.Fatalf("outcome = %v, want fatal", res.Outcome)
	}
	if !errors.Is(res.Err, ErrBudgetExhausted) {
		t.Fatalf("err = %v, want budget exhausted", res.Err)
	}
	var ge *GroupError
	if !errors.As(res.Err, &ge) {
		t.Fatalf("err %T does not carry group state", res.Err)
	}
	if len(ge.Snapshot.Children) != 1 {
		t.Fatalf("snapshot children = %d, want 1", len(ge.Snapshot.Children))
	}
	if st := ge.Snapshot.Children[0].State; st != "pending" {
		t.Fatalf("failed child state = %q, want pending", st)
	}
}

func TestStartTimeout(t *testing.T) {
	stuck := worker.New(worker.Spec[struct{}]{
		Name:         "stuck",
		StartTimeout: 100 * time.Millisecond,
		Init: func(ctx context.Context) (struct{}, error) {
			time.Sleep(2 * time.Second)
			return struct{}{}, nil
		},
	})
	o := New("slow", 1, time.Minute).Add(child.Erase(stuck))
	res := startTree(t, o)
	if res.Outcome != child.StartFatal {
		t.Fatalf("outcome = %v, want fatal", res.Outcome)
	}
	if !errors.Is(res.Err, ErrStartTimeout) {
		t.Fatalf("err = %v, want start timeout", res.Err)
	}
}

func TestFatalChildAtStartDoesNotStopSiblings(t *testing.T) {
	fatal := worker.New(worker.Spec[struct{}]{
		Name: "fatal",
		Init: func(ctx context.Context) (struct{}, error) {
			panic("irrecoverable")
		},
	})
	o := New("tolerant", 100, time.Minute).
		Add(child.Erase(fatal)).
		Add(blockingChild("healthy"))
	res := startTree(t, o)
	if res.Outcome != child.StartStarted {
		t.Fatalf("outcome = %v, want started (err %v)", res.Outcome, res.Err)
	}
	states := map[string]string{}
	for _, c := range o.Snapshot().Children {
		states[c.Name] = c.State
	}
	if states["fatal"] != "failed" {
		t.Fatalf("fatal child state = %q, want failed", states["fatal"])
	}
	if states["healthy"] != "running" {
		t.Fatalf("healthy child state = %q, want running", states["healthy"])
	}

	// The fault is reported when the group settles, not at start.
	res.Child.Halt()
	exit := waitExit(t, res.Child)
	if exit.Outcome != child.ExitFatal {
		t.Fatalf("exit = %v, want fatal", exit.Outcome)
	}
	if !errors.Is(exit.Err, ErrChildFailed) {
		t.Fatalf("err = %v, want child failed", exit.Err)
	}
}

func TestStragglerAbandonedPastShutdownBudget(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	deaf := worker.New(worker.Spec[struct{}]{
		Name:            "deaf",
		ShutdownTimeout: 200 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-block
			return nil
		},
	})
	polite := worker.New(worker.Spec[struct{}]{
		Name:            "polite",
		ShutdownTimeout: 200 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
	})
	o := New("stuck", 1, time.Minute, WithSlack(50*time.Millisecond)).
		Add(child.Erase(deaf)).
		Add(child.Erase(polite))
	res := startTree(t, o)
	if res.Outcome != child.StartStarted {
		t.Fatalf("outcome = %v, want started (err %v)", res.Outcome, res.Err)
	}

	haltedAt := time.Now()
	res.Child.Halt()
	exit := waitExit(t, res.Child)
	if elapsed := time.Since(haltedAt); elapsed > 2*time.Second {
		t.Fatalf("abandonment took %v, want within the shutdown budget", elapsed)
	}
	if exit.Outcome != child.ExitFatal {
		t.Fatalf("exit = %v, want fatal", exit.Outcome)
	}
	if !errors.Is(exit.Err, ErrChildFailed) {
		t.Fatalf("err = %v, want child failed", exit.Err)
	}
	for _, c := range o.Snapshot().Children {
		switch c.Name {
		case "deaf":
			if c.State != "failed" || c.Error != ErrShutdownTimeout.Error() {
				t.Fatalf("deaf child = %q/%q, want failed with shutdown timeout", c.State, c.Error)
			}
		case "polite":
			if c.State != "done" {
				t.Fatalf("polite child state = %q, want done", c.State)
			}
		}
	}
}

func TestSecondStartResolvesFatal(t *testing.T) {
	o := New("once", 1, time.Minute)
	_ = startTree(t, o)
	st := o.Start(context.Background())
	<-st.Done()
	res := st.Result()
	if res.Outcome != child.StartFatal || !errors.Is(res.Err, ErrAlreadyStarted) {
		t.Fatalf("second start = %v/%v, want fatal already-started", res.Outcome, res.Err)
	}
}

func TestChildRestartedInPlace(t *testing.T) {
	var runs int32
	bouncy := worker.New(worker.Spec[struct{}]{
		Name:   "bouncy",
		Policy: child.Transient,
		Run: func(ctx context.Context) error {
			if atomic.AddInt32(&runs, 1) == 1 {
				time.Sleep(20 * time.Millisecond)
				return errors.New("boom")
			}
			<-ctx.Done()
			return nil
		},
	})
	o := New("bounce", 5, time.Minute).
		Add(child.Erase(bouncy)).
		Add(blockingChild("steady"))
	res := startTree(t, o)
	if res.Outcome != child.StartStarted {
		t.Fatalf("outcome = %v, want started (err %v)", res.Outcome, res.Err)
	}
	waitUntil(t, 5*time.Second, "restart", func() bool {
		for _, c := range o.Snapshot().Children {
			if c.Name == "bouncy" && c.Restarts >= 1 && c.State == "running" {
				return true
			}
		}
		return false
	})
	// The sibling is untouched by the restart.
	for _, c := range o.Snapshot().Children {
		if c.Name == "steady" && c.Restarts != 0 {
			t.Fatalf("sibling was restarted")
		}
	}
	res.Child.Halt()
	if exit := waitExit(t, res.Child); exit.Outcome != child.ExitFinished {
		t.Fatalf("exit = %v, want finished", exit.Outcome)
	}
}

func TestEscalationStopsWholeTree(t *testing.T) {
	crashy := worker.New(worker.Spec[struct{}]{
		Name:   "crashy",
		Policy: child.Transient,
		Run: func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			return errors.New("boom")
		},
	})
	o := New("fragile", 1, time.Minute).
		Add(child.Erase(crashy)).
		Add(blockingChild("victim"))
	res := startTree(t, o)
	if res.Outcome != child.StartStarted {
		t.Fatalf("outcome = %v, want started (err %v)", res.Outcome, res.Err)
	}
	exit := waitExit(t, res.Child)
	if exit.Outcome != child.ExitFatal {
		t.Fatalf("exit = %v, want fatal", exit.Outcome)
	}
	if !errors.Is(exit.Err, ErrBudgetExhausted) {
		t.Fatalf("err = %v, want budget exhausted", exit.Err)
	}
	// The healthy sibling was shut down along with the tree.
	for _, c := range o.Snapshot().Children {
		if c.Name == "victim" && c.State != "done" {
			t.Fatalf("victim state = %q, want done", c.State)
		}
	}
	if o.Snapshot().Phase != PhaseStopped {
		t.Fatalf("phase = %q, want stopped", o.Snapshot().Phase)
	}
}

func TestHaltIsIdempotent(t *testing.T) {
	o := New("calm", 1, time.Minute).Add(blockingChild("w"))
	res := startTree(t, o)
	res.Child.Halt()
	res.Child.Halt()
	res.Child.Abort()
	if exit := waitExit(t, res.Child); exit.Outcome != child.ExitFinished {
		t.Fatalf("exit = %v, want finished", exit.Outcome)
	}
}

func TestNestedTrees(t *testing.T) {
	inner := New("inner", 3, time.Minute).
		Add(blockingChild("leaf-a")).
		Add(blockingChild("leaf-b"))
	outer := New("outer", 3, time.Minute).
		Add(inner).
		Add(blockingChild("sibling"))

	res := startTree(t, outer)
	if res.Outcome != child.StartStarted {
		t.Fatalf("outcome = %v, want started (err %v)", res.Outcome, res.Err)
	}
	if inner.Snapshot().Phase != PhaseRunning {
		t.Fatalf("inner phase = %q, want running", inner.Snapshot().Phase)
	}

	res.Child.Halt()
	if exit := waitExit(t, res.Child); exit.Outcome != child.ExitFinished {
		t.Fatalf("exit = %v, want finished (err %v)", exit.Outcome, exit.Err)
	}
	if inner.Snapshot().Phase != PhaseStopped {
		t.Fatalf("inner phase = %q after halt, want stopped", inner.Snapshot().Phase)
	}
}

func TestSnapshotBeforeStart(t *testing.T) {
	o := New("idle", 1, time.Minute).Add(blockingChild("w"))
	snap := o.Snapshot()
	if snap.Phase != PhaseIdle {
		t.Fatalf("phase = %q, want idle", snap.Phase)
	}
	if len(snap.Children) != 1 || snap.Children[0].State != "pending" {
		t.Fatalf("unexpected idle snapshot: %+v", snap.Children)
	}
}

func TestGroupStartTimeoutCoversSlowestChild(t *testing.T) {
	mk := func(name string, d time.Duration) child.Spec {
		return child.Erase(worker.New(worker.Spec[struct{}]{Name: name, StartTimeout: d}))
	}
	o := New("g", 1, time.Minute, WithSlack(10*time.Millisecond)).
		Add(mk("fast", 100*time.Millisecond)).
		Add(mk("slow", 700*time.Millisecond))
	if got, want := o.StartTimeout(), 710*time.Millisecond; got != want {
		t.Fatalf("StartTimeout = %v, want %v", got, want)
	}
}

func TestObserverSeesLifecycle(t *testing.T) {
	var evs []Event
	evCh := make(chan Event, 64)
	o := New("observed", 1, time.Minute, WithObserver(func(e Event) {
		select {
		case evCh <- e:
		default:
		}
	})).Add(blockingChild("w"))

	res := startTree(t, o)
	res.Child.Halt()
	waitExit(t, res.Child)
	close(evCh)
	for e := range evCh {
		evs = append(evs, e)
	}
	var started, finished bool
	for _, e := range evs {
		if e.Kind == EventStarted && e.Child == "w" {
			started = true
		}
		if e.Kind == EventFinished && e.Child == "w" {
			finished = true
		}
	}
	if !started || !finished {
		t.Fatalf("missing lifecycle events: started=%v finished=%v (%d events)", started, finished, len(evs))
	}
}
