package proc

import (
	"context"
	"testing"
	"time"

	"github.com/loykin/supv/internal/child"
)

func resolve(t *testing.T, st child.StartingOf[int]) child.StartResultOf[int] {
	t.Helper()
	select {
	case <-st.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("start did not resolve")
	}
	return st.Result()
}

func waitExit(t *testing.T, c child.Supervisee) child.ExitResult {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("process did not exit")
	}
	return c.Exit()
}

func TestStartDeliversPID(t *testing.T) {
	requireUnix(t)
	spec := New(Spec{
		Name:          "sleeper",
		Command:       "sleep 30",
		StartDuration: 100 * time.Millisecond,
	})
	res := resolve(t, spec.Start(context.Background()))
	if res.Outcome != child.StartStarted {
		t.Fatalf("outcome = %v (%v), want started", res.Outcome, res.Err)
	}
	if res.Ref <= 0 {
		t.Fatalf("pid = %d", res.Ref)
	}
	res.Child.Halt()
	exit := waitExit(t, res.Child)
	if exit.Outcome != child.ExitFinished {
		t.Fatalf("halted exit = %v, want finished", exit.Outcome)
	}
}

func TestEarlyExitIsRecoverable(t *testing.T) {
	requireUnix(t)
	spec := New(Spec{
		Name:          "flash",
		Command:       "sh -c 'exit 1'",
		StartDuration: 500 * time.Millisecond,
	})
	res := resolve(t, spec.Start(context.Background()))
	if res.Outcome != child.StartFailed {
		t.Fatalf("outcome = %v, want failed", res.Outcome)
	}
	if res.Retry == nil {
		t.Fatalf("recoverable failure lost its retry spec")
	}
	if res.Err == nil {
		t.Fatalf("failure carries no error")
	}
}

func TestCleanEarlyExitStillFailsStart(t *testing.T) {
	requireUnix(t)
	spec := New(Spec{
		Name:          "blip",
		Command:       "true",
		StartDuration: 300 * time.Millisecond,
	})
	res := resolve(t, spec.Start(context.Background()))
	if res.Outcome != child.StartFailed {
		t.Fatalf("outcome = %v, want failed", res.Outcome)
	}
}

func TestCanceledContextIsFatal(t *testing.T) {
	requireUnix(t)
	spec := New(Spec{
		Name:          "doomed",
		Command:       "sleep 30",
		StartDuration: 5 * time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	st := spec.Start(ctx)
	time.Sleep(100 * time.Millisecond)
	cancel()
	res := resolve(t, st)
	if res.Outcome != child.StartFatal {
		t.Fatalf("outcome = %v, want fatal", res.Outcome)
	}
}

func TestPermanentRestartsOnExit(t *testing.T) {
	requireUnix(t)
	spec := New(Spec{
		Name:    "perm",
		Command: "sh -c 'sleep 0.2'",
		Policy:  child.Permanent,
	})
	res := resolve(t, spec.Start(context.Background()))
	if res.Outcome != child.StartStarted {
		t.Fatalf("outcome = %v (%v), want started", res.Outcome, res.Err)
	}
	exit := waitExit(t, res.Child)
	if exit.Outcome != child.ExitRestart {
		t.Fatalf("exit = %v, want restart", exit.Outcome)
	}
	if exit.Retry == nil {
		t.Fatalf("restart verdict lost its spec")
	}
}

func TestTransientCleanExitFinishes(t *testing.T) {
	requireUnix(t)
	spec := New(Spec{
		Name:    "once",
		Command: "sh -c 'sleep 0.2'",
		Policy:  child.Transient,
	})
	res := resolve(t, spec.Start(context.Background()))
	if res.Outcome != child.StartStarted {
		t.Fatalf("outcome = %v (%v), want started", res.Outcome, res.Err)
	}
	exit := waitExit(t, res.Child)
	if exit.Outcome != child.ExitFinished {
		t.Fatalf("exit = %v, want finished", exit.Outcome)
	}
}

func TestTransientErrorExitRestarts(t *testing.T) {
	requireUnix(t)
	spec := New(Spec{
		Name:    "crasher",
		Command: "sh -c 'sleep 0.2; exit 3'",
		Policy:  child.Transient,
	})
	res := resolve(t, spec.Start(context.Background()))
	if res.Outcome != child.StartStarted {
		t.Fatalf("outcome = %v (%v), want started", res.Outcome, res.Err)
	}
	exit := waitExit(t, res.Child)
	if exit.Outcome != child.ExitRestart {
		t.Fatalf("exit = %v, want restart", exit.Outcome)
	}
}

func TestMissingBinaryFailsStart(t *testing.T) {
	requireUnix(t)
	spec := New(Spec{Name: "nope", Command: "/definitely/not/here"})
	res := resolve(t, spec.Start(context.Background()))
	if res.Outcome != child.StartFailed {
		t.Fatalf("outcome = %v, want failed", res.Outcome)
	}
	if res.Retry == nil {
		t.Fatalf("spawn failure lost its retry spec")
	}
}

func TestStartTimeoutCoversStartDuration(t *testing.T) {
	spec := New(Spec{Name: "w", Command: "true", StartDuration: 30 * time.Second})
	if got := spec.StartTimeout(); got != 31*time.Second {
		t.Fatalf("StartTimeout = %v, want 31s", got)
	}
	spec = New(Spec{Name: "w", Command: "true"})
	if got := spec.StartTimeout(); got != DefaultStartTimeout {
		t.Fatalf("StartTimeout = %v, want default", got)
	}
}
