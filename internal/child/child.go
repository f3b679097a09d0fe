// Package child defines the two-sided contract every supervised unit
// implements: a Spec describing how to start it, and a Supervisee handle
// for a unit that is running. Supervisors drive children exclusively
// through this contract; they never touch the substrate that actually
// runs the child's body.
package child

import (
	"context"
	"time"
)

// Spec is an inert recipe for starting one supervised child. A Spec is
// single-use: Start consumes it. When a start attempt fails recoverably,
// the resulting StartResult carries a fresh Spec that produces the same
// logical child again.
type Spec interface {
	Name() string
	// StartTimeout is the maximum latency allowed between Start and the
	// child reaching its running state.
	StartTimeout() time.Duration
	// Start begins the start attempt and returns immediately. The attempt
	// resolves through the returned Starting handle.
	Start(ctx context.Context) Starting
}

// Starting is an in-flight start attempt. Done is closed when the attempt
// has resolved; Result may only be called after that.
type Starting interface {
	Done() <-chan struct{}
	Result() StartResult
}

// Supervisee is an owned handle to a running child. Halt and Abort are
// fire-and-forget, idempotent, and safe to call after the child exited.
// Done is closed when the child has exited; Exit may only be called after
// that.
type Supervisee interface {
	// ShutdownTimeout is the maximum latency allowed between a Halt or
	// Abort request and the child actually terminating. A child that
	// overruns it is treated by its supervisor as forcibly aborted and
	// fatally failed.
	ShutdownTimeout() time.Duration
	Halt()
	Abort()
	Done() <-chan struct{}
	Exit() ExitResult
}

// StartOutcome enumerates how a start attempt resolved.
type StartOutcome int

const (
	// StartStarted means the child is running; the result carries the
	// Supervisee and the child's reference.
	StartStarted StartOutcome = iota
	// StartFailed means the attempt failed recoverably; the result hands
	// back a retryable Spec.
	StartFailed
	// StartCompleted means there was nothing left to start.
	StartCompleted
	// StartFatal means the child cannot be started by retrying.
	StartFatal
)

func (o StartOutcome) String() string {
	switch o {
	case StartStarted:
		return "started"
	case StartFailed:
		return "failed"
	case StartCompleted:
		return "completed"
	case StartFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// StartResult is the resolution of a start attempt. Exactly the fields
// implied by Outcome are set.
type StartResult struct {
	Outcome StartOutcome
	Child   Supervisee // StartStarted
	Ref     any        // StartStarted; the child's external reference
	Retry   Spec       // StartFailed
	Err     error      // StartFatal
}

// ExitOutcome enumerates how a running child exited.
type ExitOutcome int

const (
	// ExitRestart requests a restart; the result carries the Spec to retry.
	ExitRestart ExitOutcome = iota
	// ExitFinished means the child completed its work permanently.
	ExitFinished
	// ExitFatal means the child failed and cannot be restarted by this
	// strategy.
	ExitFatal
)

func (o ExitOutcome) String() string {
	switch o {
	case ExitRestart:
		return "restart"
	case ExitFinished:
		return "finished"
	case ExitFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ExitResult is the resolution of a running child's exit.
type ExitResult struct {
	Outcome ExitOutcome
	Retry   Spec  // ExitRestart
	Err     error // ExitFatal
}

// ResolvedStarting returns a Starting that is already resolved with res.
func ResolvedStarting(res StartResult) Starting {
	return resolvedStarting{res: res}
}

type resolvedStarting struct{ res StartResult }

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (r resolvedStarting) Done() <-chan struct{} { return closedCh }
func (r resolvedStarting) Result() StartResult   { return r.res }
