// Package worker adapts plain Go functions into supervised children. A
// worker runs Init during its start attempt and then Run on its own
// goroutine; the restart policy decides what its exit asks of the
// supervisor.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/supv/internal/child"
)

// Default timeouts applied when a Spec leaves them zero.
const (
	DefaultStartTimeout    = 5 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// Spec describes one worker. Init produces the worker's reference and
// may fail recoverably; Run is the worker's body and is canceled through
// its context on Halt or Abort. A nil Run makes the worker complete at
// start, a nil Init yields the zero reference.
type Spec[R any] struct {
	Name            string
	Policy          child.Policy
	StartTimeout    time.Duration
	ShutdownTimeout time.Duration
	Init            func(ctx context.Context) (R, error)
	Run             func(ctx context.Context) error
}

// New builds a child spec from a worker description. The returned spec
// is single-use, but the Spec value itself is reusable; restarts are
// handed fresh specs built from the same value.
func New[R any](spec Spec[R]) child.SpecOf[R] {
	return &workerSpec[R]{spec: spec}
}

type workerSpec[R any] struct{ spec Spec[R] }

func (w *workerSpec[R]) Name() string { return w.spec.Name }

func (w *workerSpec[R]) StartTimeout() time.Duration {
	if w.spec.StartTimeout > 0 {
		return w.spec.StartTimeout
	}
	return DefaultStartTimeout
}

func (w *workerSpec[R]) Start(ctx context.Context) child.StartingOf[R] {
	st := &starting[R]{done: make(chan struct{})}
	go func() {
		defer close(st.done)
		res, ok := w.initialize(ctx)
		if !ok {
			st.res = res
			return
		}
		if w.spec.Run == nil {
			st.res = child.StartResultOf[R]{Outcome: child.StartCompleted, Ref: res.Ref}
			return
		}
		runCtx, cancel := context.WithCancel(context.Background())
		sup := &supervisee[R]{
			spec:   w.spec,
			cancel: cancel,
			done:   make(chan struct{}),
		}
		go sup.run(runCtx)
		st.res = child.StartResultOf[R]{Outcome: child.StartStarted, Child: sup, Ref: res.Ref}
	}()
	return st
}

// initialize runs Init under panic protection. ok reports whether the
// start attempt may proceed; otherwise res is the final result.
func (w *workerSpec[R]) initialize(ctx context.Context) (res child.StartResultOf[R], ok bool) {
	var ref R
	err := protect(w.spec.Name, func() error {
		if w.spec.Init == nil {
			return nil
		}
		var ierr error
		ref, ierr = w.spec.Init(ctx)
		return ierr
	})
	switch {
	case err == nil:
		return child.StartResultOf[R]{Ref: ref}, true
	case isPanic(err) || ctx.Err() != nil:
		return child.StartResultOf[R]{Outcome: child.StartFatal, Err: err}, false
	default:
		return child.StartResultOf[R]{
			Outcome: child.StartFailed,
			Retry:   New(w.spec),
			Err:     err,
		}, false
	}
}

type starting[R any] struct {
	done chan struct{}
	res  child.StartResultOf[R]
}

func (s *starting[R]) Done() <-chan struct{}           { return s.done }
func (s *starting[R]) Result() child.StartResultOf[R] { return s.res }

type supervisee[R any] struct {
	spec   Spec[R]
	cancel context.CancelFunc
	done   chan struct{}
	res    child.ExitResult

	halted   atomic.Bool
	stopOnce sync.Once
}

func (s *supervisee[R]) ShutdownTimeout() time.Duration {
	if s.spec.ShutdownTimeout > 0 {
		return s.spec.ShutdownTimeout
	}
	return DefaultShutdownTimeout
}

func (s *supervisee[R]) Halt() {
	s.halted.Store(true)
	s.stopOnce.Do(s.cancel)
}

// Abort cancels the body just like Halt; an in-process worker has no
// harder lever than its context.
func (s *supervisee[R]) Abort() {
	s.halted.Store(true)
	s.stopOnce.Do(s.cancel)
}

func (s *supervisee[R]) Done() <-chan struct{}  { return s.done }
func (s *supervisee[R]) Exit() child.ExitResult { return s.res }

func (s *supervisee[R]) run(ctx context.Context) {
	defer close(s.done)
	err := protect(s.spec.Name, func() error { return s.spec.Run(ctx) })
	s.res = s.verdict(err)
}

// verdict maps the body's return to an exit result. A halt always reads
// as a deliberate, final stop regardless of policy.
func (s *supervisee[R]) verdict(err error) child.ExitResult {
	if isPanic(err) {
		return child.ExitResult{Outcome: child.ExitFatal, Err: err}
	}
	if s.halted.Load() {
		return child.ExitResult{Outcome: child.ExitFinished}
	}
	switch s.spec.Policy {
	case child.Permanent:
		return child.ExitResult{Outcome: child.ExitRestart, Retry: child.Erase(New(s.spec))}
	case child.Transient:
		if err != nil {
			return child.ExitResult{Outcome: child.ExitRestart, Retry: child.Erase(New(s.spec))}
		}
		return child.ExitResult{Outcome: child.ExitFinished}
	default:
		return child.ExitResult{Outcome: child.ExitFinished}
	}
}

// panicError distinguishes a recovered panic from an ordinary failure:
// panics are never retried.
type panicError struct {
	name string
	val  any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("worker %q panicked: %v", e.name, e.val)
}

func isPanic(err error) bool {
	var pe *panicError
	return errors.As(err, &pe)
}

func protect(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{name: name, val: r}
		}
	}()
	return fn()
}
