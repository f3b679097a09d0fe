package child

import (
	"context"
	"time"
)

// The typed side of the contract. A concrete child kind implements
// SpecOf[R] with its own reference type R; Erase boxes it so that
// supervisors can hold children of unrelated kinds in one collection.

// SpecOf is a Spec whose reference type is known statically.
type SpecOf[R any] interface {
	Name() string
	StartTimeout() time.Duration
	Start(ctx context.Context) StartingOf[R]
}

// StartingOf is an in-flight start attempt with a typed reference.
type StartingOf[R any] interface {
	Done() <-chan struct{}
	Result() StartResultOf[R]
}

// StartResultOf mirrors StartResult with a typed reference and retry spec.
type StartResultOf[R any] struct {
	Outcome StartOutcome
	Child   Supervisee
	Ref     R
	Retry   SpecOf[R]
	Err     error
}

// Erase boxes a typed spec behind the erased Spec interface. The typed
// reference surfaces as `any` in the erased StartResult; retry specs stay
// erased across attempts. Only the error message is guaranteed to survive
// the boundary for faults.
func Erase[R any](s SpecOf[R]) Spec {
	return erasedSpec[R]{inner: s}
}

type erasedSpec[R any] struct{ inner SpecOf[R] }

func (e erasedSpec[R]) Name() string                { return e.inner.Name() }
func (e erasedSpec[R]) StartTimeout() time.Duration { return e.inner.StartTimeout() }

func (e erasedSpec[R]) Start(ctx context.Context) Starting {
	return erasedStarting[R]{inner: e.inner.Start(ctx)}
}

type erasedStarting[R any] struct{ inner StartingOf[R] }

func (e erasedStarting[R]) Done() <-chan struct{} { return e.inner.Done() }

func (e erasedStarting[R]) Result() StartResult {
	r := e.inner.Result()
	out := StartResult{Outcome: r.Outcome, Child: r.Child, Err: r.Err}
	if r.Outcome == StartStarted {
		out.Ref = r.Ref
	}
	if r.Retry != nil {
		out.Retry = Erase[R](r.Retry)
	}
	return out
}
