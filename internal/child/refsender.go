package child

import (
	"context"
	"sync"
	"time"

	"github.com/loykin/supv/internal/refqueue"
)

// NewRefSender decorates spec so that, whenever a start attempt succeeds,
// the reference it produced is pushed onto an unbounded queue before the
// success is reported. The wrapper's own visible reference is nothing;
// code outside the tree learns about started children only through the
// returned receiver. Forwarding is best-effort: a closed receiver never
// fails a start. On recoverable failures the sender stays attached to the
// retry spec, so later attempts forward on the same queue.
func NewRefSender[R any](spec SpecOf[R]) (Spec, *refqueue.Receiver[R]) {
	tx, rx := refqueue.New[R]()
	send := func(v any) {
		if ref, ok := v.(R); ok {
			tx.Send(ref)
		}
	}
	return refSenderSpec{inner: Erase(spec), send: send}, rx
}

type refSenderSpec struct {
	inner Spec
	send  func(any)
}

func (s refSenderSpec) Name() string                { return s.inner.Name() }
func (s refSenderSpec) StartTimeout() time.Duration { return s.inner.StartTimeout() }

func (s refSenderSpec) Start(ctx context.Context) Starting {
	return &refSenderStarting{inner: s.inner.Start(ctx), send: s.send}
}

type refSenderStarting struct {
	inner Starting
	send  func(any)

	once sync.Once
	res  StartResult
}

func (s *refSenderStarting) Done() <-chan struct{} { return s.inner.Done() }

func (s *refSenderStarting) Result() StartResult {
	s.once.Do(func() {
		r := s.inner.Result()
		switch r.Outcome {
		case StartStarted:
			// Forward before the success is observable to the caller.
			s.send(r.Ref)
			s.res = StartResult{
				Outcome: StartStarted,
				Child:   &refSenderSupervisee{inner: r.Child, send: s.send},
			}
		case StartFailed:
			s.res = StartResult{
				Outcome: StartFailed,
				Retry:   refSenderSpec{inner: r.Retry, send: s.send},
				Err:     r.Err,
			}
		default:
			s.res = r
		}
	})
	return s.res
}

type refSenderSupervisee struct {
	inner Supervisee
	send  func(any)

	once sync.Once
	res  ExitResult
}

func (s *refSenderSupervisee) ShutdownTimeout() time.Duration { return s.inner.ShutdownTimeout() }
func (s *refSenderSupervisee) Halt()                          { s.inner.Halt() }
func (s *refSenderSupervisee) Abort()                         { s.inner.Abort() }
func (s *refSenderSupervisee) Done() <-chan struct{}          { return s.inner.Done() }

func (s *refSenderSupervisee) Exit() ExitResult {
	s.once.Do(func() {
		r := s.inner.Exit()
		if r.Outcome == ExitRestart && r.Retry != nil {
			r.Retry = refSenderSpec{inner: r.Retry, send: s.send}
		}
		s.res = r
	})
	return s.res
}
