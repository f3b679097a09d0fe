// Package proc adapts OS processes into supervised children. A process
// child counts as started once it has stayed up for its start duration;
// Halt asks the process group to terminate, Abort kills it.
package proc

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/supv/internal/child"
	"github.com/loykin/supv/internal/logger"
)

// Default timeouts applied when a Spec leaves them zero.
const (
	DefaultStartTimeout    = 10 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Spec describes one supervised OS process.
type Spec struct {
	Name    string
	Command string   // command line, shell-wrapped only when needed
	WorkDir string   // optional working dir
	Env     []string // optional extra env appended to the parent's

	// StartDuration is the minimum uptime before the process counts as
	// started; an earlier exit is a recoverable start failure.
	StartDuration   time.Duration
	StartTimeout    time.Duration
	ShutdownTimeout time.Duration

	Policy child.Policy
	Log    logger.Config
}

// New builds a child spec from a process description. The reference
// delivered on a successful start is the PID.
func New(spec Spec) child.SpecOf[int] {
	return &procSpec{spec: spec}
}

type procSpec struct{ spec Spec }

func (p *procSpec) Name() string { return p.spec.Name }

func (p *procSpec) StartTimeout() time.Duration {
	d := p.spec.StartTimeout
	if d <= 0 {
		d = DefaultStartTimeout
	}
	// The start budget must outlast the mandatory uptime window.
	if p.spec.StartDuration >= d {
		d = p.spec.StartDuration + time.Second
	}
	return d
}

func (p *procSpec) Start(ctx context.Context) child.StartingOf[int] {
	st := &starting{done: make(chan struct{})}
	go func() {
		defer close(st.done)
		st.res = p.attempt(ctx)
	}()
	return st
}

func (p *procSpec) attempt(ctx context.Context) child.StartResultOf[int] {
	cmd := buildCommand(p.spec.Command)
	if p.spec.WorkDir != "" {
		cmd.Dir = p.spec.WorkDir
	}
	if len(p.spec.Env) > 0 {
		cmd.Env = append(os.Environ(), p.spec.Env...)
	}
	outW, errW, err := p.spec.Log.Writers(p.spec.Name)
	if err != nil {
		return child.StartResultOf[int]{Outcome: child.StartFatal, Err: err}
	}
	if outW != nil {
		cmd.Stdout = outW
	}
	if errW != nil {
		cmd.Stderr = errW
	}
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		closeWriters(outW, errW)
		if ctx.Err() != nil {
			return child.StartResultOf[int]{Outcome: child.StartFatal, Err: ctx.Err()}
		}
		return child.StartResultOf[int]{
			Outcome: child.StartFailed,
			Retry:   New(p.spec),
			Err:     fmt.Errorf("start %q: %w", p.spec.Name, err),
		}
	}
	pid := cmd.Process.Pid
	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
		closeWriters(outW, errW)
	}()

	if p.spec.StartDuration > 0 {
		timer := time.NewTimer(p.spec.StartDuration)
		defer timer.Stop()
		select {
		case werr := <-waitCh:
			if ctx.Err() != nil {
				return child.StartResultOf[int]{Outcome: child.StartFatal, Err: ctx.Err()}
			}
			return child.StartResultOf[int]{
				Outcome: child.StartFailed,
				Retry:   New(p.spec),
				Err:     fmt.Errorf("process %q exited before start duration: %w", p.spec.Name, exitErr(werr)),
			}
		case <-ctx.Done():
			signalGroup(pid, sigKill)
			<-waitCh
			return child.StartResultOf[int]{Outcome: child.StartFatal, Err: ctx.Err()}
		case <-timer.C:
		}
	}

	sup := &supervisee{spec: p.spec, pid: pid, done: make(chan struct{})}
	go sup.watch(waitCh)
	return child.StartResultOf[int]{Outcome: child.StartStarted, Child: sup, Ref: pid}
}

type starting struct {
	done chan struct{}
	res  child.StartResultOf[int]
}

func (s *starting) Done() <-chan struct{}            { return s.done }
func (s *starting) Result() child.StartResultOf[int] { return s.res }

type supervisee struct {
	spec Spec
	pid  int
	done chan struct{}
	res  child.ExitResult

	halted   atomic.Bool
	termOnce sync.Once
	killOnce sync.Once
}

func (s *supervisee) ShutdownTimeout() time.Duration {
	if s.spec.ShutdownTimeout > 0 {
		return s.spec.ShutdownTimeout
	}
	return DefaultShutdownTimeout
}

func (s *supervisee) Halt() {
	s.halted.Store(true)
	s.termOnce.Do(func() { signalGroup(s.pid, sigTerm) })
}

func (s *supervisee) Abort() {
	s.halted.Store(true)
	s.killOnce.Do(func() { signalGroup(s.pid, sigKill) })
}

func (s *supervisee) Done() <-chan struct{}  { return s.done }
func (s *supervisee) Exit() child.ExitResult { return s.res }

func (s *supervisee) watch(waitCh <-chan error) {
	err := <-waitCh
	s.res = s.verdict(err)
	close(s.done)
}

func (s *supervisee) verdict(err error) child.ExitResult {
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

func exitErr(err error) error {
	if err == nil {
		return fmt.Errorf("exit status 0")
	}
	return err
}

func closeWriters(ws ...io.WriteCloser) {
	for _, w := range ws {
		if w != nil {
			_ = w.Close()
		}
	}
}
