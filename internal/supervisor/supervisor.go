// Package supervisor implements the one-for-one supervision combinator:
// a group of independently restartable children driven through concurrent
// start-up and a steady run/exit/restart cycle under a shared restart
// budget. A group is itself a child spec, so trees nest.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/supv/internal/child"
)

// DefaultSlack pads the group's shared timers so that the last-finishing
// child's own timer can fire before the group's does.
const DefaultSlack = 50 * time.Millisecond

// OneForOne is a one-for-one group specification: an ordered collection
// of child specs sharing one restart limiter. It implements child.Spec
// and is single-use; Start consumes it.
type OneForOne struct {
	name   string
	limit  int
	within time.Duration
	slack  time.Duration
	log    *slog.Logger
	obs    Observer
	opts   []Option

	mu       sync.Mutex
	specs    []child.Spec
	statuses []ChildStatus
	consumed bool
	g        *group
}

// Option configures a group.
type Option func(*OneForOne)

// WithSlack overrides the timer padding added to the group's start and
// shutdown budgets.
func WithSlack(d time.Duration) Option {
	return func(o *OneForOne) { o.slack = d }
}

// WithLogger sets the logger used for child transitions.
func WithLogger(l *slog.Logger) Option {
	return func(o *OneForOne) { o.log = l }
}

// WithObserver registers a lifecycle event observer. The observer runs on
// the supervision goroutine and must not block.
func WithObserver(obs Observer) Option {
	return func(o *OneForOne) { o.obs = obs }
}

// New builds an empty group allowing at most limit restarts in any
// trailing window of length within.
func New(name string, limit int, within time.Duration, opts ...Option) *OneForOne {
	o := &OneForOne{
		name:   name,
		limit:  limit,
		within: within,
		slack:  DefaultSlack,
		log:    slog.New(slog.DiscardHandler),
		opts:   opts,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Add appends a child spec. Children keep their insertion order for the
// whole life of the group.
func (o *OneForOne) Add(spec child.Spec) *OneForOne {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.specs = append(o.specs, spec)
	o.statuses = append(o.statuses, ChildStatus{
		ID:    uuid.NewString(),
		Name:  spec.Name(),
		State: slotPending.String(),
	})
	return o
}

func (o *OneForOne) Name() string { return o.name }

// StartTimeout reports the group's start budget as seen by a parent
// supervisor: the slowest child's start timeout plus slack.
func (o *OneForOne) StartTimeout() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	max := time.Duration(0)
	for _, s := range o.specs {
		if d := s.StartTimeout(); d > max {
			max = d
		}
	}
	return max + o.slack
}

// Start consumes the group and begins the concurrent fan-out of all
// children. Starting the same group twice resolves fatally.
func (o *OneForOne) Start(ctx context.Context) child.Starting {
	o.mu.Lock()
	if o.consumed {
		o.mu.Unlock()
		return child.ResolvedStarting(child.StartResult{
			Outcome: child.StartFatal,
			Err:     ErrAlreadyStarted,
		})
	}
	o.consumed = true
	g := newGroup(o, ctx)
	o.g = g
	o.mu.Unlock()

	go g.run(ctx)
	return groupStarting{g: g}
}

// Snapshot reports the state of every child. It is safe to call from any
// goroutine, in any phase of the group's life.
func (o *OneForOne) Snapshot() Snapshot {
	o.mu.Lock()
	g := o.g
	o.mu.Unlock()
	if g != nil {
		return g.snapshot()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	cs := make([]ChildStatus, len(o.statuses))
	copy(cs, o.statuses)
	return Snapshot{Name: o.name, Phase: PhaseIdle, Children: cs}
}
