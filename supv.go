// Package supv is a hierarchical supervision runtime: children are
// described by inert specs, started concurrently under a shared restart
// budget, and restarted in place when they fail. A supervisor is itself
// a child spec, so trees nest to any depth.
package supv

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/supv/internal/child"
	cfg "github.com/loykin/supv/internal/config"
	"github.com/loykin/supv/internal/envelope"
	"github.com/loykin/supv/internal/journal"
	"github.com/loykin/supv/internal/logger"
	"github.com/loykin/supv/internal/metrics"
	"github.com/loykin/supv/internal/proc"
	"github.com/loykin/supv/internal/refqueue"
	iapi "github.com/loykin/supv/internal/server"
	"github.com/loykin/supv/internal/supervisor"
	"github.com/loykin/supv/internal/worker"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type (
	Spec        = child.Spec
	Starting    = child.Starting
	Supervisee  = child.Supervisee
	StartResult = child.StartResult
	ExitResult  = child.ExitResult
	Policy      = child.Policy

	SpecOf[R any]        = child.SpecOf[R]
	StartingOf[R any]    = child.StartingOf[R]
	StartResultOf[R any] = child.StartResultOf[R]
)

const (
	Permanent = child.Permanent
	Transient = child.Transient
	Temporary = child.Temporary
)

const (
	StartStarted   = child.StartStarted
	StartFailed    = child.StartFailed
	StartCompleted = child.StartCompleted
	StartFatal     = child.StartFatal

	ExitRestart  = child.ExitRestart
	ExitFinished = child.ExitFinished
	ExitFatal    = child.ExitFatal
)

// Supervisor is the one-for-one combinator over a set of children.
type Supervisor = supervisor.OneForOne

type (
	Option      = supervisor.Option
	Observer    = supervisor.Observer
	Event       = supervisor.Event
	Snapshot    = supervisor.Snapshot
	ChildStatus = supervisor.ChildStatus
	GroupError  = supervisor.GroupError
)

var (
	ErrBudgetExhausted = supervisor.ErrBudgetExhausted
	ErrStartTimeout    = supervisor.ErrStartTimeout
	ErrShutdownTimeout = supervisor.ErrShutdownTimeout
	ErrAlreadyStarted  = supervisor.ErrAlreadyStarted
)

var (
	WithSlack    = supervisor.WithSlack
	WithLogger   = supervisor.WithLogger
	WithObserver = supervisor.WithObserver
)

// NewSupervisor builds an empty one-for-one group allowing at most limit
// restarts in any trailing window of length within.
func NewSupervisor(name string, limit int, within time.Duration, opts ...Option) *Supervisor {
	return supervisor.New(name, limit, within, opts...)
}

// Worker and process children.

type (
	WorkerSpec[R any] = worker.Spec[R]
	ProcSpec          = proc.Spec
	LogConfig         = logger.Config
)

// NewWorker adapts Go functions into a supervised child.
func NewWorker[R any](spec WorkerSpec[R]) SpecOf[R] { return worker.New(spec) }

// NewProc adapts an OS process into a supervised child; its reference is
// the PID.
func NewProc(spec ProcSpec) SpecOf[int] { return proc.New(spec) }

// Erase drops a spec's reference type so differently typed children can
// live under one supervisor.
func Erase[R any](s SpecOf[R]) Spec { return child.Erase(s) }

// RefReceiver receives the references a restarting child re-publishes
// across its incarnations.
type RefReceiver[R any] = refqueue.Receiver[R]

// NewRefSender wraps a spec so that every incarnation's reference is
// forwarded to the returned receiver instead of surfacing one-shot.
func NewRefSender[R any](spec SpecOf[R]) (Spec, *RefReceiver[R]) {
	return child.NewRefSender(spec)
}

// Message plumbing.

type Envelope = envelope.Envelope

func Seal[M any](msg M) Envelope       { return envelope.Seal(msg) }
func Open[M any](e Envelope) (M, bool) { return envelope.As[M](e) }
func NewRequest[T any]() (*envelope.Tx[T], *envelope.Rx[T]) {
	return envelope.NewRequest[T]()
}

// NewLogger builds a slog logger the way the runtime does for itself.
var NewLogger = logger.New

// Config plumbing.

type Config = cfg.Config

// LoadConfig reads and validates a TOML config file.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// FromConfig assembles the root supervisor a config file describes. The
// returned cleanup releases the journal sink and must be called after
// the tree stops.
func FromConfig(c *Config) (*Supervisor, func(), error) {
	log := logger.New(c.Log.Level, c.Log.Color)
	opts := []Option{WithLogger(log)}
	if c.Supervisor.StartSlack > 0 {
		opts = append(opts, WithSlack(c.Supervisor.StartSlack))
	}

	cleanup := func() {}
	if c.Journal.DSN != "" {
		sink, err := journal.NewSinkFromDSN(c.Journal.DSN)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { _ = sink.Close() }
		opts = append(opts, WithObserver(journalObserver(sink, log)))
	}
	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	sup := NewSupervisor(c.Supervisor.Name, c.Supervisor.RestartLimit, c.Supervisor.RestartWithin, opts...)
	for _, cc := range c.Children {
		policy, err := child.ParsePolicy(cc.Policy)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		sup.Add(Erase(proc.New(proc.Spec{
			Name:            cc.Name,
			Command:         cc.Command,
			WorkDir:         cc.WorkDir,
			Env:             cc.Env,
			Policy:          policy,
			StartDuration:   cc.StartDuration,
			StartTimeout:    cc.StartTimeout,
			ShutdownTimeout: cc.ShutdownTimeout,
			Log:             cc.Log,
		})))
	}
	return sup, cleanup, nil
}

// journalObserver forwards lifecycle events to a sink off the
// supervision goroutine.
func journalObserver(sink journal.Sink, log interface {
	Warn(msg string, args ...any)
}) Observer {
	return func(ev Event) {
		je := journal.Event{
			Kind:       string(ev.Kind),
			OccurredAt: ev.OccurredAt,
			Tree:       ev.Tree,
			Child:      ev.Child,
			State:      ev.State,
			Detail:     ev.Detail,
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sink.Send(ctx, je); err != nil {
				log.Warn("journal send failed", "err", err)
			}
		}()
	}
}

// HTTP and metrics facade.

// Snapshotter is anything exposing a tree snapshot; *Supervisor
// qualifies.
type Snapshotter = iapi.Snapshotter

// NewStatusHandler returns an http.Handler serving the inspection
// endpoints, for embedding into an existing server.
func NewStatusHandler(snap Snapshotter, basePath string, withMetrics bool) http.Handler {
	return iapi.NewRouter(snap, basePath, withMetrics).Handler()
}

// NewHTTPServer starts an HTTP server exposing the inspection endpoints.
func NewHTTPServer(addr, basePath string, snap Snapshotter, withMetrics bool) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, snap, withMetrics)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
