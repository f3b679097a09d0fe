// Package refqueue provides the unbounded, ordered, multi-producer
// single-consumer queue used to hand child references out of a
// supervision tree. Backed by the unbounded queue from
// Workiva/go-datastructures.
package refqueue

import (
	"context"
	"errors"
	"time"

	"github.com/Workiva/go-datastructures/queue"
)

// ErrClosed is returned by receive operations once the queue has been
// closed and drained.
var ErrClosed = errors.New("refqueue: closed")

// ErrEmpty is returned by TryRecv when no reference is queued.
var ErrEmpty = errors.New("refqueue: empty")

const pollInterval = 50 * time.Millisecond

// New returns the two ends of a fresh unbounded queue.
func New[R any]() (*Sender[R], *Receiver[R]) {
	q := queue.New(1)
	return &Sender[R]{q: q}, &Receiver[R]{q: q}
}

// Sender is the producing end. It is safe for concurrent use.
type Sender[R any] struct{ q *queue.Queue }

// Send enqueues a reference. Sending is best-effort: once the receiver
// has closed the queue the reference is dropped silently.
func (s *Sender[R]) Send(ref R) {
	_ = s.q.Put(ref)
}

// Receiver is the consuming end. It is intended for a single consumer.
type Receiver[R any] struct{ q *queue.Queue }

// Recv blocks until a reference is available, the context is done, or
// the queue is closed.
func (r *Receiver[R]) Recv(ctx context.Context) (R, error) {
	var zero R
	for {
		items, err := r.q.Poll(1, pollInterval)
		switch {
		case err == nil && len(items) == 1:
			return items[0].(R), nil
		case errors.Is(err, queue.ErrTimeout):
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			default:
			}
		case errors.Is(err, queue.ErrDisposed):
			return zero, ErrClosed
		case err != nil:
			return zero, err
		}
	}
}

// TryRecv returns a queued reference without blocking.
func (r *Receiver[R]) TryRecv() (R, error) {
	var zero R
	if r.q.Disposed() {
		return zero, ErrClosed
	}
	if r.q.Empty() {
		return zero, ErrEmpty
	}
	items, err := r.q.Get(1)
	if err != nil {
		if errors.Is(err, queue.ErrDisposed) {
			return zero, ErrClosed
		}
		return zero, err
	}
	if len(items) == 0 {
		return zero, ErrEmpty
	}
	return items[0].(R), nil
}

// Len reports the number of queued references.
func (r *Receiver[R]) Len() int { return int(r.q.Len()) }

// Close closes the queue. Pending and future sends are dropped.
func (r *Receiver[R]) Close() {
	if !r.q.Disposed() {
		r.q.Dispose()
	}
}
