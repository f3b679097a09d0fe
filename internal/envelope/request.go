package envelope

import (
	"context"
	"errors"
	"sync"
)

// Request/response over a one-shot channel: a Tx that can send exactly
// one value and an Rx that receives it.

var (
	// ErrRequestClosed is returned when the other side of a request has
	// closed the channel.
	ErrRequestClosed = errors.New("envelope: request closed")
	// ErrRequestSent is returned by a second Send on the same Tx.
	ErrRequestSent = errors.New("envelope: request already sent")
	// ErrRequestEmpty is returned by TryRecv when no value has arrived.
	ErrRequestEmpty = errors.New("envelope: request empty")
)

// NewRequest returns the two halves of a fresh one-shot channel.
func NewRequest[T any]() (*Tx[T], *Rx[T]) {
	st := &reqState[T]{
		ch:     make(chan T, 1),
		closed: make(chan struct{}),
	}
	return &Tx[T]{st: st}, &Rx[T]{st: st}
}

type reqState[T any] struct {
	ch        chan T
	closed    chan struct{}
	closeOnce sync.Once
	sendOnce  sync.Once
}

func (s *reqState[T]) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Tx is the sending half of a one-shot channel.
type Tx[T any] struct{ st *reqState[T] }

// Send delivers the value. It fails when the Rx has been closed or when
// a value was already sent.
func (t *Tx[T]) Send(v T) error {
	err := ErrRequestSent
	t.st.sendOnce.Do(func() {
		select {
		case <-t.st.closed:
			err = ErrRequestClosed
		case t.st.ch <- v:
			err = nil
		}
	})
	return err
}

// Closed reports whether the Rx has closed the channel.
func (t *Tx[T]) Closed() bool {
	select {
	case <-t.st.closed:
		return true
	default:
		return false
	}
}

// Rx is the receiving half of a one-shot channel.
type Rx[T any] struct{ st *reqState[T] }

// Recv blocks until the value arrives, the context is done, or the
// channel is closed.
func (r *Rx[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-r.st.ch:
		return v, nil
	case <-r.st.closed:
		return zero, ErrRequestClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// TryRecv returns the value if it has already arrived.
func (r *Rx[T]) TryRecv() (T, error) {
	var zero T
	select {
	case v := <-r.st.ch:
		return v, nil
	default:
	}
	select {
	case <-r.st.closed:
		return zero, ErrRequestClosed
	default:
		return zero, ErrRequestEmpty
	}
}

// Close closes the channel, preventing the Tx from sending.
func (r *Rx[T]) Close() { r.st.close() }
