// Package envelope carries type-erased messages and one-shot
// request/response channels between children and code outside the tree.
// It is plumbing for child communication, not supervision logic.
package envelope

// Envelope is a type-erased message. Sealing and opening an envelope
// never copies or mutates the payload; a failed downcast leaves the
// envelope usable for further attempts.
type Envelope struct {
	v any
}

// Seal wraps msg into an Envelope.
func Seal[M any](msg M) Envelope {
	return Envelope{v: msg}
}

// As attempts to downcast the envelope to M. It reports false when the
// payload is of a different type; the envelope itself is unchanged either
// way.
func As[M any](e Envelope) (M, bool) {
	m, ok := e.v.(M)
	return m, ok
}

// Value returns the erased payload.
func (e Envelope) Value() any { return e.v }
