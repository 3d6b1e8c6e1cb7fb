// Package areceiver implements a request-scoped cancellation handle: a
// caller-supplied object whose lifetime governs whether a query's
// result callback is ever invoked.
//
// Go has no destructors, so a Receiver is an explicit handle that the
// caller closes (directly, or via defer) when it no longer wants to
// hear about a pending query. adriver holds only a *Receiver and
// watches its Done channel, the same relationship a weak pointer to an
// observed object would model.
package areceiver

import "sync"

// Receiver is a cancellation handle associated with an in-flight query,
// pool lease, or subscription. Closing it (directly or through Close)
// suppresses the corresponding callback: if the query has not yet been
// submitted it is dropped from the queue, if it is running a best-effort
// cancel is sent to the backend, and the queue still advances but the
// user callback never fires.
type Receiver struct {
	once sync.Once
	done chan struct{}
}

// New returns a live Receiver.
func New() *Receiver {
	return &Receiver{done: make(chan struct{})}
}

// Done returns a channel that is closed once the Receiver is closed.
// A nil Receiver is treated as "always alive" — callers that never want
// cancellation semantics may pass a nil *Receiver to driver/pool/cache
// APIs.
func (r *Receiver) Done() <-chan struct{} {
	if r == nil {
		return nil
	}
	return r.done
}

// Alive reports whether the Receiver has not yet been closed. A nil
// Receiver is always alive.
func (r *Receiver) Alive() bool {
	if r == nil {
		return true
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Close destroys the Receiver, suppressing any callback still associated
// with it. Idempotent and safe to call from any goroutine.
func (r *Receiver) Close() {
	if r == nil {
		return
	}
	r.once.Do(func() { close(r.done) })
}
