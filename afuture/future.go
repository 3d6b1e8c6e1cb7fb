// Package afuture implements async adapters over the callback-based
// Driver API. Go has no suspendable coroutine frames, so the two
// awaitable shapes here are expressed as channel-backed types layered
// on top of the callback API, which stays the fundamental one.
package afuture

import (
	"context"
	"sync"

	"github.com/karu-codes/asql/areceiver"
)

type singleResult[T any] struct {
	val T
	err error
}

// Single is the single-shot awaitable: it resolves exactly once, either
// with a value or an error. If its Receiver is closed before Resolve is
// called, Get returns context.Canceled without ever invoking caller
// code, rather than resuming the caller with a synthesized error.
type Single[T any] struct {
	mu       sync.Mutex
	ch       chan singleResult[T]
	resolved bool
	closed   chan struct{}
}

// NewSingle creates a Single tied to recv (may be nil, meaning the
// future cannot be cancelled this way).
func NewSingle[T any](recv *areceiver.Receiver) *Single[T] {
	s := &Single[T]{ch: make(chan singleResult[T], 1), closed: make(chan struct{})}
	if recv != nil {
		go func() {
			select {
			case <-recv.Done():
				s.cancel()
			case <-s.closed:
			}
		}()
	}
	return s
}

func (s *Single[T]) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved {
		return
	}
	s.resolved = true
	var zero T
	s.ch <- singleResult[T]{zero, context.Canceled}
	close(s.closed)
}

// Resolve delivers the future's single value. Only the first call has
// any effect.
func (s *Single[T]) Resolve(v T, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved {
		return
	}
	s.resolved = true
	s.ch <- singleResult[T]{v, err}
	close(s.closed)
}

// Get blocks until the future resolves, its receiver is destroyed, or
// ctx is done, whichever comes first.
func (s *Single[T]) Get(ctx context.Context) (T, error) {
	select {
	case r := <-s.ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

type streamItem[T any] struct {
	val  T
	err  error
	last bool
}

// Stream is the multi-shot awaitable: Push delivers one item at a time;
// Next dequeues. It stops (hasMore=false) once an item with last=true
// arrives (mirroring Result.LastInBatch) or its Receiver is destroyed,
// at which point Next returns context.Canceled.
type Stream[T any] struct {
	mu        sync.Mutex
	ch        chan streamItem[T]
	finished  bool
	closed    chan struct{}
	closeOnce sync.Once
}

// NewStream creates a Stream tied to recv (may be nil) with the given
// buffer depth.
func NewStream[T any](recv *areceiver.Receiver, buffer int) *Stream[T] {
	if buffer < 1 {
		buffer = 1
	}
	s := &Stream[T]{ch: make(chan streamItem[T], buffer), closed: make(chan struct{})}
	if recv != nil {
		go func() {
			select {
			case <-recv.Done():
				s.terminate()
			case <-s.closed:
			}
		}()
	}
	return s
}

func (s *Stream[T]) finish() { s.closeOnce.Do(func() { close(s.closed) }) }

func (s *Stream[T]) terminate() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.mu.Unlock()
	s.finish()
}

// Push delivers one item. Pushes after the stream has finished (because
// the final item already arrived, or the receiver died) are dropped
// silently — the equivalent callback is simply never invoked.
func (s *Stream[T]) Push(v T, err error, last bool) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	if last || err != nil {
		s.finished = true
	}
	s.mu.Unlock()

	select {
	case s.ch <- streamItem[T]{val: v, err: err, last: last}:
	case <-s.closed:
		return
	}
	if last || err != nil {
		s.finish()
	}
}

// Next dequeues one item. hasMore is false on the final item (or on
// cancellation/ctx expiry, where the returned error explains why).
func (s *Stream[T]) Next(ctx context.Context) (v T, hasMore bool, err error) {
	select {
	case item := <-s.ch:
		return item.val, !item.last && item.err == nil, item.err
	case <-s.closed:
		var zero T
		return zero, false, context.Canceled
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}

// Terminate runs onDone once recv is destroyed, letting a goroutine
// built around an awaitable tear itself down when the object it
// observes goes away ("terminator awaitable").
func Terminate(recv *areceiver.Receiver, onDone func()) {
	if recv == nil || onDone == nil {
		return
	}
	go func() {
		<-recv.Done()
		onDone()
	}()
}
