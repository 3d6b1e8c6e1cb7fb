package adriver

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/karu-codes/asql/aresult"
	"github.com/karu-codes/asql/errors"
)

var driverSeq atomic.Int64

// base holds the bookkeeping every Driver needs regardless of backend:
// lifecycle state, the FIFO query queue, the per-driver prepared-
// statement set, and notification subscriptions. It is embedded by both
// concrete backends; they own the goroutine that actually talks to the
// wire and call back into base only to mutate this shared state, which
// is why a plain mutex (rather than a second layer of channels) is
// sufficient here — base never performs I/O.
type base struct {
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	stateCB  func(State, error)
	queue    []*queryRecord
	current  *queryRecord // the query actively on the wire, if any
	prepared map[string]bool
	subs     map[string]subscription

	pipelineOn       bool
	pipelineSyncsOut int

	wake chan struct{}
}

func newBase(logger *slog.Logger) base {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("driver_id", driverSeq.Add(1))
	return base{
		logger:   logger,
		prepared: make(map[string]bool),
		subs:     make(map[string]subscription),
		wake:     make(chan struct{}, 1),
	}
}

func (b *base) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) OnStateChanged(cb func(State, error)) {
	b.mu.Lock()
	b.stateCB = cb
	b.mu.Unlock()
}

// setState updates state and fires the observer outside the lock, so a
// callback that reenters the Driver does not deadlock.
func (b *base) setState(s State, err error) {
	b.mu.Lock()
	b.state = s
	cb := b.stateCB
	b.mu.Unlock()
	if err != nil {
		b.logger.Warn("driver state change", "state", s.String(), "error", err)
	} else {
		b.logger.Debug("driver state change", "state", s.String())
	}
	if cb != nil {
		cb(s, err)
	}
}

func (b *base) enqueue(q *queryRecord) {
	b.mu.Lock()
	b.queue = append(b.queue, q)
	b.mu.Unlock()
	b.signal()
}

// popHead removes and returns the queue head, recording it as the
// in-flight query.
func (b *base) popHead() (*queryRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		b.current = nil
		return nil, false
	}
	q := b.queue[0]
	b.queue = b.queue[1:]
	b.current = q
	return q, true
}

func (b *base) finishCurrent() {
	b.mu.Lock()
	b.current = nil
	b.mu.Unlock()
}

// setSingleRowOnLast implements SetLastQuerySingleRowMode: it targets
// whichever query is most recently enqueued, or running if the queue
// is empty.
func (b *base) setSingleRowOnLast() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.queue); n > 0 {
		b.queue[n-1].singleRow = true
		return
	}
	if b.current != nil {
		b.current.singleRow = true
	}
}

// failAll delivers a synthesized error Result to the in-flight query (if
// any) and every queued query — the fate of a connection loss mid-query:
// whatever else was waiting behind it fails the same way.
func (b *base) failAll(code errors.Code, msg string) {
	b.mu.Lock()
	pending := b.queue
	current := b.current
	b.queue = nil
	b.current = nil
	b.mu.Unlock()

	if len(pending) > 0 || current != nil {
		b.logger.Error("failing queued queries", "code", string(code), "reason", msg, "count", len(pending)+boolToInt(current != nil))
	}

	if current != nil {
		current.deliver(aresult.NewError(code, msg))
	}
	for _, q := range pending {
		q.deliver(aresult.NewError(code, msg))
	}
}

func (b *base) isPrepared(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prepared[id]
}

func (b *base) markPrepared(id string) {
	b.mu.Lock()
	b.prepared[id] = true
	b.mu.Unlock()
}

func (b *base) clearPrepared() {
	b.mu.Lock()
	b.prepared = make(map[string]bool)
	b.mu.Unlock()
}

func (b *base) addSub(channel string, sub subscription) {
	b.mu.Lock()
	b.subs[channel] = sub
	b.mu.Unlock()
}

func (b *base) removeSub(channel string) {
	b.mu.Lock()
	delete(b.subs, channel)
	b.mu.Unlock()
}

func (b *base) subscribedNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.subs))
	for name := range b.subs {
		names = append(names, name)
	}
	return names
}

func (b *base) subFor(channel string) (subscription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[channel]
	return s, ok
}

func (b *base) clearSubs() {
	b.mu.Lock()
	b.subs = make(map[string]subscription)
	b.mu.Unlock()
}

func (b *base) pipelineStatus() PipelineStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return PipelineStatus{On: b.pipelineOn, OutstandingSyncs: b.pipelineSyncsOut}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
