// Package adrivermock provides a Driver implementation with no network
// or file dependency, for property tests (FIFO ordering,
// prepare-once-per-Driver, receiver cancellation) that care about
// Driver contract behavior rather than any one backend's wire
// protocol.
package adrivermock

import (
	"context"
	"sync"
	"time"

	"github.com/karu-codes/asql/adriver"
	"github.com/karu-codes/asql/areceiver"
	"github.com/karu-codes/asql/aresult"
	"github.com/karu-codes/asql/astmt"
)

// Handler computes the Result for one Exec/ExecPrepared call. Returning
// nil causes a default command Result (no rows, one row affected).
type Handler func(text string, params []any) *aresult.Result

// Mock is a minimal, in-memory Driver: it executes everything on its
// own goroutine in FIFO order, exactly like the real backends, but
// resolves results through a user-supplied Handler instead of touching
// a wire.
type Mock struct {
	mu       sync.Mutex
	state    adriver.State
	stateCB  func(adriver.State, error)
	prepared map[string]bool
	subs     map[string]chan struct{}

	queue chan func()
	done  chan struct{}

	Handler    Handler
	OpenDelay  time.Duration
	OpenErr    error
	PrepareLog []string // ids, in the order Prepare was actually invoked
}

// New returns a Mock Driver Factory.
func New(h Handler) adriver.Factory {
	return func() (adriver.Driver, error) {
		return &Mock{
			Handler:  h,
			prepared: make(map[string]bool),
			subs:     make(map[string]chan struct{}),
			queue:    make(chan func(), 64),
			done:     make(chan struct{}),
		}, nil
	}
}

func (m *Mock) Open(ctx context.Context, onDone func(err error)) {
	m.setState(adriver.Connecting, nil)
	go func() {
		if m.OpenDelay > 0 {
			select {
			case <-time.After(m.OpenDelay):
			case <-ctx.Done():
				m.setState(adriver.Disconnected, ctx.Err())
				if onDone != nil {
					onDone(ctx.Err())
				}
				return
			}
		}
		if m.OpenErr != nil {
			m.setState(adriver.Disconnected, m.OpenErr)
			if onDone != nil {
				onDone(m.OpenErr)
			}
			return
		}
		m.setState(adriver.Connected, nil)
		if onDone != nil {
			onDone(nil)
		}
		go m.loop()
	}()
}

func (m *Mock) loop() {
	for {
		select {
		case <-m.done:
			return
		case fn := <-m.queue:
			fn()
		}
	}
}

func (m *Mock) State() adriver.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Mock) OnStateChanged(cb func(adriver.State, error)) {
	m.mu.Lock()
	m.stateCB = cb
	m.mu.Unlock()
}

func (m *Mock) setState(s adriver.State, err error) {
	m.mu.Lock()
	m.state = s
	cb := m.stateCB
	m.mu.Unlock()
	if cb != nil {
		cb(s, err)
	}
}

func (m *Mock) run(text string, params []any, onResult adriver.ResultCallback, recv *areceiver.Receiver) {
	m.queue <- func() {
		if !recv.Alive() {
			return
		}
		var r *aresult.Result
		if m.Handler != nil {
			r = m.Handler(text, params)
		}
		if r == nil {
			r = aresult.NewCommand(1, true)
		}
		if onResult != nil && recv.Alive() {
			onResult(r)
		}
	}
}

func (m *Mock) Exec(text string, params []any, onResult adriver.ResultCallback, recv *areceiver.Receiver) {
	m.run(text, params, onResult, recv)
}

func (m *Mock) ExecPrepared(stmt astmt.Statement, params []any, onResult adriver.ResultCallback, recv *areceiver.Receiver) {
	m.queue <- func() {
		m.mu.Lock()
		if !m.prepared[stmt.ID] {
			m.prepared[stmt.ID] = true
			m.PrepareLog = append(m.PrepareLog, stmt.ID)
		}
		m.mu.Unlock()
	}
	m.run(stmt.Text, params, onResult, recv)
}

func (m *Mock) SetLastQuerySingleRowMode() {}

func (m *Mock) Begin(onResult adriver.ResultCallback, recv *areceiver.Receiver) {
	m.run("BEGIN", nil, onResult, recv)
}

func (m *Mock) Commit(onResult adriver.ResultCallback, recv *areceiver.Receiver) {
	m.run("COMMIT", nil, onResult, recv)
}

func (m *Mock) Rollback(onResult adriver.ResultCallback, recv *areceiver.Receiver) {
	m.run("ROLLBACK", nil, onResult, recv)
}

func (m *Mock) EnterPipelineMode(time.Duration) bool { return true }
func (m *Mock) ExitPipelineMode()                    {}
func (m *Mock) PipelineSync()                        {}
func (m *Mock) PipelineStatus() adriver.PipelineStatus {
	return adriver.PipelineStatus{}
}

func (m *Mock) Subscribe(channel string, onNotify func(adriver.Notification), recv *areceiver.Receiver) error {
	m.mu.Lock()
	m.subs[channel] = make(chan struct{})
	m.mu.Unlock()
	return nil
}

func (m *Mock) Unsubscribe(channel string) error {
	m.mu.Lock()
	delete(m.subs, channel)
	m.mu.Unlock()
	return nil
}

func (m *Mock) SubscribedNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.subs))
	for name := range m.subs {
		names = append(names, name)
	}
	return names
}

// Notify synthesizes a server-pushed notification for tests that need
// one without a live LISTEN/NOTIFY backend.
func (m *Mock) Notify(channel, payload string, onNotify func(adriver.Notification)) {
	onNotify(adriver.Notification{Channel: channel, Payload: payload})
}

func (m *Mock) Close() error {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	m.setState(adriver.Disconnected, nil)
	return nil
}
