// Package adriver implements the Driver interface: the only component
// that speaks a backend's wire protocol. Two concrete backends are
// provided — NewPostgres (built on pgconn) and NewSQLite (an embedded,
// worker-goroutine-owned backend) — plus the in-memory Driver in
// subpackage adrivermock (adrivermock.New), used by property tests that
// don't need a live server.
//
// Driver is polymorphic over one capability set — open, exec,
// begin/commit/rollback, pipeline, notify, cancel. Each backend owns
// exactly one goroutine that runs every queued query, in submission
// order. Public submission methods append to a mutex-guarded queue and
// wake that goroutine; the Postgres pipeline methods are the exception
// and talk to the connection from the calling goroutine (see
// EnterPipelineMode in pg.go).
package adriver

import (
	"context"
	"time"

	"github.com/karu-codes/asql/areceiver"
	"github.com/karu-codes/asql/aresult"
	"github.com/karu-codes/asql/astmt"
)

// State is the Driver's lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// PipelineStatus mirrors the pipeline_status() primitive.
type PipelineStatus struct {
	On               bool
	OutstandingSyncs int
}

// Notification is a LISTEN/NOTIFY payload. SelfOrigin
// is true when the notifying backend PID equals this connection's own,
// mirroring libpq's self-notification detection.
type Notification struct {
	Channel    string
	Payload    string
	SelfOrigin bool
}

// ResultCallback is invoked once per delivered Result. A query that
// produces N results (multi-statement text, or single-row mode) gets N
// calls; the final one has Result.LastInBatch() true.
type ResultCallback func(*aresult.Result)

// Driver is the capability set one backend connection exposes.
type Driver interface {
	// Open transitions Disconnected→Connecting and begins the handshake.
	// onDone is invoked exactly once when it resolves.
	Open(ctx context.Context, onDone func(err error))

	State() State
	// OnStateChanged registers the single state-change observer,
	// overwriting any previous registration.
	OnStateChanged(cb func(State, error))

	// Exec enqueues a plain-text (optionally parameterized) query.
	Exec(text string, params []any, onResult ResultCallback, recv *areceiver.Receiver)
	// ExecPrepared enqueues a query against a prepared-statement handle,
	// preparing it on this Driver first if needed (step 1).
	ExecPrepared(stmt astmt.Statement, params []any, onResult ResultCallback, recv *areceiver.Receiver)
	// SetLastQuerySingleRowMode flags the most recently enqueued (or
	// currently running) query for row-by-row delivery.
	SetLastQuerySingleRowMode()

	Begin(onResult ResultCallback, recv *areceiver.Receiver)
	Commit(onResult ResultCallback, recv *areceiver.Receiver)
	Rollback(onResult ResultCallback, recv *areceiver.Receiver)

	// EnterPipelineMode returns false (PipelineRefused) without side
	// effects if the queue is non-empty or the Driver isn't Connected.
	EnterPipelineMode(autoSync time.Duration) bool
	ExitPipelineMode()
	PipelineSync()
	PipelineStatus() PipelineStatus

	Subscribe(channel string, onNotify func(Notification), recv *areceiver.Receiver) error
	Unsubscribe(channel string) error
	SubscribedNames() []string

	// Close tears the Driver down, failing any queued queries with
	// CodeConnectFailure and transitioning to Disconnected.
	Close() error
}

// Factory builds a Driver bound to one connection-info descriptor;
// used by apool to create new drivers on demand.
type Factory func() (Driver, error)

// queryRecord is one enqueued operation: immutable text/statement plus
// params, callback, and a weak (receiver) handle.
type queryRecord struct {
	text   string
	stmt   *astmt.Statement
	params []any

	onResult ResultCallback
	recv     *areceiver.Receiver

	singleRow bool
	preparing bool
}

func (q *queryRecord) alive() bool { return q.recv.Alive() }

func (q *queryRecord) deliver(r *aresult.Result) {
	if q.onResult != nil && q.alive() {
		q.onResult(r)
	}
}

type subscription struct {
	onNotify func(Notification)
	recv     *areceiver.Receiver
}
