// Package adatabase implements the Database handle: a shared,
// reference-counted handle to a Driver. Go has no destructors, so the
// release that would otherwise run from the Database's destructor
// instead runs from an explicit Release method, meant to be deferred —
// the same pattern this module's transaction helpers use for
// rollback-on-drop.
package adatabase

import (
	"sync/atomic"

	"github.com/karu-codes/asql/adriver"
	"github.com/karu-codes/asql/areceiver"
	"github.com/karu-codes/asql/aresult"
	"github.com/karu-codes/asql/astmt"
	"github.com/karu-codes/asql/errors"
)

// ReleaseFunc is invoked exactly once, when the last Database reference
// over a Driver drops — normally apool's pool-entry release policy.
type ReleaseFunc func(adriver.Driver)

// handle is the shared state behind every copy of a Database that
// refers to the same Driver.
type handle struct {
	driver    adriver.Driver
	count     atomic.Int64
	onRelease ReleaseFunc
}

// Database is a value type: the zero value is "invalid" (no backing
// Driver), and every Exec* call on it synchronously fails with
// errors.CodeInvalidDriver.
type Database struct {
	h *handle
}

// New wraps driver in a fresh, singly-referenced Database. onRelease
// fires when the reference count returns to zero.
func New(driver adriver.Driver, onRelease ReleaseFunc) Database {
	h := &handle{driver: driver, onRelease: onRelease}
	h.count.Store(1)
	return Database{h: h}
}

// Valid reports whether this Database has a backing Driver.
func (d Database) Valid() bool { return d.h != nil }

// Acquire returns a new Database sharing this one's Driver, bumping the
// reference count. Calling Acquire on an invalid Database is a no-op
// that returns another invalid Database.
func (d Database) Acquire() Database {
	if d.h == nil {
		return d
	}
	d.h.count.Add(1)
	return Database{h: d.h}
}

// Release drops this reference. At zero, onRelease runs exactly once.
// Safe to call on an invalid Database (no-op) and safe to defer.
func (d Database) Release() {
	if d.h == nil {
		return
	}
	if d.h.count.Add(-1) == 0 && d.h.onRelease != nil {
		d.h.onRelease(d.h.driver)
	}
}

// Driver returns the backing Driver, or nil for an invalid Database.
func (d Database) Driver() adriver.Driver {
	if d.h == nil {
		return nil
	}
	return d.h.driver
}

func (d Database) invalid(onResult adriver.ResultCallback) {
	if onResult != nil {
		onResult(aresult.NewError(errors.CodeInvalidDriver, "asql: operation on an invalid Database handle"))
	}
}

// Exec forwards to the Driver, or synchronously fails if the handle is
// invalid.
func (d Database) Exec(text string, params []any, onResult adriver.ResultCallback, recv *areceiver.Receiver) {
	if d.h == nil {
		d.invalid(onResult)
		return
	}
	d.h.driver.Exec(text, params, onResult, recv)
}

// ExecPrepared forwards to the Driver, or synchronously fails if the
// handle is invalid.
func (d Database) ExecPrepared(stmt astmt.Statement, params []any, onResult adriver.ResultCallback, recv *areceiver.Receiver) {
	if d.h == nil {
		d.invalid(onResult)
		return
	}
	d.h.driver.ExecPrepared(stmt, params, onResult, recv)
}

func (d Database) SetLastQuerySingleRowMode() {
	if d.h == nil {
		return
	}
	d.h.driver.SetLastQuerySingleRowMode()
}

func (d Database) Begin(onResult adriver.ResultCallback, recv *areceiver.Receiver) {
	if d.h == nil {
		d.invalid(onResult)
		return
	}
	d.h.driver.Begin(onResult, recv)
}

func (d Database) Commit(onResult adriver.ResultCallback, recv *areceiver.Receiver) {
	if d.h == nil {
		d.invalid(onResult)
		return
	}
	d.h.driver.Commit(onResult, recv)
}

func (d Database) Rollback(onResult adriver.ResultCallback, recv *areceiver.Receiver) {
	if d.h == nil {
		d.invalid(onResult)
		return
	}
	d.h.driver.Rollback(onResult, recv)
}

func (d Database) Subscribe(channel string, onNotify func(adriver.Notification), recv *areceiver.Receiver) error {
	if d.h == nil {
		return errors.New(errors.CodeInvalidDriver, "asql: Subscribe on an invalid Database handle")
	}
	return d.h.driver.Subscribe(channel, onNotify, recv)
}

func (d Database) Unsubscribe(channel string) error {
	if d.h == nil {
		return errors.New(errors.CodeInvalidDriver, "asql: Unsubscribe on an invalid Database handle")
	}
	return d.h.driver.Unsubscribe(channel)
}

// State reports the backing Driver's lifecycle state; Disconnected for
// an invalid Database.
func (d Database) State() adriver.State {
	if d.h == nil {
		return adriver.Disconnected
	}
	return d.h.driver.State()
}

// The afuture adapters are not methods on Database — afuture.Single/
// Stream are generic and independent of adriver/aresult, so a caller
// builds one directly over whichever Exec* call it needs:
//
//	fut := afuture.NewSingle[*aresult.Result](recv)
//	db.Exec(text, params, func(r *aresult.Result) { fut.Resolve(r, nil) }, recv)
//	r, err := fut.Get(ctx)
