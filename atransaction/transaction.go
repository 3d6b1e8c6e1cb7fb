// Package atransaction implements begin/commit/rollback under scoped
// ownership, with an automatic rollback if the caller drops the handle
// mid-transaction. Go has no destructors, so that rollback-on-drop
// guarantee becomes an explicit Close method meant to be deferred,
// generalizing the usual "rollback in a defer at the end of one
// callback" pattern to "whenever the caller lets go of the handle".
package atransaction

import (
	"context"

	"github.com/karu-codes/asql/adatabase"
	"github.com/karu-codes/asql/adriver"
	"github.com/karu-codes/asql/areceiver"
	"github.com/karu-codes/asql/aresult"
	"github.com/karu-codes/asql/errors"
)

// Tx is the rollback-biased transaction handle: dropped (via Close)
// while running, it issues ROLLBACK with no callback.
type Tx struct {
	db      adatabase.Database
	running bool
}

// New wraps db in a not-yet-started transaction handle.
func New(db adatabase.Database) *Tx {
	return &Tx{db: db}
}

// Begin sends BEGIN; on success, running flips true.
func (t *Tx) Begin(recv *areceiver.Receiver, onResult adriver.ResultCallback) {
	t.db.Begin(func(r *aresult.Result) {
		if !r.IsError() {
			t.running = true
		}
		if onResult != nil {
			onResult(r)
		}
	}, recv)
}

// Commit sends COMMIT and clears running.
func (t *Tx) Commit(recv *areceiver.Receiver, onResult adriver.ResultCallback) {
	t.running = false
	t.db.Commit(onResult, recv)
}

// Rollback sends ROLLBACK and clears running.
func (t *Tx) Rollback(recv *areceiver.Receiver, onResult adriver.ResultCallback) {
	t.running = false
	t.db.Rollback(onResult, recv)
}

// Running reports whether Begin succeeded and neither Commit nor
// Rollback has run yet.
func (t *Tx) Running() bool { return t.running }

// Close implements the rollback-on-drop semantics: if running and the
// Database is valid, issue a ROLLBACK with no callback. Safe to call
// more than once and safe to defer immediately after New.
func (t *Tx) Close() {
	if !t.running || !t.db.Valid() {
		return
	}
	t.running = false
	t.db.Rollback(nil, nil)
}

// CommitTx is the commit-biased variant: the same contract as Tx,
// except Close issues COMMIT instead of ROLLBACK unless
// the caller explicitly flagged rollback via MarkRollback. Either path
// invokes the optional onDone callback with a didRollback flag.
type CommitTx struct {
	db           adatabase.Database
	running      bool
	rollbackOnly bool
	onDone       func(didRollback bool)
}

// NewCommitTx wraps db in a not-yet-started, commit-biased transaction
// handle. onDone, if non-nil, fires at most once: from a Close that
// finds the transaction running. An explicit Commit or Rollback does
// not invoke it.
func NewCommitTx(db adatabase.Database, onDone func(didRollback bool)) *CommitTx {
	return &CommitTx{db: db, onDone: onDone}
}

func (t *CommitTx) Begin(recv *areceiver.Receiver, onResult adriver.ResultCallback) {
	t.db.Begin(func(r *aresult.Result) {
		if !r.IsError() {
			t.running = true
		}
		if onResult != nil {
			onResult(r)
		}
	}, recv)
}

// MarkRollback flags that Close should roll back instead of committing,
// even though the transaction otherwise ran to completion.
func (t *CommitTx) MarkRollback() { t.rollbackOnly = true }

func (t *CommitTx) Commit(recv *areceiver.Receiver, onResult adriver.ResultCallback) {
	t.running = false
	t.finish(false, recv, onResult)
}

func (t *CommitTx) Rollback(recv *areceiver.Receiver, onResult adriver.ResultCallback) {
	t.running = false
	t.finish(true, recv, onResult)
}

func (t *CommitTx) finish(rollback bool, recv *areceiver.Receiver, onResult adriver.ResultCallback) {
	wrapped := func(r *aresult.Result) {
		if onResult != nil {
			onResult(r)
		}
	}
	if rollback {
		t.db.Rollback(wrapped, recv)
		return
	}
	t.db.Commit(wrapped, recv)
}

func (t *CommitTx) Running() bool { return t.running }

// Close commits (the default bias) unless MarkRollback was called,
// reporting didRollback to onDone.
func (t *CommitTx) Close() {
	if !t.running || !t.db.Valid() {
		return
	}
	t.running = false
	didRollback := t.rollbackOnly
	if didRollback {
		t.db.Rollback(nil, nil)
	} else {
		t.db.Commit(nil, nil)
	}
	if t.onDone != nil {
		t.onDone(didRollback)
	}
}

// WithTx runs fn inside a begin/commit-or-rollback scope: on success,
// commit; on error or panic, rollback and re-panic/return the error.
// ctx only bounds how long Begin/Commit wait for their result; the
// statements themselves still go through Database's own callback API.
func WithTx(ctx context.Context, db adatabase.Database, fn func(tx *Tx) error) (err error) {
	tx := New(db)
	beginDone := make(chan error, 1)
	tx.Begin(nil, func(r *aresult.Result) {
		if r.IsError() {
			beginDone <- errors.New(r.Code(), r.Error())
			return
		}
		beginDone <- nil
	})
	select {
	case err = <-beginDone:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		return err
	}
	defer tx.Close()

	defer func() {
		if p := recover(); p != nil {
			tx.Close()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	commitDone := make(chan error, 1)
	tx.Commit(nil, func(r *aresult.Result) {
		if r.IsError() {
			commitDone <- errors.New(r.Code(), r.Error())
			return
		}
		commitDone <- nil
	})
	select {
	case err = <-commitDone:
	case <-ctx.Done():
		err = ctx.Err()
	}
	return err
}
