package adriver

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/karu-codes/asql/areceiver"
	"github.com/karu-codes/asql/aresult"
	"github.com/karu-codes/asql/astmt"
	"github.com/karu-codes/asql/avalue"
	"github.com/karu-codes/asql/errors"
)

// sqliteDriver is the embedded backend: a single reserved *sql.Conn,
// operated exclusively by one worker goroutine, so that PRAGMAs,
// transactions, and prepared statements all observe the same native
// sqlite3 connection handle that go-sqlite3 wraps. Pipeline mode and
// LISTEN/NOTIFY have no sqlite equivalent and are refused.
type sqliteDriver struct {
	base

	path    string
	options []string

	db   *sql.DB
	conn *sql.Conn

	tx *sql.Tx // non-nil between Begin and Commit/Rollback

	closed chan struct{}
}

// NewSQLite returns a Driver Factory bound to the sqlite file path of a
// "sqlite://" connection descriptor (or "" for an in-memory database).
// Options after '?' in the descriptor are not passed on: the sqlite3
// DSN built by dsn() is the path alone.
func NewSQLite(ci avalue.ConnInfo, logger *slog.Logger) Factory {
	return func() (Driver, error) {
		return &sqliteDriver{
			base:   newBase(logger),
			path:   ci.SQLitePath(),
			closed: make(chan struct{}),
		}, nil
	}
}

func (d *sqliteDriver) dsn() string {
	path := d.path
	if path == "" {
		path = ":memory:"
	}
	return path
}

func (d *sqliteDriver) Open(ctx context.Context, onDone func(err error)) {
	d.setState(Connecting, nil)
	go d.run(ctx, onDone)
}

func (d *sqliteDriver) run(ctx context.Context, onDone func(err error)) {
	db, err := sql.Open("sqlite3", d.dsn())
	if err != nil {
		err = errors.Wrap(err, errors.CodeInvalidDriver, "asql: open sqlite3")
		d.setState(Disconnected, err)
		if onDone != nil {
			onDone(err)
		}
		return
	}
	// Exactly one reserved connection: sqlite3 connections are not safe
	// for concurrent use, and a pending transaction needs all statements
	// to observe the same native handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		err = errors.Wrap(err, errors.CodeConnectFailure, "asql: reserve sqlite3 connection")
		d.setState(Disconnected, err)
		if onDone != nil {
			onDone(err)
		}
		_ = db.Close()
		return
	}
	d.db = db
	d.conn = conn
	d.setState(Connected, nil)
	if onDone != nil {
		onDone(nil)
	}

	for {
		select {
		case <-d.closed:
			return
		case <-d.wake:
		}
		for {
			q, ok := d.popHead()
			if !ok {
				break
			}
			if !q.alive() {
				continue
			}
			if err := d.runQuery(q); err != nil {
				d.onConnectionLost(err)
				return
			}
		}
	}
}

func (d *sqliteDriver) onConnectionLost(err error) {
	d.failAll(errors.CodeConnectFailure, err.Error())
	d.clearPrepared()
	d.tx = nil
	d.setState(Disconnected, err)
}

// runQuery arms the same receiver-driven cancellation watcher the
// Postgres backend does, deriving a context that is cancelled (rather
// than relying on a separate CancelRequest primitive, which sqlite3 has
// no wire-level equivalent of) when the receiver dies.
func (d *sqliteDriver) runQuery(q *queryRecord) error {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		select {
		case <-q.recv.Done():
			cancel()
		case <-done:
		}
	}()

	var err error
	switch {
	case q.text == "__BEGIN__":
		err = d.execBegin(ctx, q)
	case q.text == "__COMMIT__":
		err = d.execCommit(ctx, q)
	case q.text == "__ROLLBACK__":
		err = d.execRollback(ctx, q)
	case q.stmt != nil:
		err = d.execPrepared(ctx, q)
	default:
		err = d.execPlain(ctx, q)
	}
	close(done)
	cancel()
	d.finishCurrent()
	return err
}

func (d *sqliteDriver) queryable(ctx context.Context) interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	ExecContext(context.Context, string, ...any) (sql.Result, error)
} {
	if d.tx != nil {
		return d.tx
	}
	return d.conn
}

func (d *sqliteDriver) execPlain(ctx context.Context, q *queryRecord) error {
	return d.run1(ctx, q, q.text, q.params)
}

func (d *sqliteDriver) execPrepared(ctx context.Context, q *queryRecord) error {
	if !d.isPrepared(q.stmt.ID) {
		d.markPrepared(q.stmt.ID)
	}
	return d.run1(ctx, q, q.stmt.Text, q.params)
}

// run1 runs one statement through QueryContext for every statement
// kind — sqlite accepts both SELECT and DML through it, and only
// QueryContext surfaces column metadata. ExecContext is never called,
// so the delivered Result always reports zero rows affected, DML
// included.
func (d *sqliteDriver) run1(ctx context.Context, q *queryRecord, text string, params []any) error {
	args := make([]any, len(params))
	copy(args, params)

	rows, err := d.queryable(ctx).QueryContext(ctx, text, args...)
	if err != nil {
		if isConnectionFatal(err) {
			return errors.Wrap(err, errors.CodeConnectFailure, "asql: sqlite3 connection lost")
		}
		q.deliver(aresult.NewErrorf(errors.CodeResultError, "asql: %v", err))
		return nil
	}
	defer rows.Close()

	colNames, err := rows.Columns()
	if err != nil {
		q.deliver(aresult.NewErrorf(errors.CodeResultError, "asql: %v", err))
		return nil
	}
	cols := make([]aresult.Column, len(colNames))
	for i, name := range colNames {
		cols[i] = aresult.Column{Name: name, OID: avalue.OIDUnknown}
	}

	scan := make([]any, len(colNames))
	ptrs := make([]any, len(colNames))
	for i := range scan {
		ptrs[i] = &scan[i]
	}

	var buffered [][][]byte
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			q.deliver(aresult.NewErrorf(errors.CodeResultError, "asql: %v", err))
			return nil
		}
		row := make([][]byte, len(scan))
		for i, v := range scan {
			row[i] = toWireBytes(v)
		}
		if q.singleRow {
			q.deliver(aresult.NewRows(cols, [][][]byte{row}, textFormats(len(cols)), 0, false))
			continue
		}
		buffered = append(buffered, row)
	}
	if err := rows.Err(); err != nil {
		q.deliver(aresult.NewErrorf(errors.CodeResultError, "asql: %v", err))
		return nil
	}
	if q.singleRow {
		q.deliver(aresult.NewCommand(0, true))
		return nil
	}
	q.deliver(aresult.NewRows(cols, buffered, textFormats(len(cols)), 0, true))
	return nil
}

// toWireBytes renders a database/sql scan value as the text-format wire
// bytes avalue.DecodeText expects, so Result's conversion table stays
// the single place column values are decoded regardless of backend.
func toWireBytes(v any) []byte {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		return append([]byte(nil), t...)
	case string:
		return []byte(t)
	case int64:
		return []byte(fmt.Sprintf("%d", t))
	case float64:
		return []byte(fmt.Sprintf("%v", t))
	case bool:
		if t {
			return []byte("t")
		}
		return []byte("f")
	case time.Time:
		return []byte(t.UTC().Format(time.RFC3339Nano))
	default:
		return []byte(fmt.Sprintf("%v", t))
	}
}

func textFormats(n int) []int16 {
	f := make([]int16, n)
	for i := range f {
		f[i] = avalue.FormatText
	}
	return f
}

func (d *sqliteDriver) execBegin(ctx context.Context, q *queryRecord) error {
	if d.tx != nil {
		q.deliver(aresult.NewError(errors.CodeInvalidState, "asql: transaction already open"))
		return nil
	}
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		q.deliver(aresult.NewErrorf(errors.CodeResultError, "asql: BEGIN: %v", err))
		return nil
	}
	d.tx = tx
	q.deliver(aresult.NewCommand(0, true))
	return nil
}

func (d *sqliteDriver) execCommit(_ context.Context, q *queryRecord) error {
	if d.tx == nil {
		q.deliver(aresult.NewError(errors.CodeInvalidState, "asql: no open transaction"))
		return nil
	}
	err := d.tx.Commit()
	d.tx = nil
	if err != nil {
		q.deliver(aresult.NewErrorf(errors.CodeResultError, "asql: COMMIT: %v", err))
		return nil
	}
	q.deliver(aresult.NewCommand(0, true))
	return nil
}

func (d *sqliteDriver) execRollback(_ context.Context, q *queryRecord) error {
	if d.tx == nil {
		q.deliver(aresult.NewError(errors.CodeInvalidState, "asql: no open transaction"))
		return nil
	}
	err := d.tx.Rollback()
	d.tx = nil
	if err != nil {
		q.deliver(aresult.NewErrorf(errors.CodeResultError, "asql: ROLLBACK: %v", err))
		return nil
	}
	q.deliver(aresult.NewCommand(0, true))
	return nil
}

// isConnectionFatal recognizes driver errors that mean the reserved
// connection itself is gone, as opposed to an ordinary statement error
// (constraint violation, syntax error) that leaves the connection
// usable for the next queued query.
func isConnectionFatal(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is closed") || strings.Contains(msg, "driver: bad connection")
}

func (d *sqliteDriver) Exec(text string, params []any, onResult ResultCallback, recv *areceiver.Receiver) {
	d.enqueue(&queryRecord{text: text, params: params, onResult: onResult, recv: recv})
}

func (d *sqliteDriver) ExecPrepared(stmt astmt.Statement, params []any, onResult ResultCallback, recv *areceiver.Receiver) {
	s := stmt
	d.enqueue(&queryRecord{stmt: &s, params: params, onResult: onResult, recv: recv, preparing: true})
}

func (d *sqliteDriver) SetLastQuerySingleRowMode() { d.setSingleRowOnLast() }

func (d *sqliteDriver) Begin(onResult ResultCallback, recv *areceiver.Receiver) {
	d.enqueue(&queryRecord{text: "__BEGIN__", onResult: onResult, recv: recv})
}

func (d *sqliteDriver) Commit(onResult ResultCallback, recv *areceiver.Receiver) {
	d.enqueue(&queryRecord{text: "__COMMIT__", onResult: onResult, recv: recv})
}

func (d *sqliteDriver) Rollback(onResult ResultCallback, recv *areceiver.Receiver) {
	d.enqueue(&queryRecord{text: "__ROLLBACK__", onResult: onResult, recv: recv})
}

// EnterPipelineMode: sqlite has no wire pipeline, so the call always
// refuses.
func (d *sqliteDriver) EnterPipelineMode(time.Duration) bool { return false }
func (d *sqliteDriver) ExitPipelineMode()                    {}
func (d *sqliteDriver) PipelineSync()                        {}
func (d *sqliteDriver) PipelineStatus() PipelineStatus        { return PipelineStatus{} }

// Subscribe: sqlite has no LISTEN/NOTIFY equivalent.
func (d *sqliteDriver) Subscribe(string, func(Notification), *areceiver.Receiver) error {
	return errors.New(errors.CodeSubmitFailure, "asql: sqlite backend does not support notifications")
}

func (d *sqliteDriver) Unsubscribe(string) error {
	return errors.New(errors.CodeSubmitFailure, "asql: sqlite backend does not support notifications")
}

func (d *sqliteDriver) SubscribedNames() []string { return nil }

func (d *sqliteDriver) Close() error {
	select {
	case <-d.closed:
		return nil
	default:
		close(d.closed)
	}
	d.failAll(errors.CodeConnectFailure, "asql: driver closed")
	d.setState(Disconnected, nil)
	if d.tx != nil {
		_ = d.tx.Rollback()
	}
	if d.conn != nil {
		_ = d.conn.Close()
	}
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}
