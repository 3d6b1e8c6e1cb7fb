package adriver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/karu-codes/asql/areceiver"
	"github.com/karu-codes/asql/aresult"
	"github.com/karu-codes/asql/astmt"
	"github.com/karu-codes/asql/avalue"
	"github.com/karu-codes/asql/errors"
)

// pgDriver is the Postgres backend, built directly on pgconn.PgConn
// rather than a hand-rolled reactor: pgconn's Exec/ExecParams/Prepare/
// ExecPrepared already perform their own internal read/write loop to
// completion, so there is nothing for this package to gain by
// re-implementing non-blocking socket polling on top of them. The
// single-threaded, thread-confined contract is achieved here by giving
// every pgDriver exactly one owned goroutine (run) that executes every
// queued query on its connection; the pipeline methods are the
// exception described at EnterPipelineMode.
type pgDriver struct {
	base

	connString string
	conn       *pgconn.PgConn

	pipeline         *pgconn.Pipeline
	pipelineBatch    []*queryRecord
	pipelineAutoSync time.Duration
	pipelineTimer    *time.Timer

	closed chan struct{}
}

// NewPostgres returns a Driver Factory bound to a single Postgres
// connection string (the "postgres://" / "postgresql://" scheme).
func NewPostgres(connString string, logger *slog.Logger) Factory {
	return func() (Driver, error) {
		return &pgDriver{
			base:       newBase(logger),
			connString: connString,
			closed:     make(chan struct{}),
		}, nil
	}
}

func (d *pgDriver) Open(ctx context.Context, onDone func(err error)) {
	d.setState(Connecting, nil)
	go d.run(ctx, onDone)
}

// run is the goroutine that owns the connection for its entire
// lifetime: it connects once, then services the query queue until
// Close is called or the connection is lost.
func (d *pgDriver) run(ctx context.Context, onDone func(err error)) {
	cfg, err := pgconn.ParseConfig(d.connString)
	if err != nil {
		err = errors.Wrap(err, errors.CodeInvalidDriver, "asql: parse postgres connection info")
		d.setState(Disconnected, err)
		if onDone != nil {
			onDone(err)
		}
		return
	}
	cfg.OnNotification = d.dispatchNotification

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		err = errors.Wrap(err, errors.CodeConnectFailure, "asql: connect to postgres")
		d.setState(Disconnected, err)
		if onDone != nil {
			onDone(err)
		}
		return
	}
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
			if d.runQuery(q); d.conn.IsClosed() {
				d.onConnectionLost(errors.New(errors.CodeConnectFailure, "asql: postgres connection closed"))
				return
			}
		}
	}
}

// onConnectionLost fails the in-flight query and everything still
// queued, then drops to Disconnected.
func (d *pgDriver) onConnectionLost(err error) {
	d.failAll(errors.CodeConnectFailure, err.Error())
	d.clearPrepared()
	d.setState(Disconnected, err)
}

// runQuery dispatches one dequeued record to its wire-level handler. It
// always runs with a cancellation watcher armed for the record's
// Receiver: a receiver destroyed mid-query sends CancelRequest on a
// fresh throwaway connection, exactly like libpq's PQcancel, rather
// than tearing down this connection.
func (d *pgDriver) runQuery(q *queryRecord) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-q.recv.Done():
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = d.conn.CancelRequest(cctx)
		case <-done:
		}
	}()

	ctx := context.Background()
	switch {
	case q.preparing && q.stmt != nil:
		d.execPreparing(ctx, q)
	case q.stmt != nil:
		d.execPrepared(ctx, q)
	case q.text == "__BEGIN__", q.text == "__COMMIT__", q.text == "__ROLLBACK__":
		d.execControl(ctx, q)
	default:
		d.execPlain(ctx, q)
	}
	d.finishCurrent()
}

func (d *pgDriver) execControl(ctx context.Context, q *queryRecord) {
	sql := controlSQL(q.text)
	mrr := d.conn.Exec(ctx, sql)
	_, err := mrr.ReadAll()
	closeErr := mrr.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		q.deliver(aresult.NewErrorf(errors.CodeResultError, "asql: %s: %v", sql, err))
		return
	}
	q.deliver(aresult.NewCommand(0, true))
}

// execPlain runs the simple query protocol, which is also the only
// protocol that can return more than one result set from a single
// string (multi-statement text). Each pgconn ResultReader must be
// fully drained and closed before the next one can be requested, so
// "is this the last result" is only knowable by peeking NextResult()
// after draining the current one — hence the peek-ahead loop below
// rather than a plain range.
func (d *pgDriver) execPlain(ctx context.Context, q *queryRecord) {
	if len(q.params) > 0 {
		d.execPlainParams(ctx, q)
		return
	}
	mrr := d.conn.Exec(ctx, q.text)
	n := 0
	hasNext := mrr.NextResult()
	for hasNext {
		rr := mrr.ResultReader()
		hasNext = d.deliverResultReaderPeeking(rr, q, mrr)
		n++
	}
	if err := mrr.Close(); err != nil && n == 0 {
		q.deliver(aresult.NewErrorf(errors.CodeResultError, "asql: %v", err))
	}
}

// execPlainParams runs a parameterized, not-yet-prepared plain-text
// query through the extended protocol (pgconn.ExecParams): conn.Exec
// above is the simple protocol and has no parameter support at all, so
// a query submitted with params but no Statement handle needs this
// path instead. Unlike execPlain, ExecParams only ever returns one
// result set, so there's no multi-statement peek-ahead loop here.
func (d *pgDriver) execPlainParams(ctx context.Context, q *queryRecord) {
	enc, err := avalue.EncodeParams(q.params)
	if err != nil {
		q.deliver(aresult.NewErrorf(errors.CodeSubmitFailure, "asql: %v", err))
		return
	}
	rr := d.conn.ExecParams(ctx, q.text, enc.Values, enc.OIDs, enc.Formats, []int16{avalue.FormatBinary})
	d.deliverResultReader(rr, q, true)
}

// deliverResultReaderPeeking drains rr, then peeks whether mrr has a
// further result before delivering — letting it report the correct
// LastInBatch to the caller. It returns that peeked hasNext so the
// caller's loop can continue without peeking twice.
func (d *pgDriver) deliverResultReaderPeeking(rr *pgconn.ResultReader, q *queryRecord, mrr *pgconn.MultiResultReader) bool {
	fields := rr.FieldDescriptions()
	cols := make([]aresult.Column, len(fields))
	formats := make([]int16, len(fields))
	for i, f := range fields {
		cols[i] = aresult.Column{Name: string(f.Name), OID: avalue.OID(f.DataTypeOID)}
		formats[i] = f.Format
	}

	var buffered [][][]byte
	for rr.NextRow() {
		vals := rr.Values()
		row := make([][]byte, len(vals))
		for i, v := range vals {
			if v != nil {
				row[i] = append([]byte(nil), v...)
			}
		}
		buffered = append(buffered, row)
	}
	tag, err := rr.Close()
	hasNext := mrr.NextResult()

	if err != nil {
		q.deliver(aresult.NewErrorf(errors.CodeResultError, "asql: %v", err))
		return hasNext
	}
	if q.singleRow {
		for _, row := range buffered {
			q.deliver(aresult.NewRows(cols, [][][]byte{row}, formats, 0, false))
		}
		q.deliver(aresult.NewCommand(tag.RowsAffected(), !hasNext))
		return hasNext
	}
	q.deliver(aresult.NewRows(cols, buffered, formats, tag.RowsAffected(), !hasNext))
	return hasNext
}

// execPreparing prepares a not-yet-seen statement on this connection,
// keyed by Statement.ID, before running it.
func (d *pgDriver) execPreparing(ctx context.Context, q *queryRecord) {
	if !d.isPrepared(q.stmt.ID) {
		if _, err := d.conn.Prepare(ctx, q.stmt.ID, q.stmt.Text, nil); err != nil {
			q.deliver(aresult.NewErrorf(errors.CodeSubmitFailure, "asql: prepare %s: %v", q.stmt.ID, err))
			return
		}
		d.markPrepared(q.stmt.ID)
	}
	d.execPrepared(ctx, q)
}

func (d *pgDriver) execPrepared(ctx context.Context, q *queryRecord) {
	enc, err := avalue.EncodeParams(q.params)
	if err != nil {
		q.deliver(aresult.NewErrorf(errors.CodeSubmitFailure, "asql: %v", err))
		return
	}
	rr := d.conn.ExecPrepared(ctx, q.stmt.ID, enc.Values, enc.Formats, []int16{avalue.FormatBinary})
	d.deliverResultReader(rr, q, true)
}

// deliverResultReader drains one pgconn.ResultReader, delivering
// either one Result per row (single-row mode) or a single aggregate
// Result once the reader closes.
func (d *pgDriver) deliverResultReader(rr *pgconn.ResultReader, q *queryRecord, lastInBatch bool) {
	fields := rr.FieldDescriptions()
	cols := make([]aresult.Column, len(fields))
	formats := make([]int16, len(fields))
	for i, f := range fields {
		cols[i] = aresult.Column{Name: string(f.Name), OID: avalue.OID(f.DataTypeOID)}
		formats[i] = f.Format
	}

	var buffered [][][]byte
	for rr.NextRow() {
		vals := rr.Values()
		row := make([][]byte, len(vals))
		for i, v := range vals {
			if v != nil {
				row[i] = append([]byte(nil), v...)
			}
		}
		if q.singleRow {
			q.deliver(aresult.NewRows(cols, [][][]byte{row}, formats, 0, false))
			continue
		}
		buffered = append(buffered, row)
	}

	tag, err := rr.Close()
	if err != nil {
		q.deliver(aresult.NewErrorf(errors.CodeResultError, "asql: %v", err))
		return
	}
	if q.singleRow {
		q.deliver(aresult.NewCommand(tag.RowsAffected(), lastInBatch))
		return
	}
	q.deliver(aresult.NewRows(cols, buffered, formats, tag.RowsAffected(), lastInBatch))
}

// submit routes a query record to the pipeline, if one is open, or to
// the ordinary FIFO queue otherwise — the one branch point every public
// submission method shares.
func (d *pgDriver) submit(q *queryRecord) {
	d.mu.Lock()
	pipelining := d.pipelineOn
	d.mu.Unlock()
	if pipelining {
		d.sendPipelined(q)
		return
	}
	d.enqueue(q)
}

func (d *pgDriver) Exec(text string, params []any, onResult ResultCallback, recv *areceiver.Receiver) {
	d.submit(&queryRecord{text: text, params: params, onResult: onResult, recv: recv})
}

func (d *pgDriver) ExecPrepared(stmt astmt.Statement, params []any, onResult ResultCallback, recv *areceiver.Receiver) {
	s := stmt
	d.submit(&queryRecord{stmt: &s, params: params, onResult: onResult, recv: recv, preparing: true})
}

func (d *pgDriver) SetLastQuerySingleRowMode() { d.setSingleRowOnLast() }

func (d *pgDriver) Begin(onResult ResultCallback, recv *areceiver.Receiver) {
	d.submit(&queryRecord{text: "__BEGIN__", onResult: onResult, recv: recv})
}

func (d *pgDriver) Commit(onResult ResultCallback, recv *areceiver.Receiver) {
	d.submit(&queryRecord{text: "__COMMIT__", onResult: onResult, recv: recv})
}

func (d *pgDriver) Rollback(onResult ResultCallback, recv *areceiver.Receiver) {
	d.submit(&queryRecord{text: "__ROLLBACK__", onResult: onResult, recv: recv})
}

// EnterPipelineMode switches the submission path from the plain FIFO
// queue to a pgconn.Pipeline; it refuses (returns false) unless the
// driver is Connected and idle, since an already in-flight
// simple-protocol query cannot be interleaved with pipelined
// extended-protocol messages.
//
// Unlike Exec/Begin/.../Close, which only ever hand a record to the
// owned goroutine via the queue, the pipeline methods (this one,
// sendPipelined, PipelineSync, ExitPipelineMode) talk to pgconn
// directly from whatever goroutine calls them. That is safe only
// because the pipeline contract is inherently single-writer —
// one caller opens a pipeline, sends into it, and syncs it — so callers
// must not invoke these from more than one goroutine concurrently.
//
// With autoSync > 0, a timer calls PipelineSync every autoSync until the
// pipeline is exited.
func (d *pgDriver) EnterPipelineMode(autoSync time.Duration) bool {
	if d.State() != Connected {
		return false
	}
	d.mu.Lock()
	if d.pipelineOn || len(d.queue) > 0 || d.current != nil {
		d.mu.Unlock()
		return false
	}
	d.pipelineOn = true
	d.mu.Unlock()

	d.pipeline = d.conn.StartPipeline(context.Background())
	d.pipelineAutoSync = autoSync
	if autoSync > 0 {
		d.mu.Lock()
		d.pipelineTimer = time.AfterFunc(autoSync, func() {
			d.PipelineSync()
			d.mu.Lock()
			defer d.mu.Unlock()
			if d.pipelineOn && d.pipelineTimer != nil {
				d.pipelineTimer.Reset(autoSync)
			}
		})
		d.mu.Unlock()
	}
	return true
}

// sendPipelined queues one command into the open pipeline without
// blocking for its result: submission without waiting for the
// previous command's result.
func (d *pgDriver) sendPipelined(q *queryRecord) {
	d.mu.Lock()
	if !d.pipelineOn {
		d.mu.Unlock()
		q.deliver(aresult.NewError(errors.CodeSubmitFailure, "asql: not in pipeline mode"))
		return
	}
	d.pipelineBatch = append(d.pipelineBatch, q)
	d.mu.Unlock()

	switch {
	case q.stmt != nil:
		enc, err := avalue.EncodeParams(q.params)
		if err != nil {
			q.deliver(aresult.NewErrorf(errors.CodeSubmitFailure, "asql: %v", err))
			return
		}
		if !d.isPrepared(q.stmt.ID) {
			d.pipeline.SendPrepare(q.stmt.ID, q.stmt.Text, nil)
			d.markPrepared(q.stmt.ID)
		}
		d.pipeline.SendQueryPrepared(q.stmt.ID, enc.Values, enc.Formats, []int16{avalue.FormatBinary})
	default:
		enc, err := avalue.EncodeParams(q.params)
		if err != nil {
			q.deliver(aresult.NewErrorf(errors.CodeSubmitFailure, "asql: %v", err))
			return
		}
		d.pipeline.SendQueryParams(controlSQL(q.text), enc.Values, enc.OIDs, enc.Formats, []int16{avalue.FormatBinary})
	}
}

// controlSQL translates the pseudo-text markers Begin/Commit/Rollback
// enqueue into real SQL; execControl does the same translation for the
// non-pipelined path.
func controlSQL(text string) string {
	if sql, ok := map[string]string{"__BEGIN__": "BEGIN", "__COMMIT__": "COMMIT", "__ROLLBACK__": "ROLLBACK"}[text]; ok {
		return sql
	}
	return text
}

// PipelineSync flushes a Sync message and synchronously drains every
// result up to the matching sync boundary. A fully async reactor would
// let these arrive as the server produces them; this Driver runs
// everything from one owned goroutine, so draining here — rather than
// from a second "reader" goroutine — is the deliberate tradeoff.
func (d *pgDriver) PipelineSync() {
	d.mu.Lock()
	if !d.pipelineOn || d.pipeline == nil {
		d.mu.Unlock()
		return
	}
	batch := d.pipelineBatch
	d.pipelineBatch = nil
	d.pipelineSyncsOut++
	d.mu.Unlock()

	d.pipeline.Sync()
	idx := 0
	for {
		res, err := d.pipeline.GetResults()
		if err != nil {
			d.failPipelineBatch(batch[idx:], err)
			break
		}
		switch r := res.(type) {
		case *pgconn.ResultReader:
			if idx < len(batch) {
				d.deliverResultReader(r, batch[idx], true)
				idx++
			} else {
				_, _ = r.Close()
			}
		case *pgconn.PipelineSync:
			goto drained
		case *pgconn.StatementDescription:
			// SendPrepare's own result, not paired to a queryRecord.
		case nil:
			goto drained
		}
	}
drained:
	d.mu.Lock()
	d.pipelineSyncsOut--
	d.mu.Unlock()
}

func (d *pgDriver) failPipelineBatch(batch []*queryRecord, err error) {
	for _, q := range batch {
		q.deliver(aresult.NewErrorf(errors.CodeResultError, "asql: pipeline: %v", err))
	}
}

func (d *pgDriver) ExitPipelineMode() {
	d.mu.Lock()
	if !d.pipelineOn {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	d.PipelineSync()
	if d.pipelineTimer != nil {
		d.pipelineTimer.Stop()
	}
	_ = d.pipeline.Close()
	d.mu.Lock()
	d.pipelineOn = false
	d.pipeline = nil
	d.mu.Unlock()
}

func (d *pgDriver) dispatchNotification(_ *pgconn.PgConn, n *pgconn.Notification) {
	sub, ok := d.subFor(n.Channel)
	if !ok || !sub.recv.Alive() {
		return
	}
	sub.onNotify(Notification{
		Channel:    n.Channel,
		Payload:    n.Payload,
		SelfOrigin: n.PID == d.conn.PID(),
	})
}

func (d *pgDriver) Subscribe(channel string, onNotify func(Notification), recv *areceiver.Receiver) error {
	mrr := d.conn.Exec(context.Background(), fmt.Sprintf("LISTEN %s", quoteIdent(channel)))
	if _, err := mrr.ReadAll(); err != nil {
		_ = mrr.Close()
		return errors.Wrapf(err, errors.CodeSubmitFailure, "asql: LISTEN %s", channel)
	}
	if err := mrr.Close(); err != nil {
		return errors.Wrapf(err, errors.CodeSubmitFailure, "asql: LISTEN %s", channel)
	}
	d.addSub(channel, subscription{onNotify: onNotify, recv: recv})
	return nil
}

func (d *pgDriver) Unsubscribe(channel string) error {
	mrr := d.conn.Exec(context.Background(), fmt.Sprintf("UNLISTEN %s", quoteIdent(channel)))
	_, err := mrr.ReadAll()
	closeErr := mrr.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Wrapf(err, errors.CodeSubmitFailure, "asql: UNLISTEN %s", channel)
	}
	d.removeSub(channel)
	return nil
}

func (d *pgDriver) SubscribedNames() []string { return d.subscribedNames() }

func (d *pgDriver) PipelineStatus() PipelineStatus { return d.pipelineStatus() }

func (d *pgDriver) Close() error {
	select {
	case <-d.closed:
		return nil
	default:
		close(d.closed)
	}
	d.failAll(errors.CodeConnectFailure, "asql: driver closed")
	d.clearSubs()
	d.setState(Disconnected, nil)
	if d.conn != nil {
		return d.conn.Close(context.Background())
	}
	return nil
}

// quoteIdent double-quotes a LISTEN/UNLISTEN channel name, escaping any
// embedded quote, since pgconn.Exec has no separate identifier-quoting
// helper the way a parameterized statement would.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
