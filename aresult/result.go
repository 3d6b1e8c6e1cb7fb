// Package aresult implements the Result type: an immutable, shareable
// snapshot of one command's outcome, with lazily-converted column
// access.
package aresult

import (
	"fmt"
	"sync"

	"github.com/karu-codes/asql/avalue"
	"github.com/karu-codes/asql/errors"
)

// Column describes one result column: its name and wire type OID, used
// by Value/Row to look up and convert cell data on demand.
type Column struct {
	Name string
	OID  avalue.OID
}

// row is one result row, held as raw wire bytes plus the format (text
// vs binary) they were encoded in, so conversion can be deferred until a
// caller actually asks for a value ("lazily converted to
// typed values on access").
type row struct {
	cells   [][]byte
	formats []int16
}

// Result is a tagged outcome: either Ok (rows, columns, rows affected,
// LastInBatch) or Err (a message). Results are immutable after
// construction and safe to share across goroutines — acache in
// particular hands the same *Result to every waiter of a coalesced
// key.
type Result struct {
	err     string
	hasErr  bool
	code    errors.Code
	columns []Column
	rows    []row

	rowsAffected int64
	lastInBatch  bool

	mu     sync.Mutex
	cached []map[string]any // memoized Row() conversions
}

// NewError builds a failed Result carrying the given error taxonomy code
// and message.
func NewError(code errors.Code, message string) *Result {
	return &Result{hasErr: true, code: code, err: message, lastInBatch: true}
}

// NewErrorf is NewError with fmt.Sprintf-style formatting.
func NewErrorf(code errors.Code, format string, args ...any) *Result {
	return NewError(code, fmt.Sprintf(format, args...))
}

// NewRows builds a successful Result carrying row data.
func NewRows(columns []Column, cellRows [][][]byte, formats []int16, rowsAffected int64, lastInBatch bool) *Result {
	rows := make([]row, len(cellRows))
	for i, cells := range cellRows {
		rows[i] = row{cells: cells, formats: formats}
	}
	return &Result{
		columns:      columns,
		rows:         rows,
		rowsAffected: rowsAffected,
		lastInBatch:  lastInBatch,
	}
}

// NewCommand builds a successful Result for a command that produced no
// rows (e.g. an UPDATE), only an affected-row count.
func NewCommand(rowsAffected int64, lastInBatch bool) *Result {
	return &Result{rowsAffected: rowsAffected, lastInBatch: lastInBatch}
}

// IsError reports whether the command failed.
func (r *Result) IsError() bool { return r.hasErr }

// Error implements the error interface so a failed Result can be
// returned/wrapped anywhere a plain error is expected.
func (r *Result) Error() string {
	if !r.hasErr {
		return ""
	}
	return r.err
}

// Code returns the error taxonomy code of a failed Result; the zero
// value on a successful Result.
func (r *Result) Code() errors.Code { return r.code }

// NumRows returns the number of rows in this result.
func (r *Result) NumRows() int { return len(r.rows) }

// NumColumns returns the number of columns in this result.
func (r *Result) NumColumns() int { return len(r.columns) }

// ColumnName returns the name of column i.
func (r *Result) ColumnName(i int) string {
	if i < 0 || i >= len(r.columns) {
		return ""
	}
	return r.columns[i].Name
}

// RowsAffected returns the number of rows the command affected (INSERT/
// UPDATE/DELETE) — independent of NumRows, which counts rows returned.
func (r *Result) RowsAffected() int64 { return r.rowsAffected }

// LastInBatch reports whether this is the final result of a multi-
// statement submission ("Last-in-batch").
func (r *Result) LastInBatch() bool { return r.lastInBatch }

// Value decodes column col of row r0, converting it per the type
// table in package avalue.
func (r *Result) Value(r0, col int) (any, error) {
	if r0 < 0 || r0 >= len(r.rows) {
		return nil, fmt.Errorf("asql: row index %d out of range [0,%d)", r0, len(r.rows))
	}
	if col < 0 || col >= len(r.columns) {
		return nil, fmt.Errorf("asql: column index %d out of range [0,%d)", col, len(r.columns))
	}
	rw := r.rows[r0]
	raw := rw.cells[col]
	oid := r.columns[col].OID
	format := int16(avalue.FormatText)
	if col < len(rw.formats) {
		format = rw.formats[col]
	}
	if format == avalue.FormatBinary {
		return avalue.DecodeBinary(oid, raw)
	}
	return avalue.DecodeText(oid, raw)
}

// ValueByName decodes the named column of row r0.
func (r *Result) ValueByName(r0 int, name string) (any, error) {
	for i, c := range r.columns {
		if c.Name == name {
			return r.Value(r0, i)
		}
	}
	return nil, fmt.Errorf("asql: no such column %q", name)
}

// Row decodes every column of row r0 into a map, memoizing the result
// since multiple cache waiters may read the same Result concurrently.
func (r *Result) Row(r0 int) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached == nil {
		r.cached = make([]map[string]any, len(r.rows))
	}
	if r0 < 0 || r0 >= len(r.rows) {
		return nil, fmt.Errorf("asql: row index %d out of range [0,%d)", r0, len(r.rows))
	}
	if r.cached[r0] != nil {
		return r.cached[r0], nil
	}
	m := make(map[string]any, len(r.columns))
	for i, c := range r.columns {
		v, err := r.Value(r0, i)
		if err != nil {
			return nil, err
		}
		m[c.Name] = v
	}
	r.cached[r0] = m
	return m, nil
}
