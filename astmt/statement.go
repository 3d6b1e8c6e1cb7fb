// Package astmt implements the prepared-statement handle: a text
// template plus a stable identifier. A Statement does not prepare
// anything by itself — preparation is deferred to the first Exec
// against each Driver — so values are cheap to copy and safe to hold as
// package-level constants.
package astmt

import (
	"fmt"
	"sync/atomic"
)

// counter is the process-wide, atomically-incrementing source for
// auto-generated identifiers.
var counter atomic.Uint64

// Statement is a value type: a query template and a stable identifier
// used to key the per-Driver set of statements already prepared.
type Statement struct {
	ID   string
	Text string
}

// New builds a Statement from a query string. If id is omitted, one is
// generated from the process-global counter, formatted "asql_<hex>".
func New(text string, id ...string) Statement {
	if len(id) > 0 && id[0] != "" {
		return Statement{ID: id[0], Text: text}
	}
	return Statement{ID: nextID(), Text: text}
}

func nextID() string {
	n := counter.Add(1)
	return fmt.Sprintf("asql_%x", n)
}

// String renders the statement for logging, never including parameter
// values (those live on the query, not the statement).
func (s Statement) String() string {
	return fmt.Sprintf("%s(%s)", s.ID, s.Text)
}
