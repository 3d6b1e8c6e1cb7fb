package adriver_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/karu-codes/asql/adriver"
	"github.com/karu-codes/asql/aresult"
)

// openLivePostgres skips the test unless ASQL_TEST_DATABASE_URL points
// at a reachable server. These tests exercise the wire protocol against
// a real backend instead of adrivermock, so they catch encoding bugs
// the mock can't (binary parameter encoding, binary result decoding,
// pipeline framing).
func openLivePostgres(t *testing.T) adriver.Driver {
	t.Helper()
	url := os.Getenv("ASQL_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("ASQL_TEST_DATABASE_URL not set; skipping live Postgres test")
	}
	drv, err := adriver.NewPostgres(url, nil)()
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	drv.Open(context.Background(), func(err error) { done <- err })
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Open did not resolve")
	}
	t.Cleanup(func() { drv.Close() })
	return drv
}

// TestLiveGenerateSeries covers a multi-row plain-text query: ten rows
// numbered 1..10, column name taken from the AS alias.
func TestLiveGenerateSeries(t *testing.T) {
	drv := openLivePostgres(t)

	done := make(chan *aresult.Result, 1)
	drv.Exec("SELECT generate_series(1,10) AS number", nil, func(r *aresult.Result) {
		if r.LastInBatch() {
			done <- r
		}
	}, nil)

	var r *aresult.Result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("query did not resolve")
	}
	if r.IsError() {
		t.Fatalf("query failed: %v", r.Error())
	}
	if r.NumRows() != 10 {
		t.Fatalf("expected 10 rows, got %d", r.NumRows())
	}
	if name := r.ColumnName(0); name != "number" {
		t.Fatalf("expected column name %q, got %q", "number", name)
	}
	for i := 0; i < 10; i++ {
		v, err := r.Value(i, 0)
		if err != nil {
			t.Fatalf("row %d: %v", i, err)
		}
		if v != int32(i+1) {
			t.Fatalf("row %d: got %v, want %d", i, v, i+1)
		}
	}
}

// TestLiveParameterizedRoundTrip covers a parameterized plain-text
// query carrying one of each encoded parameter type, through the
// extended protocol (execPlainParams, not a prepared statement).
func TestLiveParameterizedRoundTrip(t *testing.T) {
	drv := openLivePostgres(t)

	params := []any{true, 123.4567, "fooo", map[string]any{}}
	done := make(chan *aresult.Result, 1)
	drv.Exec("SELECT $1, $2, $3, $4, now()", params, func(r *aresult.Result) {
		if r.LastInBatch() {
			done <- r
		}
	}, nil)

	var r *aresult.Result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("query did not resolve")
	}
	if r.IsError() {
		t.Fatalf("query failed: %v", r.Error())
	}
	if r.NumRows() != 1 {
		t.Fatalf("expected 1 row, got %d", r.NumRows())
	}

	b, err := r.Value(0, 0)
	if err != nil || b != true {
		t.Fatalf("column 0: got %v, err %v, want true", b, err)
	}
	f, err := r.Value(0, 1)
	if err != nil || f != 123.4567 {
		t.Fatalf("column 1: got %v, err %v, want 123.4567", f, err)
	}
	s, err := r.Value(0, 2)
	if err != nil || s != "fooo" {
		t.Fatalf("column 2: got %v, err %v, want %q", s, err, "fooo")
	}
	if _, err := r.Value(0, 3); err != nil {
		t.Fatalf("column 3 (jsonb): %v", err)
	}
	now, err := r.Value(0, 4)
	if err != nil {
		t.Fatalf("column 4 (now()): %v", err)
	}
	ts, ok := now.(time.Time)
	if !ok {
		t.Fatalf("column 4: got %T, want time.Time", now)
	}
	if since := time.Since(ts); since < 0 || since > time.Minute {
		t.Fatalf("column 4: now() = %v, too far from local clock", ts)
	}
}

// TestLivePipelinedParamQueries covers pipeline mode carrying
// parameterized plain-text queries: ten SELECT now(), $1 submissions
// sent while pipelined, synced once, and expected back in submission
// order with $1 echoed unchanged. This is the scenario that exercises
// EncodeParams in the pipelined (non-prepared) path.
func TestLivePipelinedParamQueries(t *testing.T) {
	drv := openLivePostgres(t)

	if !drv.EnterPipelineMode(0) {
		t.Fatal("EnterPipelineMode refused")
	}
	defer drv.ExitPipelineMode()

	const n = 10
	results := make([]*aresult.Result, n)
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		drv.Exec("SELECT now(), $1", []any{int64(i)}, func(r *aresult.Result) {
			if !r.LastInBatch() {
				return
			}
			mu.Lock()
			results[i] = r
			mu.Unlock()
			wg.Done()
		}, nil)
	}
	drv.PipelineSync()

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(10 * time.Second):
		t.Fatal("pipelined queries did not all resolve")
	}

	for i, r := range results {
		if r == nil {
			t.Fatalf("query %d: no result delivered", i)
		}
		if r.IsError() {
			t.Fatalf("query %d failed: %v", i, r.Error())
		}
		got, err := r.Value(0, 1)
		if err != nil {
			t.Fatalf("query %d: %v", i, err)
		}
		if got != int64(i) {
			t.Fatalf("query %d: $1 echoed as %v, want %d", i, got, i)
		}
	}
}
