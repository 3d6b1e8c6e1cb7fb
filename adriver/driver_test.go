package adriver_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/karu-codes/asql/adriver"
	"github.com/karu-codes/asql/adriver/adrivermock"
	"github.com/karu-codes/asql/areceiver"
	"github.com/karu-codes/asql/aresult"
	"github.com/karu-codes/asql/astmt"
)

func openMock(t *testing.T, factory adriver.Factory) adriver.Driver {
	t.Helper()
	drv, err := factory()
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	drv.Open(context.Background(), func(err error) { done <- err })
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("Open did not resolve")
	}
	return drv
}

// TestFIFOOrdering exercises property 1: results are
// delivered in the order their queries were submitted.
func TestFIFOOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	drv := openMock(t, adrivermock.New(func(text string, params []any) *aresult.Result {
		return aresult.NewCommand(0, true)
	}))
	defer drv.Close()

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		text := string(rune('a' + i))
		drv.Exec(text, nil, func(r *aresult.Result) {
			mu.Lock()
			order = append(order, text)
			mu.Unlock()
			wg.Done()
		}, nil)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != n {
		t.Fatalf("expected %d results, got %d", n, len(order))
	}
	for i, text := range order {
		want := string(rune('a' + i))
		if text != want {
			t.Fatalf("result %d out of order: got %q, want %q", i, text, want)
		}
	}
}

// TestPrepareOncePerDriver exercises property 4: a Statement
// executed against the same Driver twice triggers exactly one Prepare.
func TestPrepareOncePerDriver(t *testing.T) {
	drv := openMock(t, adrivermock.New(nil))
	defer drv.Close()

	stmt := astmt.New("SELECT 1", "stmt-x")
	var wg sync.WaitGroup
	wg.Add(2)
	drv.ExecPrepared(stmt, nil, func(*aresult.Result) { wg.Done() }, nil)
	drv.ExecPrepared(stmt, nil, func(*aresult.Result) { wg.Done() }, nil)
	wg.Wait()

	m := drv.(*adrivermock.Mock)
	if len(m.PrepareLog) != 1 {
		t.Fatalf("expected exactly one Prepare, got %d: %v", len(m.PrepareLog), m.PrepareLog)
	}
	if m.PrepareLog[0] != "stmt-x" {
		t.Fatalf("unexpected prepared id %q", m.PrepareLog[0])
	}
}

// TestReceiverCancellationSuppressesCallback exercises 
// property 5: once a Receiver is closed, its query's callback must
// never fire, even if the query was already queued.
func TestReceiverCancellationSuppressesCallback(t *testing.T) {
	drv := openMock(t, adrivermock.New(func(string, []any) *aresult.Result {
		time.Sleep(20 * time.Millisecond)
		return aresult.NewCommand(0, true)
	}))
	defer drv.Close()

	recv := areceiver.New()
	fired := make(chan struct{}, 1)
	drv.Exec("slow", nil, func(*aresult.Result) { fired <- struct{}{} }, recv)
	recv.Close()

	select {
	case <-fired:
		t.Fatal("callback fired after receiver was closed")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStateTransitions(t *testing.T) {
	drv := openMock(t, adrivermock.New(nil))
	defer drv.Close()

	if drv.State() != adriver.Connected {
		t.Fatalf("expected Connected, got %v", drv.State())
	}

	changed := make(chan adriver.State, 1)
	drv.OnStateChanged(func(s adriver.State, _ error) { changed <- s })
	drv.Close()

	select {
	case s := <-changed:
		if s != adriver.Disconnected {
			t.Fatalf("expected Disconnected, got %v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("state change was not observed")
	}
}
