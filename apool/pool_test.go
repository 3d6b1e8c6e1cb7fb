package apool_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/karu-codes/asql/adriver"
	"github.com/karu-codes/asql/adriver/adrivermock"
	"github.com/karu-codes/asql/apool"
	"github.com/karu-codes/asql/errors"
)

func TestLeaseExhaustion(t *testing.T) {
	r := apool.NewRegistry()
	if err := r.Create("db", adrivermock.New(nil), apool.Config{MaxConnections: 1}); err != nil {
		t.Fatal(err)
	}

	first, err := r.Lease(context.Background(), "db")
	if err != nil {
		t.Fatal(err)
	}
	defer first.Release()

	_, err = r.Lease(context.Background(), "db")
	if !errors.HasCode(err, errors.CodePoolExhausted) {
		t.Fatalf("expected CodePoolExhausted, got %v", err)
	}
}

// TestPoolCap exercises property 6: live Drivers never
// exceed the connection cap.
func TestPoolCap(t *testing.T) {
	r := apool.NewRegistry()
	const cap = 2
	if err := r.Create("db", adrivermock.New(nil), apool.Config{MaxConnections: cap}); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	live := 0
	maxLive := 0
	leases := make([]interface{ Release() }, 0, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			db, err := r.LeaseAsync(context.Background(), "db", nil)
			if err != nil {
				return
			}
			mu.Lock()
			live++
			if live > maxLive {
				maxLive = live
			}
			leases = append(leases, db)
			mu.Unlock()
		}()
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	if maxLive > cap {
		t.Fatalf("live drivers exceeded cap: %d > %d", maxLive, cap)
	}
	toRelease := append([]interface{ Release() }{}, leases...)
	mu.Unlock()
	for _, l := range toRelease {
		l.Release()
	}
	wg.Wait()
}

func TestSetMaxIdleDestroysExcess(t *testing.T) {
	closed := 0
	var mu sync.Mutex
	factory := func() (adriver.Driver, error) {
		m, err := adrivermock.New(nil)()
		return &countingCloser{Driver: m, onClose: func() { mu.Lock(); closed++; mu.Unlock() }}, err
	}

	r := apool.NewRegistry()
	if err := r.Create("db", factory, apool.Config{}); err != nil {
		t.Fatal(err)
	}
	first, err := r.Lease(context.Background(), "db")
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Lease(context.Background(), "db")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.SetMaxIdle("db", 1); err != nil {
		t.Fatal(err)
	}
	// The first release fills the single idle slot; the second exceeds
	// the cap and is destroyed. puddle may run the destructor on its own
	// goroutine, so wait briefly for it.
	first.Release()
	second.Release()
	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := closed
		mu.Unlock()
		if n >= 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if closed != 1 {
		t.Fatalf("expected exactly one driver to be destroyed with MaxIdle=1, closed=%d", closed)
	}
}

type countingCloser struct {
	adriver.Driver
	onClose func()
}

func (c *countingCloser) Close() error {
	c.onClose()
	return c.Driver.Close()
}
