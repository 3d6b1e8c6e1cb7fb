package acache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/karu-codes/asql/acache"
	"github.com/karu-codes/asql/adatabase"
	"github.com/karu-codes/asql/adriver/adrivermock"
	"github.com/karu-codes/asql/aresult"
)

func openCache(t *testing.T, calls *atomic.Int64) *acache.Cache {
	t.Helper()
	factory := adrivermock.New(func(text string, params []any) *aresult.Result {
		calls.Add(1)
		return aresult.NewCommand(1, true)
	})
	drv, err := factory()
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	drv.Open(context.Background(), func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	db := adatabase.New(drv, nil)
	return acache.New(db, time.Minute)
}

func TestCacheCoalescesConcurrentCallers(t *testing.T) {
	var calls atomic.Int64
	c := openCache(t, &calls)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done := make(chan struct{})
			c.Exec("SELECT 1", nil, func(r *aresult.Result) { close(done) }, nil)
			<-done
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected exactly one underlying query, got %d", calls.Load())
	}
}

func TestCacheHitAvoidsSecondQuery(t *testing.T) {
	var calls atomic.Int64
	c := openCache(t, &calls)

	first := make(chan struct{})
	c.Exec("SELECT 1", nil, func(r *aresult.Result) { close(first) }, nil)
	<-first

	second := make(chan struct{})
	c.Exec("SELECT 1", nil, func(r *aresult.Result) { close(second) }, nil)
	<-second

	if calls.Load() != 1 {
		t.Fatalf("expected the second Exec to hit cache, got %d underlying calls", calls.Load())
	}
}

func TestCacheClearForcesRequery(t *testing.T) {
	var calls atomic.Int64
	c := openCache(t, &calls)

	done := make(chan struct{})
	c.Exec("SELECT 1", nil, func(r *aresult.Result) { close(done) }, nil)
	<-done

	c.Clear("SELECT 1", nil)

	done2 := make(chan struct{})
	c.Exec("SELECT 1", nil, func(r *aresult.Result) { close(done2) }, nil)
	<-done2

	if calls.Load() != 2 {
		t.Fatalf("expected Clear to force a second query, got %d", calls.Load())
	}
}

func TestCacheExpireSingleKey(t *testing.T) {
	var calls atomic.Int64
	c := openCache(t, &calls)

	done := make(chan struct{})
	c.Exec("SELECT 1", nil, func(r *aresult.Result) { close(done) }, nil)
	<-done

	// A generous maxAge shouldn't evict a key stored moments ago.
	c.Expire("SELECT 1", nil, time.Hour)
	done2 := make(chan struct{})
	c.Exec("SELECT 1", nil, func(r *aresult.Result) { close(done2) }, nil)
	<-done2
	if calls.Load() != 1 {
		t.Fatalf("expected Expire with a generous maxAge to leave the entry cached, got %d calls", calls.Load())
	}

	// maxAge 0 always evicts, regardless of the Cache's own TTL.
	c.Expire("SELECT 1", nil, 0)
	done3 := make(chan struct{})
	c.Exec("SELECT 1", nil, func(r *aresult.Result) { close(done3) }, nil)
	<-done3
	if calls.Load() != 2 {
		t.Fatalf("expected Expire(0) to force a requery, got %d calls", calls.Load())
	}
}

func TestCacheExpireAll(t *testing.T) {
	var calls atomic.Int64
	c := openCache(t, &calls)

	for _, q := range []string{"SELECT 1", "SELECT 2"} {
		done := make(chan struct{})
		c.Exec(q, nil, func(r *aresult.Result) { close(done) }, nil)
		<-done
	}
	if calls.Load() != 2 {
		t.Fatalf("expected two initial queries, got %d", calls.Load())
	}

	c.ExpireAll(0)

	for _, q := range []string{"SELECT 1", "SELECT 2"} {
		done := make(chan struct{})
		c.Exec(q, nil, func(r *aresult.Result) { close(done) }, nil)
		<-done
	}
	if calls.Load() != 4 {
		t.Fatalf("expected ExpireAll(0) to force both keys to requery, got %d calls", calls.Load())
	}
}
