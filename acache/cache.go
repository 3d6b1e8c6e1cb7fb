// Package acache implements a result cache: callers submitting the
// same (text, params) key within a TTL window get the same Result
// rather than issuing redundant queries, and
// concurrent submissions of a key already in flight are coalesced onto
// one underlying Exec. golang.org/x/sync/singleflight.Group is the
// in-flight-coalescing half of that (DoChan already gives every waiter
// the same result without the caller doing its own pending-map
// bookkeeping); acache adds the TTL-keyed layer singleflight doesn't
// provide on its own, since a Group's memory of a call ends the moment
// it returns.
package acache

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/karu-codes/asql/adatabase"
	"github.com/karu-codes/asql/adriver"
	"github.com/karu-codes/asql/areceiver"
	"github.com/karu-codes/asql/aresult"
)

// entry is a cached Result plus when it was stored, for TTL eviction.
type entry struct {
	result   *aresult.Result
	storedAt time.Time
}

// Cache coalesces and memoizes Exec results keyed by (text, params).
// CacheErrors decides whether a failed Result is memoized like a
// successful one (the default, matching "errors are cached like
// successes" and requiring an explicit Clear to retry) or always
// re-run on the next Exec.
type Cache struct {
	db          adatabase.Database
	ttl         time.Duration
	CacheErrors bool

	sf singleflight.Group

	mu      sync.Mutex
	entries map[string]entry

	now func() time.Time
}

// New builds a Cache over db with the given TTL. ttl <= 0 disables
// memoization (every key still single-flights, but nothing survives
// past the first resolution).
func New(db adatabase.Database, ttl time.Duration) *Cache {
	return &Cache{db: db, ttl: ttl, CacheErrors: true, entries: make(map[string]entry), now: time.Now}
}

// Key renders a stable cache key for (text, params). Params are
// serialized with encoding/json and hashed so arbitrarily large
// parameter sets don't bloat the key; two calls with equal params
// always collide on the same key regardless of argument identity.
func Key(text string, params []any) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	if len(params) > 0 {
		b, err := json.Marshal(params)
		if err == nil {
			h.Write(b)
		}
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Exec is the cached analogue of Database.Exec: a cache hit resolves
// onResult synchronously from the calling goroutine; a miss or an
// expired entry submits through the Driver, coalescing
// concurrent callers of the same key onto a single underlying query via
// singleflight.
func (c *Cache) Exec(text string, params []any, onResult adriver.ResultCallback, recv *areceiver.Receiver) {
	key := Key(text, params)

	if r, ok := c.lookup(key); ok {
		if onResult != nil && recv.Alive() {
			onResult(r)
		}
		return
	}

	ch := c.sf.DoChan(key, func() (any, error) {
		done := make(chan *aresult.Result, 1)
		c.db.Exec(text, params, func(r *aresult.Result) {
			if r.LastInBatch() {
				done <- r
			}
		}, nil)
		r := <-done
		c.store(key, r)
		return r, nil
	})

	go func() {
		res := <-ch
		if onResult == nil || !recv.Alive() {
			return
		}
		r, _ := res.Val.(*aresult.Result)
		if r == nil {
			r = aresult.NewErrorf("", "asql: cache exec %q returned no result", text)
		}
		onResult(r)
	}()
}

func (c *Cache) lookup(key string) (*aresult.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(e.storedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.result, true
}

func (c *Cache) store(key string, r *aresult.Result) {
	if c.ttl <= 0 {
		return
	}
	if r.IsError() && !c.CacheErrors {
		return
	}
	c.mu.Lock()
	c.entries[key] = entry{result: r, storedAt: c.now()}
	c.mu.Unlock()
}

// Clear drops the cached entry for (text, params), if any, forcing the
// next Exec of that key to hit the Driver again.
func (c *Cache) Clear(text string, params []any) {
	c.mu.Lock()
	delete(c.entries, Key(text, params))
	c.mu.Unlock()
}

// Expire evicts the entry for (text, params) if it is older than
// maxAge, independent of the Cache's configured TTL. It is a no-op if
// the key isn't cached or isn't old enough yet.
func (c *Cache) Expire(text string, params []any, maxAge time.Duration) {
	key := Key(text, params)
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok && now.Sub(e.storedAt) > maxAge {
		delete(c.entries, key)
	}
}

// ExpireAll evicts every entry older than maxAge, independent of the
// Cache's configured TTL. Exec already evicts a key lazily against the
// configured TTL on lookup; ExpireAll lets a caller reclaim memory with
// its own age threshold instead of waiting on that.
func (c *Cache) ExpireAll(maxAge time.Duration) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.Sub(e.storedAt) > maxAge {
			delete(c.entries, k)
		}
	}
}
