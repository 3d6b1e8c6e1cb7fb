// Package apool implements a named connection pool on top of
// github.com/jackc/puddle/v2: an idle list, a waiter queue serviced by
// Acquire, and constructor/destructor hooks. apool is the thin,
// domain-specific layer puddle doesn't provide on its own: per-name
// registration, idle-cap enforcement (puddle only caps the total), and
// setup/reuse callbacks.
package apool

import (
	"context"

	"github.com/jackc/puddle/v2"

	"github.com/karu-codes/asql/adatabase"
	"github.com/karu-codes/asql/adriver"
	"github.com/karu-codes/asql/areceiver"
	"github.com/karu-codes/asql/errors"
)

// Config holds per-pool tuning: max idle/total connection counts and
// optional setup/reuse hooks. Zero values mean "unbounded" for the caps
// and "no-op" for the callbacks.
type Config struct {
	MaxIdle        int32
	MaxConnections int32
	OnSetup        func(adriver.Driver) error
	OnReuse        func(adriver.Driver) error
}

type entry struct {
	name    string
	factory adriver.Factory
	cfg     Config
	pool    *puddle.Pool[adriver.Driver]
}

// Registry is a set of named pools confined to the goroutine that uses
// it — a backend connection is not itself thread-safe. No mutex guards
// the name→entry map; concurrent use from more than one goroutine is a
// caller error.
type Registry struct {
	entries map[string]*entry
}

// NewRegistry returns an empty pool registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Create registers a new named pool, rejecting duplicates.
func (r *Registry) Create(name string, factory adriver.Factory, cfg Config) error {
	if _, exists := r.entries[name]; exists {
		return errors.Newf(errors.CodeAlreadyExists, "asql: pool %q already registered", name)
	}
	e := &entry{name: name, factory: factory, cfg: cfg}

	constructor := func(ctx context.Context) (adriver.Driver, error) {
		drv, err := factory()
		if err != nil {
			return nil, err
		}
		done := make(chan error, 1)
		drv.Open(ctx, func(err error) { done <- err })
		select {
		case err := <-done:
			if err != nil {
				return nil, err
			}
		case <-ctx.Done():
			_ = drv.Close()
			return nil, ctx.Err()
		}
		if e.cfg.OnSetup != nil {
			if err := e.cfg.OnSetup(drv); err != nil {
				_ = drv.Close()
				return nil, err
			}
		}
		return drv, nil
	}
	destructor := func(drv adriver.Driver) {
		_ = drv.Close()
	}

	pcfg := &puddle.Config[adriver.Driver]{Constructor: constructor, Destructor: destructor, MaxSize: 1 << 30}
	if cfg.MaxConnections > 0 {
		pcfg.MaxSize = cfg.MaxConnections
	}
	p, err := puddle.NewPool(pcfg)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "asql: create pool")
	}
	e.pool = p
	r.entries[name] = e
	return nil
}

// Remove de-registers name and closes its puddle pool in the
// background. Already-leased Database values keep working; puddle
// destroys each of them when it is released, and the close completes
// once the last one has been.
func (r *Registry) Remove(name string) {
	e, ok := r.entries[name]
	if !ok {
		return
	}
	go e.pool.Close()
	delete(r.entries, name)
}

// SetMaxIdle updates the idle cap enforced when a lease is released;
// puddle itself has no separate idle cap, only a total cap.
func (r *Registry) SetMaxIdle(name string, n int32) error {
	e, ok := r.entries[name]
	if !ok {
		return unknownPool(name)
	}
	e.cfg.MaxIdle = n
	return nil
}

// SetMaxConnections stores n in the pool's Config. The connection cap
// itself is fixed when Create builds the puddle pool, so the new value
// does not change how many Drivers the pool allows.
func (r *Registry) SetMaxConnections(name string, n int32) error {
	e, ok := r.entries[name]
	if !ok {
		return unknownPool(name)
	}
	e.cfg.MaxConnections = n
	return nil
}

func (r *Registry) SetSetupCallback(name string, cb func(adriver.Driver) error) error {
	e, ok := r.entries[name]
	if !ok {
		return unknownPool(name)
	}
	e.cfg.OnSetup = cb
	return nil
}

func (r *Registry) SetReuseCallback(name string, cb func(adriver.Driver) error) error {
	e, ok := r.entries[name]
	if !ok {
		return unknownPool(name)
	}
	e.cfg.OnReuse = cb
	return nil
}

// Lease is the synchronous lease form: it never waits for another lease
// to be released. It returns an idle Driver if one exists; otherwise,
// below the connection cap, it constructs a new one; at the cap it
// returns an invalid Database carrying errors.CodePoolExhausted.
func (r *Registry) Lease(ctx context.Context, name string) (adatabase.Database, error) {
	e, ok := r.entries[name]
	if !ok {
		return adatabase.Database{}, unknownPool(name)
	}
	// TryAcquire also reports ErrNotAvailable when nothing is idle but the
	// pool has room (it only starts a background construction), so that
	// case constructs the Driver through Acquire instead.
	var res *puddle.Resource[adriver.Driver]
	var err error
	if stat := e.pool.Stat(); stat.IdleResources() == 0 && stat.TotalResources() < stat.MaxResources() {
		res, err = e.pool.Acquire(ctx)
	} else {
		res, err = e.pool.TryAcquire(ctx)
	}
	if err != nil {
		if err == puddle.ErrNotAvailable {
			return adatabase.Database{}, errors.New(errors.CodePoolExhausted, "asql: pool "+name+" exhausted")
		}
		return adatabase.Database{}, errors.Wrap(err, errors.CodeConnectFailure, "asql: lease "+name)
	}
	// IdleDuration is zero only for a resource puddle just constructed;
	// anything else came off the idle list and is a re-lease.
	if res.IdleDuration() > 0 && e.cfg.OnReuse != nil {
		if err := e.cfg.OnReuse(res.Value()); err != nil {
			res.Destroy()
			return adatabase.Database{}, errors.Wrap(err, errors.CodeConnectFailure, "asql: reuse callback for "+name)
		}
	}
	return r.wrap(e, res), nil
}

// LeaseAsync is the async lease form: when the pool is at capacity, the
// caller is queued (puddle.Pool.Acquire blocks internally) and resolved
// in order as others release. Deriving ctx's cancellation from
// recv.Done() lets destroying the receiver abandon the wait.
func (r *Registry) LeaseAsync(ctx context.Context, name string, recv *areceiver.Receiver) (adatabase.Database, error) {
	e, ok := r.entries[name]
	if !ok {
		return adatabase.Database{}, unknownPool(name)
	}
	if recv != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-recv.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	res, err := e.pool.Acquire(ctx)
	if err != nil {
		return adatabase.Database{}, errors.Wrap(err, errors.CodeConnectFailure, "asql: lease_async "+name)
	}
	if res.IdleDuration() > 0 && e.cfg.OnReuse != nil {
		if err := e.cfg.OnReuse(res.Value()); err != nil {
			res.Destroy()
			return adatabase.Database{}, errors.Wrap(err, errors.CodeConnectFailure, "asql: reuse callback for "+name)
		}
	}
	return r.wrap(e, res), nil
}

// wrap builds the Database a lease returns, with a release hook that
// decides between Destroy() and Release(): a disconnected driver or
// one that would exceed the idle cap is destroyed (decrementing the
// total), everything else rejoins the idle list or is handed straight
// to a waiter if one exists. The idle cap is the one piece puddle
// doesn't enforce on its own, so it's checked here.
func (r *Registry) wrap(e *entry, res *puddle.Resource[adriver.Driver]) adatabase.Database {
	return adatabase.New(res.Value(), func(drv adriver.Driver) {
		if drv.State() == adriver.Disconnected {
			res.Destroy()
			return
		}
		stat := e.pool.Stat()
		if e.cfg.MaxIdle > 0 && stat.IdleResources() >= e.cfg.MaxIdle {
			res.Destroy()
			return
		}
		res.Release()
	})
}

func unknownPool(name string) error {
	return errors.Newf(errors.CodeNotFound, "asql: no pool registered as %q", name)
}
