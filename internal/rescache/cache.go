// Package rescache memoizes the outcome of loading a resource by reference.
//
// Successes and failures are both sticky: a ref that failed to load is not
// retried until Invalidate is called for it. Concurrent Resolve calls for the
// same unresolved ref share a single load.
package rescache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrFailed is returned by Resolve for a ref whose earlier load failed.
var ErrFailed = errors.New("resource previously failed to load")

// Status is the synchronous view of a cache slot.
type Status int

const (
	Missing Status = iota
	Ready
	Failed
)

func (s Status) String() string {
	switch s {
	case Missing:
		return "missing"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Loader fetches and decodes a resource. It runs detached from any single
// caller's context, bounded only by the cache timeout.
type Loader[V any] func(ctx context.Context, ref string) (V, error)

type entry[V any] struct {
	value V
	err   error
}

// Cache is safe for concurrent use.
type Cache[V any] struct {
	load    Loader[V]
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]entry[V]
	// gen is bumped per ref by Invalidate so a load that started before the
	// invalidation cannot repopulate the slot.
	gen map[string]uint64

	group singleflight.Group
}

// New builds a cache around load. A positive timeout bounds every load.
func New[V any](load Loader[V], timeout time.Duration) *Cache[V] {
	return &Cache[V]{
		load:    load,
		timeout: timeout,
		entries: make(map[string]entry[V]),
		gen:     make(map[string]uint64),
	}
}

// Lookup returns the cached state of ref without starting a load.
func (c *Cache[V]) Lookup(ref string) (V, Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[ref]
	switch {
	case !ok:
		var zero V
		return zero, Missing
	case e.err != nil:
		var zero V
		return zero, Failed
	default:
		return e.value, Ready
	}
}

// Resolve returns the cached value for ref, loading it on first use.
// A cached failure is returned as an error wrapping ErrFailed.
func (c *Cache[V]) Resolve(ctx context.Context, ref string) (V, error) {
	if v, err, ok := c.cached(ref); ok {
		return v, err
	}

	ch := c.group.DoChan(ref, func() (any, error) {
		if v, err, ok := c.cached(ref); ok {
			return v, err
		}

		c.mu.Lock()
		gen := c.gen[ref]
		c.mu.Unlock()

		loadCtx := context.Background()
		if c.timeout > 0 {
			var cancel context.CancelFunc
			loadCtx, cancel = context.WithTimeout(loadCtx, c.timeout)
			defer cancel()
		}

		v, err := c.load(loadCtx, ref)

		c.mu.Lock()
		if c.gen[ref] == gen {
			c.entries[ref] = entry[V]{value: v, err: err}
		}
		c.mu.Unlock()

		return v, err
	})

	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case res := <-ch:
		v, _ := res.Val.(V)
		return v, res.Err
	}
}

func (c *Cache[V]) cached(ref string) (V, error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[ref]
	if !ok {
		var zero V
		return zero, nil, false
	}
	if e.err != nil {
		var zero V
		return zero, fmt.Errorf("%w: %s: %v", ErrFailed, ref, e.err), true
	}
	return e.value, nil, true
}

// Invalidate forgets ref so the next Resolve loads it again.
func (c *Cache[V]) Invalidate(ref string) {
	c.mu.Lock()
	delete(c.entries, ref)
	c.gen[ref]++
	c.mu.Unlock()
	c.group.Forget(ref)
}

// Len returns the number of resolved slots, successes and failures alike.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
