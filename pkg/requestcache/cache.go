// Package requestcache tracks outstanding requests that expect an answer
// within a deadline.
package requestcache

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/uhyunpark/hypermarket/pkg/util"
)

var ErrDuplicate = errors.New("request already pending")

type Key struct {
	Namespace string
	ID        uint64
}

func (k Key) String() string { return fmt.Sprintf("%s:%d", k.Namespace, k.ID) }

type entry struct {
	key       Key
	payload   any
	timer     util.Timer
	onTimeout func(payload any)
	resolved  atomic.Bool
}

// Cache is private to one peer. Timer callbacks are handed to dispatch so the
// timeout handler runs on the owner's event loop; whichever of Pop or the
// timeout claims the entry first wins and the other becomes a no-op.
type Cache struct {
	clock    util.Clock
	dispatch func(func())

	mu      sync.Mutex
	entries map[Key]*entry
	nextID  map[string]uint64
	closed  bool
}

// New returns a cache. A nil dispatch runs timeout handlers on the timer goroutine.
func New(clock util.Clock, dispatch func(func())) *Cache {
	if clock == nil {
		clock = util.RealClock{}
	}
	if dispatch == nil {
		dispatch = func(f func()) { f() }
	}
	return &Cache{
		clock:    clock,
		dispatch: dispatch,
		entries:  make(map[Key]*entry),
		nextID:   make(map[string]uint64),
	}
}

// NextID returns a fresh id in namespace, starting at 1.
func (c *Cache) NextID(namespace string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID[namespace]++
	return c.nextID[namespace]
}

// Add registers a pending request. onTimeout runs at most once, and only if
// the request is still pending when timeout elapses.
func (c *Cache) Add(key Key, timeout time.Duration, payload any, onTimeout func(payload any)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("request cache closed")
	}
	if _, ok := c.entries[key]; ok {
		return fmt.Errorf("add %s: %w", key, ErrDuplicate)
	}
	e := &entry{key: key, payload: payload, onTimeout: onTimeout}
	c.entries[key] = e
	e.timer = c.clock.AfterFunc(timeout, func() {
		c.dispatch(func() { c.fire(e) })
	})
	return nil
}

func (c *Cache) fire(e *entry) {
	if !e.resolved.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	if cur, ok := c.entries[e.key]; ok && cur == e {
		delete(c.entries, e.key)
	}
	c.mu.Unlock()
	if e.onTimeout != nil {
		e.onTimeout(e.payload)
	}
}

func (c *Cache) Has(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Get returns the payload without resolving the request.
func (c *Cache) Get(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.payload, true
}

// Pop resolves the request and returns its payload. It reports false if the
// request is unknown or its timeout already claimed it.
func (c *Cache) Pop(key Key) (any, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	if !ok || !e.resolved.CompareAndSwap(false, true) {
		return nil, false
	}
	e.timer.Stop()
	return e.payload, true
}

// Expire runs the timeout handler now, as if the deadline had passed.
func (c *Cache) Expire(key Key) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return false
	}
	e.timer.Stop()
	if e.resolved.Load() {
		return false
	}
	c.fire(e)
	return true
}

// Keys lists the pending ids in namespace in ascending order.
func (c *Cache) Keys(namespace string) []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Key
	for k := range c.entries {
		if k.Namespace == namespace {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Shutdown stops every timer without running timeout handlers.
func (c *Cache) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if e.resolved.CompareAndSwap(false, true) {
			e.timer.Stop()
		}
		delete(c.entries, k)
	}
	c.closed = true
}
