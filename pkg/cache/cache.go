// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cache implements the bounded TTL cache underpinning the client
// pool: sliding and absolute expiry, LRU eviction, single-flight coalescing
// of concurrent factory invocations, and disposal of evicted values.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/clientpool/pkg/logger"
)

// ErrClosed is returned from GetOrCreate after the cache has been closed.
var ErrClosed = errors.New("cache closed")

// Factory produces the value for a key on a cache miss. The context passed to
// the factory is detached from any individual caller's cancellation: several
// callers may be waiting on a single invocation, so no one caller may cancel
// it.
type Factory[T any] func(ctx context.Context) (T, error)

// Config configures a Cache.
type Config struct {
	// Name identifies the cache in log messages.
	Name string

	// SlidingTTL is the default per-entry TTL. Every successful read resets
	// the entry's deadline to now + SlidingTTL. Required.
	SlidingTTL time.Duration

	// AbsoluteTTL, when positive, bounds every entry's lifetime to
	// createdAt + AbsoluteTTL regardless of access.
	AbsoluteTTL time.Duration

	// MaxSize bounds the number of cached entries. When an insert would
	// exceed it, the least-recently-used entry is evicted. Required.
	MaxSize int

	// CleanupInterval is how often the background sweep removes expired
	// entries. Defaults to SlidingTTL when unset.
	CleanupInterval time.Duration

	// Clock is the time source. Defaults to the real clock; tests inject a
	// fake one.
	Clock clockwork.Clock

	// Logger is used for eviction and disposal diagnostics. Defaults to the
	// process logger.
	Logger *zap.SugaredLogger
}

func (c *Config) checkAndSetDefaults() error {
	if c.SlidingTTL <= 0 {
		return fmt.Errorf("cache %q: sliding TTL must be positive", c.Name)
	}
	if c.MaxSize <= 0 {
		return fmt.Errorf("cache %q: max size must be positive", c.Name)
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = c.SlidingTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logger.Get()
	}
	return nil
}

// Stats is a point-in-time snapshot of cache occupancy.
type Stats struct {
	// Size is the number of cached entries.
	Size int
	// MaxSize is the configured bound.
	MaxSize int
	// PendingCount is the number of factory invocations in flight.
	PendingCount int
}

type entry[T any] struct {
	value      T
	createdAt  time.Time
	deadline   time.Time
	slidingTTL time.Duration

	// capAt, when set, bounds the entry's lifetime no matter how often it is
	// accessed. Entries stored with a custom TTL carry it.
	capAt time.Time
}

// expired reports whether the entry has crossed its sliding deadline, its
// per-entry cap, or the cache-wide absolute deadline.
func (e *entry[T]) expired(now time.Time, absoluteTTL time.Duration) bool {
	if !now.Before(e.deadline) {
		return true
	}
	if !e.capAt.IsZero() && !now.Before(e.capAt) {
		return true
	}
	if absoluteTTL > 0 && !now.Before(e.createdAt.Add(absoluteTTL)) {
		return true
	}
	return false
}

// Cache is a bounded mapping from string keys to values of type T with
// sliding and absolute TTL semantics. Concurrent GetOrCreate calls for the
// same key share a single factory invocation.
//
// The cache owns the values it stores: on eviction, a value implementing
// Disposable is disposed. A value returned from GetOrCreate is only
// guaranteed safe for the current call; callers that retain it across a
// possible eviction accept the associated risk.
type Cache[T any] struct {
	cfg   Config
	clock clockwork.Clock
	log   *zap.SugaredLogger

	// mu guards lru, pending, evicted and closed. Factory execution and
	// disposal always happen outside the lock.
	mu      sync.Mutex
	lru     *simplelru.LRU[string, *entry[T]]
	pending map[string]struct{}
	// evicted stages victims removed by the LRU callback while mu is held;
	// they are drained and disposed after release.
	evicted []*entry[T]
	closed  bool

	sf singleflight.Group

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Cache from cfg and starts its background cleanup sweep. The
// caller must Close the cache when done with it.
func New[T any](cfg Config) (*Cache[T], error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, err
	}

	c := &Cache[T]{
		cfg:     cfg,
		clock:   cfg.Clock,
		log:     cfg.Logger.With("cache", cfg.Name),
		pending: make(map[string]struct{}),
		stopCh:  make(chan struct{}),
	}

	lru, err := simplelru.NewLRU(cfg.MaxSize, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = lru

	c.wg.Add(1)
	go c.cleanupLoop()

	return c, nil
}

// onEvict runs under mu whenever the LRU removes an entry, for any reason.
// It only stages the victim; disposal happens after mu is released.
func (c *Cache[T]) onEvict(_ string, e *entry[T]) {
	c.evicted = append(c.evicted, e)
}

// drainEvicted returns and clears the staged victims. Must be called with mu
// held.
func (c *Cache[T]) drainEvicted() []*entry[T] {
	victims := c.evicted
	c.evicted = nil
	return victims
}

// dispose tears down evicted values. Errors never propagate: disposal
// failures are logged and swallowed.
func (c *Cache[T]) dispose(victims []*entry[T]) {
	for _, e := range victims {
		d, ok := any(e.value).(Disposable)
		if !ok {
			continue
		}
		if err := d.Dispose(); err != nil {
			c.log.Warnw("failed to dispose evicted cache entry", "error", err)
		}
	}
}

type getOptions struct {
	customTTL    time.Duration
	hasCustomTTL bool
	logKey       string
}

// GetOption customizes a single GetOrCreate call.
type GetOption func(*getOptions)

// WithCustomTTL uses ttl in lieu of the cache's default sliding TTL for the
// entry created by this call, and caps the entry's lifetime at ttl
// regardless of how often it is accessed. A non-positive ttl marks the value
// uncacheable: the factory result is returned without being stored.
func WithCustomTTL(ttl time.Duration) GetOption {
	return func(o *getOptions) {
		o.customTTL = ttl
		o.hasCustomTTL = true
	}
}

// WithLogKey attaches a human-readable key to log messages for this call.
// Long keys are truncated.
func WithLogKey(raw string) GetOption {
	return func(o *getOptions) {
		o.logKey = TruncateKey(raw)
	}
}

// GetOrCreate returns the cached value for key if present and unexpired,
// resetting its sliding deadline. Otherwise it invokes factory, stores the
// result, and returns it. Concurrent calls for the same key share one
// factory invocation and all observe its outcome; factory errors are not
// cached.
//
// Cancelling ctx abandons this caller's wait without cancelling the in-flight
// factory, which other callers may still be waiting on.
func (c *Cache[T]) GetOrCreate(ctx context.Context, key string, factory Factory[T], opts ...GetOption) (T, error) {
	var zero T

	o := getOptions{logKey: TruncateKey(key)}
	for _, fn := range opts {
		fn(&o)
	}

	if v, ok, err := c.lookup(key); err != nil {
		return zero, err
	} else if ok {
		c.log.Debugw("cache hit", "key", o.logKey)
		return v, nil
	}

	c.log.Debugw("cache miss", "key", o.logKey)

	// The factory must not die with any single waiter, so it runs under a
	// context detached from the caller's cancellation.
	factoryCtx := context.WithoutCancel(ctx)

	resCh := c.sf.DoChan(key, func() (any, error) {
		c.trackPending(key, true)
		defer c.trackPending(key, false)

		// Another caller may have populated the entry between our miss and
		// this flight starting.
		if v, ok, err := c.lookup(key); err != nil {
			return nil, err
		} else if ok {
			return v, nil
		}

		v, err := factory(factoryCtx)
		if err != nil {
			return nil, err
		}

		if o.hasCustomTTL && o.customTTL <= 0 {
			c.log.Debugw("value is uncacheable, returning without storing", "key", o.logKey)
			return v, nil
		}

		c.store(key, v, o)
		return v, nil
	})

	select {
	case res := <-resCh:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// lookup returns the live entry for key, resetting its sliding deadline. An
// expired entry found along the way is removed and disposed.
func (c *Cache[T]) lookup(key string) (T, bool, error) {
	var zero T

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return zero, false, ErrClosed
	}

	e, ok := c.lru.Get(key)
	if !ok {
		c.mu.Unlock()
		return zero, false, nil
	}

	now := c.clock.Now()
	if e.expired(now, c.cfg.AbsoluteTTL) {
		c.lru.Remove(key)
		victims := c.drainEvicted()
		c.mu.Unlock()
		c.dispose(victims)
		return zero, false, nil
	}

	e.deadline = now.Add(e.slidingTTL)
	v := e.value
	c.mu.Unlock()
	return v, true, nil
}

func (c *Cache[T]) store(key string, v T, o getOptions) {
	ttl := c.cfg.SlidingTTL
	if o.hasCustomTTL {
		ttl = o.customTTL
	}

	now := c.clock.Now()
	e := &entry[T]{
		value:      v,
		createdAt:  now,
		deadline:   now.Add(ttl),
		slidingTTL: ttl,
	}
	if o.hasCustomTTL {
		e.capAt = e.deadline
	}

	c.mu.Lock()
	if c.closed {
		// Lost the race with Close; the value is treated as never cached.
		c.mu.Unlock()
		c.dispose([]*entry[T]{e})
		return
	}
	evictedLRU := c.lru.Add(key, e)
	victims := c.drainEvicted()
	c.mu.Unlock()

	if evictedLRU {
		c.log.Debugw("evicted least-recently-used entry to make room", "key", TruncateKey(key))
	}
	c.dispose(victims)
}

func (c *Cache[T]) trackPending(key string, add bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if add {
		c.pending[key] = struct{}{}
	} else {
		delete(c.pending, key)
	}
}

// Delete removes and disposes the entry for key, reporting whether one was
// present.
func (c *Cache[T]) Delete(key string) bool {
	c.mu.Lock()
	ok := c.lru.Remove(key)
	victims := c.drainEvicted()
	c.mu.Unlock()

	c.dispose(victims)
	return ok
}

// Clear removes and disposes all entries.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	c.lru.Purge()
	victims := c.drainEvicted()
	c.mu.Unlock()

	c.dispose(victims)
}

// Stats returns a snapshot of cache occupancy.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:         c.lru.Len(),
		MaxSize:      c.cfg.MaxSize,
		PendingCount: len(c.pending),
	}
}

// Close stops the background sweep and disposes all entries. Subsequent
// GetOrCreate calls fail with ErrClosed. Safe to call multiple times.
func (c *Cache[T]) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()

	c.mu.Lock()
	c.closed = true
	c.lru.Purge()
	victims := c.drainEvicted()
	c.mu.Unlock()

	c.dispose(victims)
}

// cleanupLoop periodically removes expired entries so that idle keys do not
// pin disposable values until their next read.
func (c *Cache[T]) cleanupLoop() {
	defer c.wg.Done()

	ticker := c.clock.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			c.removeExpired()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache[T]) removeExpired() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	now := c.clock.Now()
	removed := 0
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && e.expired(now, c.cfg.AbsoluteTTL) {
			c.lru.Remove(key)
			removed++
		}
	}
	victims := c.drainEvicted()
	size := c.lru.Len()
	c.mu.Unlock()

	if removed > 0 {
		c.log.Debugw("removed expired cache entries", "removed", removed, "remaining", size)
	}
	c.dispose(victims)
}
