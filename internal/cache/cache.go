// Package cache provides the shared TTL/LRU key-value store with tag based
// invalidation and single-flight computation, plus the per-collaborator
// backoff gates that guard rate limited external calls.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ComputeFunc produces a value for a missing key.
type ComputeFunc[V any] func(ctx context.Context) (V, error)

// Entry is a single cached value.
type Entry[V any] struct {
	Key        string
	Value      V
	InsertedAt time.Time
	TTL        time.Duration // Zero means no expiry.
	Tags       []string
}

func (e *Entry[V]) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.InsertedAt) >= e.TTL
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size         int     `json:"size"`
	Capacity     int     `json:"capacity"`
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Evictions    int64   `json:"evictions"`
	Expirations  int64   `json:"expirations"`
	Computations int64   `json:"computations"`
	HitRate      float64 `json:"hit_rate"`
}

// Options configures a Cache.
type Options struct {
	Capacity   int
	DefaultTTL time.Duration
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Option mutates Options.
type Option func(*Options)

func WithCapacity(n int) Option               { return func(o *Options) { o.Capacity = n } }
func WithDefaultTTL(d time.Duration) Option   { return func(o *Options) { o.DefaultTTL = d } }
func WithLogger(l *zap.Logger) Option         { return func(o *Options) { o.Logger = l } }
func WithClock(clock func() time.Time) Option { return func(o *Options) { o.Clock = clock } }

// Cache is a capacity bounded LRU with per-entry TTL and tags. It is safe for
// concurrent use. At most one computation runs per key at any time.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // Front is most recently used.
	tags    map[string]map[string]struct{}
	tagGen  map[string]uint64
	flight  singleflight.Group
	opts    Options
	logger  *zap.Logger
	now     func() time.Time
	closed  bool

	hits         atomic.Int64
	misses       atomic.Int64
	evictions    atomic.Int64
	expirations  atomic.Int64
	computations atomic.Int64
}

// New creates a cache. Capacity defaults to 1000.
func New[V any](opts ...Option) *Cache[V] {
	options := Options{Capacity: 1000}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Capacity <= 0 {
		options.Capacity = 1000
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := options.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Cache[V]{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		tags:    make(map[string]map[string]struct{}),
		tagGen:  make(map[string]uint64),
		opts:    options,
		logger:  logger.Named("cache"),
		now:     clock,
	}
}

// Get returns a live value and marks it most recently used.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.getLocked(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

func (c *Cache[V]) getLocked(key string) (V, bool) {
	var zero V
	elem, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	entry := elem.Value.(*Entry[V])
	if entry.expired(c.now()) {
		c.removeLocked(elem)
		c.expirations.Add(1)
		return zero, false
	}
	c.lru.MoveToFront(elem)
	return entry.Value, true
}

// Set stores a value. A non-positive ttl uses the default TTL.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration, tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl, tags)
}

func (c *Cache[V]) setLocked(key string, value V, ttl time.Duration, tags []string) {
	if c.closed {
		return
	}
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
	entry := &Entry[V]{
		Key:        key,
		Value:      value,
		InsertedAt: c.now(),
		TTL:        ttl,
		Tags:       append([]string(nil), tags...),
	}
	c.entries[key] = c.lru.PushFront(entry)
	for _, tag := range entry.Tags {
		set, ok := c.tags[tag]
		if !ok {
			set = make(map[string]struct{})
			c.tags[tag] = set
		}
		set[key] = struct{}{}
	}

	for c.lru.Len() > c.opts.Capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions.Add(1)
	}
}

func (c *Cache[V]) removeLocked(elem *list.Element) {
	entry := elem.Value.(*Entry[V])
	c.lru.Remove(elem)
	delete(c.entries, entry.Key)
	for _, tag := range entry.Tags {
		if set, ok := c.tags[tag]; ok {
			delete(set, entry.Key)
			if len(set) == 0 {
				delete(c.tags, tag)
			}
		}
	}
}

// GetOrCompute returns the cached value for key, computing it when missing.
// Concurrent callers for the same missing key share one computation. Errors
// are returned to every waiter and never cached. A result whose tags were
// invalidated while it was being computed is returned but not stored.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, ttl time.Duration, tags []string, compute ComputeFunc[V]) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	ch := c.flight.DoChan(key, func() (interface{}, error) {
		c.mu.Lock()
		// Another flight may have finished between our miss and this call.
		if v, ok := c.getLocked(key); ok {
			c.mu.Unlock()
			return v, nil
		}
		gens := c.snapshotGensLocked(tags)
		c.mu.Unlock()

		c.computations.Add(1)
		v, err := compute(ctx)
		if err != nil {
			return v, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gensMatchLocked(tags, gens) {
			c.setLocked(key, v, ttl, tags)
		} else {
			c.logger.Debug("Discarding result invalidated during computation.", zap.String("key", key))
		}
		return v, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, ok := res.Val.(V)
		if !ok {
			return zero, fmt.Errorf("cache: unexpected value type %T for key %q", res.Val, key)
		}
		return v, nil
	}
}

func (c *Cache[V]) snapshotGensLocked(tags []string) []uint64 {
	gens := make([]uint64, len(tags))
	for i, tag := range tags {
		gens[i] = c.tagGen[tag]
	}
	return gens
}

func (c *Cache[V]) gensMatchLocked(tags []string, gens []uint64) bool {
	for i, tag := range tags {
		if c.tagGen[tag] != gens[i] {
			return false
		}
	}
	return true
}

// Delete removes a single key.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if ok {
		c.removeLocked(elem)
	}
	return ok
}

// Invalidate removes every entry carrying tag and returns how many were dropped.
func (c *Cache[V]) Invalidate(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tagGen[tag]++
	set := c.tags[tag]
	n := 0
	for key := range set {
		if elem, ok := c.entries[key]; ok {
			c.removeLocked(elem)
			n++
		}
	}
	delete(c.tags, tag)
	if n > 0 {
		c.logger.Debug("Invalidated cache entries.", zap.String("tag", tag), zap.Int("count", n))
	}
	return n
}

// Purge drops every expired entry.
func (c *Cache[V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*Entry[V]).expired(now) {
			c.removeLocked(elem)
			n++
		}
		elem = prev
	}
	c.expirations.Add(int64(n))
	return n
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Clear drops everything but keeps the cache usable.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tag := range c.tags {
		c.tagGen[tag]++
	}
	c.entries = make(map[string]*list.Element)
	c.tags = make(map[string]map[string]struct{})
	c.lru.Init()
}

// Close clears the cache and makes later writes no-ops.
func (c *Cache[V]) Close() {
	c.Clear()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	size := c.lru.Len()
	c.mu.Unlock()

	s := Stats{
		Size:         size,
		Capacity:     c.opts.Capacity,
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Evictions:    c.evictions.Load(),
		Expirations:  c.expirations.Load(),
		Computations: c.computations.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
