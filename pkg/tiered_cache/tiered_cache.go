// Package tiered_cache puts a bounded in-memory table (L1) in front of a
// kv_store.Store (L2).
//
// Reads go L1, then L2. An L2 hit is promoted into L1 with a fresh default
// TTL. Writes always go to L1 and, when asked to persist, through to L2.
// L1 evicts the oldest inserted entry when it is full (FIFO, not LRU).
package tiered_cache

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/lpcache/pkg/fifo"
	"github.com/pmkol/lpcache/pkg/kv_store"
	"github.com/pmkol/lpcache/pkg/utils"
)

const (
	defaultCapacity   = 100
	defaultTTL        = 5 * time.Minute
	cleanupFlightName = "cleanup"
)

var nopLogger = zap.NewNop()

type CacheOpts[V any] struct {
	// Name identifies the cache in logs and metrics.
	Name string

	// Capacity is the maximum number of L1 entries. Default is 100.
	Capacity int

	// DefaultTTL is the L1 lifetime used when Set has no TTL and for
	// promoted L2 hits. Default is 5m.
	DefaultTTL time.Duration

	// Store is the L2 tier. Nil means the cache is memory only.
	Store *kv_store.Store[V]

	// CleanerInterval starts a goroutine that calls Cleanup periodically.
	// Zero or negative disables it.
	CleanerInterval time.Duration

	// Logger is the *zap.Logger for this Cache.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// MetricsReg registers the cache counters if not nil.
	MetricsReg prometheus.Registerer

	// Now returns the current time. Default is time.Now.
	Now func() time.Time
}

func (opts *CacheOpts[V]) Init() {
	utils.SetDefaultNum(&opts.Capacity, defaultCapacity)
	utils.SetDefaultNum(&opts.DefaultTTL, defaultTTL)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
}

// SetOpts are per write options.
type SetOpts struct {
	// TTL is the L1 lifetime. Zero means CacheOpts.DefaultTTL.
	TTL time.Duration

	// Persistent also writes the value to L2.
	Persistent bool

	// ExpiresAt is the absolute L2 expiry of a persistent write. Zero
	// means now + TTL. L1 and L2 lifetimes may differ.
	ExpiresAt time.Time
}

// Stats of one namespace.
type Stats struct {
	kv_store.Stats `yaml:",inline"`
	LocalItemCount int `json:"localItemCount" yaml:"local_item_count"`
}

type entry[V any] struct {
	v         V
	expiresAt time.Time
}

// Cache is safe for concurrent use. Cleanup may run from the background
// cleaner while Get and Set are called.
type Cache[V any] struct {
	opts    CacheOpts[V]
	metrics *metrics
	sf      singleflight.Group

	m  sync.Mutex
	l1 *fifo.Table[string, entry[V]]
	// gen is bumped by every mutation. A promotion is dropped if gen moved
	// while L2 was being read.
	gen uint64

	closeOnce   sync.Once
	closeNotify chan struct{}
}

func NewCache[V any](opts CacheOpts[V]) (*Cache[V], error) {
	opts.Init()
	c := &Cache[V]{
		opts:        opts,
		metrics:     newMetrics(),
		closeNotify: make(chan struct{}),
	}
	c.l1 = fifo.NewTable[string, entry[V]](opts.Capacity, func(key string, _ entry[V]) {
		c.metrics.evict.Inc()
	})

	if reg := opts.MetricsReg; reg != nil {
		if len(opts.Name) > 0 {
			reg = prometheus.WrapRegistererWith(prometheus.Labels{"namespace": opts.Name}, reg)
		}
		if err := c.metrics.register(reg); err != nil {
			return nil, fmt.Errorf("failed to register cache metrics, %w", err)
		}
	}

	if opts.CleanerInterval > 0 {
		go c.startCleaner(opts.CleanerInterval)
	}
	return c, nil
}

func (c *Cache[V]) Name() string {
	return c.opts.Name
}

// Store returns the L2 tier, which may be nil.
func (c *Cache[V]) Store() *kv_store.Store[V] {
	return c.opts.Store
}

// Set stores v in L1 and, if opts.Persistent, in L2. A failed L2 write is
// not reported, the value is still served from L1.
func (c *Cache[V]) Set(key string, v V, opts SetOpts) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	now := c.opts.Now()

	c.m.Lock()
	c.l1.Add(key, entry[V]{v: v, expiresAt: now.Add(ttl)})
	c.gen++
	c.m.Unlock()

	if !opts.Persistent {
		return
	}
	if c.opts.Store == nil {
		c.opts.Logger.Debug("persistent write on memory only cache", zap.String("key", key))
		return
	}
	defer c.bump()
	exp := opts.ExpiresAt
	if exp.IsZero() {
		exp = now.Add(ttl)
	}
	if !c.opts.Store.Set(key, v, kv_store.SetOpts{ExpiresAt: exp}) {
		c.metrics.l2Refused.Inc()
		c.opts.Logger.Debug("write-through failed", zap.String("key", key))
	}
}

// Get returns the value of key, or def if neither tier holds a live one.
func (c *Cache[V]) Get(key string, def V) V {
	now := c.opts.Now()

	c.m.Lock()
	if e, ok := c.l1.Get(key); ok {
		if now.Before(e.expiresAt) {
			c.m.Unlock()
			c.metrics.hit.WithLabelValues("l1").Inc()
			return e.v
		}
		c.l1.Del(key)
		c.metrics.expire.Inc()
	}
	gen := c.gen
	c.m.Unlock()

	if c.opts.Store != nil {
		if v, ok := c.opts.Store.Lookup(key); ok {
			c.metrics.hit.WithLabelValues("l2").Inc()
			c.m.Lock()
			if c.gen != gen {
				// A concurrent write, delete or clear owns this key now.
				e, ok := c.l1.Get(key)
				c.m.Unlock()
				if ok && c.opts.Now().Before(e.expiresAt) {
					return e.v
				}
				return v
			}
			if _, exist := c.l1.Get(key); !exist {
				c.l1.Add(key, entry[V]{v: v, expiresAt: now.Add(c.opts.DefaultTTL)})
				c.metrics.promote.Inc()
			}
			c.m.Unlock()
			return v
		}
	}

	c.metrics.miss.Inc()
	return def
}

// bump invalidates promotions of reads that started before an L2
// mutation finished.
func (c *Cache[V]) bump() {
	c.m.Lock()
	c.gen++
	c.m.Unlock()
}

// Delete removes key from both tiers.
func (c *Cache[V]) Delete(key string) {
	c.Forget(key)
	if c.opts.Store != nil {
		c.opts.Store.Remove(key)
		c.bump()
	}
}

// Clear removes every entry of both tiers. On L2 only this namespace is
// affected.
func (c *Cache[V]) Clear() {
	c.ResetLocal()
	if c.opts.Store != nil {
		c.opts.Store.Clear()
		c.bump()
	}
}

// Forget drops key from L1 only.
func (c *Cache[V]) Forget(key string) {
	c.m.Lock()
	c.l1.Del(key)
	c.gen++
	c.m.Unlock()
}

// ResetLocal drops L1 only. The next reads fall back to L2.
func (c *Cache[V]) ResetLocal() {
	c.m.Lock()
	c.l1.Reset()
	c.gen++
	c.m.Unlock()
}

// InLocal reports whether L1 holds a live entry for key.
func (c *Cache[V]) InLocal(key string) bool {
	now := c.opts.Now()
	c.m.Lock()
	defer c.m.Unlock()
	e, ok := c.l1.Get(key)
	return ok && now.Before(e.expiresAt)
}

// Len returns the number of L1 entries, expired ones included.
func (c *Cache[V]) Len() int {
	c.m.Lock()
	defer c.m.Unlock()
	return c.l1.Len()
}

// Cleanup removes expired L1 entries, then expired or corrupt L2 records.
// It returns the number of distinct keys removed from either tier.
// Concurrent calls share one run.
func (c *Cache[V]) Cleanup() int {
	v, _, _ := c.sf.Do(cleanupFlightName, func() (any, error) {
		now := c.opts.Now()
		removed := make(map[string]struct{})
		c.m.Lock()
		n := c.l1.Clean(func(key string, e entry[V]) bool {
			if now.Before(e.expiresAt) {
				return false
			}
			removed[key] = struct{}{}
			return true
		})
		c.m.Unlock()
		c.metrics.expire.Add(float64(n))

		if c.opts.Store != nil {
			for _, k := range c.opts.Store.CleanupKeys() {
				removed[k] = struct{}{}
			}
		}
		return len(removed), nil
	})
	return v.(int)
}

// Stats reports the L2 namespace, or L1 if the cache is memory only.
func (c *Cache[V]) Stats() Stats {
	c.m.Lock()
	local := c.l1.Len()
	var size int64
	if c.opts.Store == nil {
		for _, k := range c.l1.Keys() {
			e, _ := c.l1.Get(k)
			if b, err := json.Marshal(e.v); err == nil {
				size += int64(len(b))
			}
		}
	}
	c.m.Unlock()

	if c.opts.Store != nil {
		return Stats{Stats: c.opts.Store.Stats(), LocalItemCount: local}
	}
	return Stats{
		Stats:          kv_store.Stats{ItemCount: local, TotalBytesEstimate: size},
		LocalItemCount: local,
	}
}

func (c *Cache[V]) startCleaner(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeNotify:
			return
		case <-ticker.C:
			if n := c.Cleanup(); n > 0 {
				c.opts.Logger.Debug("cache cleanup", zap.String("cache", c.opts.Name), zap.Int("removed", n))
			}
		}
	}
}

// Close stops the background cleaner. The L2 store is shared and stays
// open.
func (c *Cache[V]) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeNotify)
	})
	return nil
}
