// Package cache is the two-tier result cache: a byte-capped in-process LRU
// in front of the shared Redis KV. Values are JSON-encoded; tags allow bulk
// invalidation across both tiers.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/kv"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/logging"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/metrics"
	"go.uber.org/zap"
)

const tagKeyPrefix = "cache:tag:"

type entry struct {
	key          string
	value        []byte
	createdAt    time.Time
	lastAccessed time.Time
	ttl          time.Duration
	size         int64
	tags         []string
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) > e.ttl
}

// Cache is safe for concurrent use. The mutex guards only the in-process
// tier; Redis round trips happen outside the lock.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]*list.Element // key -> *entry element
	lru       *list.List               // front = most recent
	tagIndex  map[string]map[string]struct{}
	maxBytes  int64
	currBytes int64

	remote    *kv.Store
	localTTL  time.Duration
	sharedTTL time.Duration
}

// New builds a cache with the given tier-1 byte cap. remote may be nil for
// single-tier operation.
func New(maxBytes int64, localTTL, sharedTTL time.Duration, remote *kv.Store) *Cache {
	return &Cache{
		entries:   make(map[string]*list.Element),
		lru:       list.New(),
		tagIndex:  make(map[string]map[string]struct{}),
		maxBytes:  maxBytes,
		remote:    remote,
		localTTL:  localTTL,
		sharedTTL: sharedTTL,
	}
}

// Get reads key into dest, consulting tier 1 then tier 2. A tier-2 hit is
// promoted into tier 1. Returns false when the key is absent or expired.
func (c *Cache) Get(ctx context.Context, key string, dest any) (bool, error) {
	if data, ok := c.getLocal(key); ok {
		metrics.CacheOperations.WithLabelValues("local", "hit").Inc()
		return true, json.Unmarshal(data, dest)
	}
	metrics.CacheOperations.WithLabelValues("local", "miss").Inc()

	if c.remote == nil {
		return false, nil
	}

	var raw json.RawMessage
	found, err := c.remote.GetJSON(ctx, key, &raw)
	if err != nil {
		return false, err
	}
	if !found {
		metrics.CacheOperations.WithLabelValues("shared", "miss").Inc()
		return false, nil
	}
	metrics.CacheOperations.WithLabelValues("shared", "hit").Inc()

	c.setLocal(key, raw, c.localTTL, nil)
	return true, json.Unmarshal(raw, dest)
}

// Set writes value to both tiers. Tags index the key for DeleteByTag. A
// cancelled context skips the write entirely so aborted work never lands in
// the cache.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration, tags ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.localTTL
	}

	c.setLocal(key, data, ttl, tags)

	if c.remote != nil {
		sharedTTL := c.sharedTTL
		if ttl > sharedTTL {
			sharedTTL = ttl
		}
		if err := c.remote.SetJSON(ctx, key, json.RawMessage(data), sharedTTL); err != nil {
			return err
		}
		for _, tag := range tags {
			if err := c.remote.SetAdd(ctx, tagKeyPrefix+tag, key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Delete removes key from both tiers, including its tier-2 tag set
// memberships so DeleteByTag never walks dead members.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	var tags []string
	if elem, ok := c.entries[key]; ok {
		tags = elem.Value.(*entry).tags
	}
	c.removeLocked(key)
	c.mu.Unlock()

	if c.remote == nil {
		return nil
	}
	if err := c.remote.Delete(ctx, key); err != nil {
		return err
	}
	for _, tag := range tags {
		if err := c.remote.SetRem(ctx, tagKeyPrefix+tag, key); err != nil {
			return err
		}
	}
	return nil
}

// DeleteByTag removes every key carrying the tag from both tiers and clears
// the tag index entry.
func (c *Cache) DeleteByTag(ctx context.Context, tag string) error {
	c.mu.Lock()
	for key := range c.tagIndex[tag] {
		c.removeLocked(key)
	}
	delete(c.tagIndex, tag)
	c.mu.Unlock()

	if c.remote == nil {
		return nil
	}

	members, err := c.remote.SetMembers(ctx, tagKeyPrefix+tag)
	if err != nil {
		return err
	}
	if len(members) > 0 {
		if err := c.remote.Delete(ctx, members...); err != nil {
			return err
		}
	}
	return c.remote.Delete(ctx, tagKeyPrefix+tag)
}

// Clear empties tier 1 and deletes the tier-2 keys this process wrote tags
// for. Tier-2 keys written by other processes are left to expire by TTL.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	c.tagIndex = make(map[string]map[string]struct{})
	c.currBytes = 0
	metrics.CacheMemoryBytes.Set(0)
	c.mu.Unlock()

	if c.remote != nil && len(keys) > 0 {
		return c.remote.Delete(ctx, keys...)
	}
	return nil
}

// GetOrSet returns the cached value for key, computing and storing it via
// factory on a miss. Concurrent callers may race; last writer wins.
func (c *Cache) GetOrSet(ctx context.Context, key string, dest any, ttl time.Duration, factory func(ctx context.Context) (any, error), tags ...string) (bool, error) {
	found, err := c.Get(ctx, key, dest)
	if err != nil {
		return false, err
	}
	if found {
		return true, nil
	}

	value, err := factory(ctx)
	if err != nil {
		return false, err
	}
	if err := c.Set(ctx, key, value, ttl, tags...); err != nil {
		return false, err
	}

	// Round-trip through JSON so dest sees exactly what later readers will.
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	return false, json.Unmarshal(data, dest)
}

// WarmPeriodically recomputes and stores key at every interval until ctx is
// cancelled. The first computation happens immediately.
func (c *Cache) WarmPeriodically(ctx context.Context, key string, ttl, interval time.Duration, factory func(ctx context.Context) (any, error), tags ...string) {
	warm := func() {
		value, err := factory(ctx)
		if err != nil {
			logging.Warn(ctx, "Cache warm factory failed", zap.String("key", key), zap.Error(err))
			return
		}
		if err := c.Set(ctx, key, value, ttl, tags...); err != nil {
			logging.Warn(ctx, "Cache warm write failed", zap.String("key", key), zap.Error(err))
		}
	}

	go func() {
		warm()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				warm()
			}
		}
	}()
}

// MemoryUsage reports the resident tier-1 byte total.
func (c *Cache) MemoryUsage() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currBytes
}

// Len reports the number of resident tier-1 entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// --- tier 1 internals; callers hold no lock ---

func (c *Cache) getLocal(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e := elem.Value.(*entry)
	if e.expired(time.Now()) {
		c.removeLocked(key)
		return nil, false
	}
	e.lastAccessed = time.Now()
	c.lru.MoveToFront(elem)
	return e.value, true
}

func (c *Cache) setLocal(key string, data []byte, ttl time.Duration, tags []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(key)

	e := &entry{
		key:          key,
		value:        data,
		createdAt:    time.Now(),
		lastAccessed: time.Now(),
		ttl:          ttl,
		size:         int64(len(key) + len(data)),
		tags:         tags,
	}
	c.entries[key] = c.lru.PushFront(e)
	c.currBytes += e.size
	for _, tag := range tags {
		if c.tagIndex[tag] == nil {
			c.tagIndex[tag] = make(map[string]struct{})
		}
		c.tagIndex[tag][key] = struct{}{}
	}

	for c.currBytes > c.maxBytes && c.lru.Len() > 1 {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*entry).key)
		metrics.CacheEvictions.Inc()
	}

	metrics.CacheMemoryBytes.Set(float64(c.currBytes))
}

// removeLocked drops a key from the entry map, LRU list, and tag index.
// Caller holds c.mu.
func (c *Cache) removeLocked(key string) {
	elem, ok := c.entries[key]
	if !ok {
		return
	}
	e := elem.Value.(*entry)
	c.lru.Remove(elem)
	delete(c.entries, key)
	c.currBytes -= e.size
	for _, tag := range e.tags {
		if keys := c.tagIndex[tag]; keys != nil {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.tagIndex, tag)
			}
		}
	}
	metrics.CacheMemoryBytes.Set(float64(c.currBytes))
}
