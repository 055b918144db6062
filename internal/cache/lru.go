// Package cache provides caching implementations for resolved rule sets.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/wastebill/internal/domain"
)

// LRUCache is a thread-safe LRU cache with TTL support.
// Used as the community tier cache and as L1 in two-phase caching.
//
// Rule sets are kept as decoded values: a resolved RuleSet is never mutated
// after resolution, so sharing the pointer is safe and skips a JSON round trip.
type LRUCache struct {
	mu      sync.RWMutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
	now     func() time.Time
}

type cacheEntry struct {
	key       string
	value     []byte
	ruleSet   *domain.RuleSet
	expiresAt time.Time
}

// NewLRUCache creates a new LRU cache with the specified max size.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Get retrieves a value from cache.
func (c *LRUCache) Get(_ context.Context, key string) ([]byte, error) {
	entry := c.lookup(key)
	if entry == nil {
		return nil, nil
	}
	return entry.value, nil
}

// Set stores a value in cache with TTL.
func (c *LRUCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.store(&cacheEntry{key: key, value: value}, ttl)
	return nil
}

// GetRuleSet retrieves a cached rule set.
func (c *LRUCache) GetRuleSet(_ context.Context, key string) (*domain.RuleSet, error) {
	entry := c.lookup(key)
	if entry == nil {
		return nil, nil
	}
	return entry.ruleSet, nil
}

// SetRuleSet caches a rule set.
func (c *LRUCache) SetRuleSet(_ context.Context, key string, rs *domain.RuleSet, ttl time.Duration) error {
	c.store(&cacheEntry{key: key, ruleSet: rs}, ttl)
	return nil
}

// Delete removes values from cache.
func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
	return nil
}

// Ping checks cache health.
func (c *LRUCache) Ping(context.Context) error {
	return nil
}

// Close cleans up the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	return nil
}

// Stats returns cache statistics.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len(), c.maxSize
}

func (c *LRUCache) lookup(key string) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil
	}

	entry := elem.Value.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.removeElement(elem)
		return nil
	}

	c.order.MoveToFront(elem)
	return entry
}

func (c *LRUCache) store(entry *cacheEntry, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry.expiresAt = c.now().Add(ttl)
	if elem, ok := c.items[entry.key]; ok {
		elem.Value = entry
		c.order.MoveToFront(elem)
		return
	}

	c.items[entry.key] = c.order.PushFront(entry)
	for c.order.Len() > c.maxSize {
		c.removeOldest()
	}
}

func (c *LRUCache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
}

func (c *LRUCache) removeOldest() {
	elem := c.order.Back()
	if elem != nil {
		c.removeElement(elem)
	}
}
