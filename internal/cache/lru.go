package cache

import (
	"sync"
	"time"
)

// lruCache is a small in-memory LRU with per-item TTL, used to memoise hot
// registry lookups so queries do not re-read cache_table_registry.
type lruCache struct {
	capacity int
	ttl      time.Duration
	mu       sync.RWMutex
	items    map[string]*lruItem
	order    []string
}

type lruItem struct {
	value     any
	expiresAt time.Time
}

func newLRUCache(capacity int, ttl time.Duration) *lruCache {
	return &lruCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*lruItem),
		order:    make([]string, 0, capacity),
	}
}

func (c *lruCache) get(key string) (any, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		c.delete(key)
		return nil, false
	}
	c.mu.Lock()
	c.moveToEnd(key)
	c.mu.Unlock()
	return item.value, true
}

func (c *lruCache) set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; exists {
		c.items[key] = &lruItem{value: value, expiresAt: time.Now().Add(c.ttl)}
		c.moveToEnd(key)
		return
	}
	if len(c.items) >= c.capacity && c.capacity > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}
	c.items[key] = &lruItem{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.order = append(c.order, key)
}

func (c *lruCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	c.removeFromOrder(key)
}

func (c *lruCache) moveToEnd(key string) {
	c.removeFromOrder(key)
	c.order = append(c.order, key)
}

func (c *lruCache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
