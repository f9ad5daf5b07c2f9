package cache

import (
	"sync"
	"time"
)

// Item is a stored value with its expiry.
type Item struct {
	Value     interface{}
	ExpiresAt time.Time
}

func (item *Item) Expired() bool {
	return time.Now().After(item.ExpiresAt)
}

// Cache is a thread-safe in-memory TTL store. Expired entries stop being
// visible immediately and are reclaimed by a background sweep, so memory
// stays bounded by the TTL regardless of the ingest rate.
type Cache struct {
	items           map[string]*Item
	mu              sync.RWMutex
	defaultTTL      time.Duration
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// New creates a cache whose entries live for defaultTTL.
func New(defaultTTL time.Duration) *Cache {
	c := &Cache{
		items:           make(map[string]*Item),
		defaultTTL:      defaultTTL,
		cleanupInterval: defaultTTL / 2,
		stopCleanup:     make(chan struct{}),
	}
	if c.cleanupInterval <= 0 {
		c.cleanupInterval = defaultTTL
	}

	go c.cleanup()

	return c
}

// Get retrieves a live value.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, exists := c.items[key]
	if !exists || item.Expired() {
		return nil, false
	}
	return item.Value, true
}

// Set stores a value with the default TTL.
func (c *Cache) Set(key string, value interface{}) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores a value with a custom TTL.
func (c *Cache) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = &Item{
		Value:     value,
		ExpiresAt: time.Now().Add(ttl),
	}
}

// Update atomically reads, transforms and writes one entry, refreshing its
// TTL. The transform receives nil when the key is absent or expired.
func (c *Cache) Update(key string, fn func(current interface{}) interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var current interface{}
	if item, exists := c.items[key]; exists && !item.Expired() {
		current = item.Value
	}

	c.items[key] = &Item{
		Value:     fn(current),
		ExpiresAt: time.Now().Add(c.defaultTTL),
	}
}

// Delete removes a key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// DeletePrefix removes every key with the given prefix.
func (c *Cache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.items {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.items, key)
		}
	}
}

// Size returns the number of live entries.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, item := range c.items {
		if !item.Expired() {
			n++
		}
	}
	return n
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			for key, item := range c.items {
				if item.Expired() {
					delete(c.items, key)
				}
			}
			c.mu.Unlock()
		case <-c.stopCleanup:
			return
		}
	}
}

// Stop terminates the background sweep.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCleanup)
	})
}
