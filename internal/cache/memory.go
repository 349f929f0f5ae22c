package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryClient implements an in-memory cache with bounded capacity.
type MemoryClient struct {
	mu       sync.RWMutex
	data     map[string]memoryEntry
	capacity int
	done     chan struct{}
	closeOnce sync.Once
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
	storedAt  time.Time
}

// NewMemoryClient creates a new in-memory cache client with the given capacity.
func NewMemoryClient(capacity int) *MemoryClient {
	if capacity <= 0 {
		capacity = 10000
	}

	c := &MemoryClient{
		data:     make(map[string]memoryEntry),
		capacity: capacity,
		done:     make(chan struct{}),
	}

	go c.cleanup()

	return c
}

// Get retrieves a value from cache.
func (c *MemoryClient) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}

	if time.Now().After(entry.expiresAt) {
		return nil, ErrCacheMiss
	}

	return entry.value, nil
}

// Set stores a value in cache with TTL. When the cache is full, the oldest
// quarter of entries is dropped to make room.
func (c *MemoryClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists && len(c.data) >= c.capacity {
		c.evictOldest(c.capacity / 4)
	}

	c.data[key] = memoryEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
		storedAt:  time.Now(),
	}

	return nil
}

// Delete removes a value from cache.
func (c *MemoryClient) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
	return nil
}

// DeleteByPrefix removes all keys with the given prefix.
func (c *MemoryClient) DeleteByPrefix(ctx context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.data {
		if strings.HasPrefix(key, prefix) {
			delete(c.data, key)
		}
	}

	return nil
}

// Len reports the current number of entries, expired or not.
func (c *MemoryClient) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Close stops the background cleanup goroutine.
func (c *MemoryClient) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// evictOldest removes the n entries stored earliest. Caller holds the lock.
func (c *MemoryClient) evictOldest(n int) {
	if n < 1 {
		n = 1
	}

	type aged struct {
		key      string
		storedAt time.Time
	}

	entries := make([]aged, 0, len(c.data))
	for key, entry := range c.data {
		entries = append(entries, aged{key: key, storedAt: entry.storedAt})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].storedAt.Before(entries[j].storedAt)
	})

	if n > len(entries) {
		n = len(entries)
	}
	for _, e := range entries[:n] {
		delete(c.data, e.key)
	}
}

// cleanup periodically removes expired entries.
func (c *MemoryClient) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, entry := range c.data {
				if now.After(entry.expiresAt) {
					delete(c.data, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
