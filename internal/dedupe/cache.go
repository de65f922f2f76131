// ABOUTME: Thread-safe TTL cache of idempotency keys and the results they produced.
// ABOUTME: Lets a retried send return the original result instead of persisting twice.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Status is the outcome of claiming a key.
type Status int

const (
	// Claimed means the key was new (or expired) and the caller now owns it.
	Claimed Status = iota
	// Completed means an earlier request with this key finished; its result is returned.
	Completed
	// InFlight means another request holds the key and has not finished.
	InFlight
)

func (s Status) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case Completed:
		return "completed"
	case InFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// cacheEntry stores the claim time, result and list element for a cached key.
type cacheEntry struct {
	timestamp time.Time
	result    string
	done      bool
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited map from idempotency key to result.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // keys in claim order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the specified TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Key scopes a client-supplied idempotency key to the user who sent it.
func Key(userID, clientKey string) string {
	return userID + "|" + clientKey
}

// Claim atomically checks key and reserves it if unseen. For Completed keys the
// recorded result is returned. Callers that get Claimed must call Complete or Release.
func (c *Cache) Claim(key string) (string, Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && c.now().Sub(entry.timestamp) < c.ttl {
		if entry.done {
			return entry.result, Completed
		}
		return "", InFlight
	}

	c.putLocked(key)
	return "", Claimed
}

// Complete records the result for a claimed key.
func (c *Cache) Complete(key, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		entry = c.putLocked(key)
	}
	entry.result = result
	entry.done = true
}

// Release forgets a claimed key so a retry can run again. Used when the request failed.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && !entry.done {
		c.removeLocked(key, entry)
	}
}

// Len returns the number of tracked keys, including expired ones not yet cleaned up.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// putLocked inserts or refreshes a pending entry. Must be called with mu held.
func (c *Cache) putLocked(key string) *cacheEntry {
	now := c.now()

	if entry, exists := c.entries[key]; exists {
		entry.timestamp = now
		entry.result = ""
		entry.done = false
		c.order.MoveToBack(entry.element)
		return entry
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	entry := &cacheEntry{
		timestamp: now,
		element:   c.order.PushBack(key),
	}
	c.entries[key] = entry
	return entry
}

func (c *Cache) removeLocked(key string, entry *cacheEntry) {
	c.order.Remove(entry.element)
	delete(c.entries, key)
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.entries {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.removeLocked(key, entry)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
