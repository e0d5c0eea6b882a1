package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// MemoryCache is the in-process tier: an LRU bounded by entry count where
// every entry also expires after its TTL.
type MemoryCache struct {
	entries    map[string]*memoryEntry
	mutex      sync.Mutex
	maxEntries int
	head       *memoryEntry
	tail       *memoryEntry
	now        func() time.Time

	hits      int64
	misses    int64
	evictions int64
	expired   int64
}

type memoryEntry struct {
	key       string
	data      []byte
	expiresAt time.Time
	prev      *memoryEntry
	next      *memoryEntry
}

// MemoryStats is a point-in-time view of the memory tier.
type MemoryStats struct {
	Entries   int   `json:"entries"`
	Capacity  int   `json:"capacity"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

// NewMemoryCache creates a memory tier holding at most maxEntries payloads.
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	c := &MemoryCache{
		entries:    make(map[string]*memoryEntry),
		maxEntries: maxEntries,
		head:       &memoryEntry{},
		tail:       &memoryEntry{},
		now:        time.Now,
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// Get returns the payload for key if present and not expired.
func (c *MemoryCache) Get(key string) ([]byte, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	if !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		c.remove(entry)
		atomic.AddInt64(&c.expired, 1)
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	c.moveToFront(entry)
	atomic.AddInt64(&c.hits, 1)
	return entry.data, true
}

// Set stores data under key. A zero ttl never expires.
func (c *MemoryCache) Set(key string, data []byte, ttl time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	if existing, ok := c.entries[key]; ok {
		existing.data = data
		existing.expiresAt = expiresAt
		c.moveToFront(existing)
		return
	}

	for len(c.entries) >= c.maxEntries && c.tail.prev != c.head {
		c.remove(c.tail.prev)
		atomic.AddInt64(&c.evictions, 1)
	}

	entry := &memoryEntry{key: key, data: data, expiresAt: expiresAt}
	c.entries[key] = entry
	c.addToFront(entry)
}

// Invalidate removes every key matching pattern and returns how many were dropped.
func (c *MemoryCache) Invalidate(pattern string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if MatchPattern(pattern, key) {
			c.remove(entry)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.entries)
}

// Stats returns memory tier statistics.
func (c *MemoryCache) Stats() MemoryStats {
	return MemoryStats{
		Entries:   c.Len(),
		Capacity:  c.maxEntries,
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Evictions: atomic.LoadInt64(&c.evictions),
		Expired:   atomic.LoadInt64(&c.expired),
	}
}

func (c *MemoryCache) remove(entry *memoryEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	delete(c.entries, entry.key)
}

func (c *MemoryCache) addToFront(entry *memoryEntry) {
	entry.prev = c.head
	entry.next = c.head.next
	c.head.next.prev = entry
	c.head.next = entry
}

func (c *MemoryCache) moveToFront(entry *memoryEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	c.addToFront(entry)
}
