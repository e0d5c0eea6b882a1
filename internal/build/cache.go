// Package build compiles collection sources into JavaScript artifacts.
//
// A compile pass scans the source root, decides per file whether the artifact
// on disk is current (hash gate), transpiles what is stale, and writes the
// artifact together with its descriptor sidecar. The Orchestrator serialises
// passes and, once every file has been handled, reloads the registry and
// invalidates the response cache.
package build

import (
	"strings"
	"sync"
	"sync/atomic"
)

// MemoKey builds the transpile memo key for a source path and content hash.
func MemoKey(absPath, hash string) string {
	return absPath + "@" + hash
}

// TranspileMemo memoizes transpile outputs with LRU eviction. Keys embed
// the content hash, so entries never go stale; they only age out.
type TranspileMemo struct {
	entries    map[string]*memoEntry
	mutex      sync.Mutex
	maxEntries int
	// LRU implementation
	head *memoEntry
	tail *memoEntry
	// Statistics tracking (atomic for thread safety)
	hits      int64
	misses    int64
	sets      int64
	evictions int64
}

type memoEntry struct {
	key   string
	value *Output
	prev  *memoEntry
	next  *memoEntry
}

// MemoStats is a point-in-time view of memo usage.
type MemoStats struct {
	Entries   int     `json:"entries"`
	Capacity  int     `json:"capacity"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// NewTranspileMemo creates a memo holding at most maxEntries outputs.
func NewTranspileMemo(maxEntries int) *TranspileMemo {
	if maxEntries <= 0 {
		maxEntries = 1
	}

	memo := &TranspileMemo{
		entries:    make(map[string]*memoEntry),
		maxEntries: maxEntries,
	}

	// Initialize LRU doubly-linked list with dummy head and tail
	memo.head = &memoEntry{}
	memo.tail = &memoEntry{}
	memo.head.next = memo.tail
	memo.tail.prev = memo.head

	return memo
}

// Get retrieves an output from the memo
func (m *TranspileMemo) Get(key string) (*Output, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry, exists := m.entries[key]
	if !exists {
		atomic.AddInt64(&m.misses, 1)
		return nil, false
	}

	m.moveToFront(entry)
	atomic.AddInt64(&m.hits, 1)
	return entry.value, true
}

// Set stores an output in the memo
func (m *TranspileMemo) Set(key string, value *Output) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if existing, exists := m.entries[key]; exists {
		existing.value = value
		m.moveToFront(existing)
		atomic.AddInt64(&m.sets, 1)
		return
	}

	for len(m.entries) >= m.maxEntries && m.tail.prev != m.head {
		lru := m.tail.prev
		m.removeFromList(lru)
		delete(m.entries, lru.key)
		atomic.AddInt64(&m.evictions, 1)
	}

	entry := &memoEntry{key: key, value: value}
	m.entries[key] = entry
	m.addToFront(entry)
	atomic.AddInt64(&m.sets, 1)
}

// InvalidatePath removes every entry recorded for absPath and returns how
// many were dropped.
func (m *TranspileMemo) InvalidatePath(absPath string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	prefix := absPath + "@"
	invalidated := 0
	for key, entry := range m.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		m.removeFromList(entry)
		delete(m.entries, key)
		invalidated++
	}
	return invalidated
}

// Len returns the number of memoized outputs.
func (m *TranspileMemo) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.entries)
}

// Clear drops every entry and resets statistics
func (m *TranspileMemo) Clear() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.entries = make(map[string]*memoEntry)
	m.head.next = m.tail
	m.tail.prev = m.head

	atomic.StoreInt64(&m.hits, 0)
	atomic.StoreInt64(&m.misses, 0)
	atomic.StoreInt64(&m.sets, 0)
	atomic.StoreInt64(&m.evictions, 0)
}

// Stats returns memo statistics
func (m *TranspileMemo) Stats() MemoStats {
	hits := atomic.LoadInt64(&m.hits)
	misses := atomic.LoadInt64(&m.misses)

	stats := MemoStats{
		Entries:   m.Len(),
		Capacity:  m.maxEntries,
		Hits:      hits,
		Misses:    misses,
		Evictions: atomic.LoadInt64(&m.evictions),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

// LRU doubly-linked list operations
func (m *TranspileMemo) addToFront(entry *memoEntry) {
	entry.prev = m.head
	entry.next = m.head.next
	m.head.next.prev = entry
	m.head.next = entry
}

func (m *TranspileMemo) removeFromList(entry *memoEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
}

func (m *TranspileMemo) moveToFront(entry *memoEntry) {
	m.removeFromList(entry)
	m.addToFront(entry)
}
