// Package cache holds the most recently observed result record per task.
//
// The cache is process-local and last-write-wins. Entries live until they are
// deleted or the process exits; nothing is evicted. Records are cloned on the
// way in and on the way out so callers can never mutate a stored entry.
package cache

import (
	"sync"

	"github.com/vinayprograms/resultkit/results"
)

// Cache maps task IDs to result records. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*results.Record
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]*results.Record),
	}
}

// Get returns a copy of the record cached for taskID.
func (c *Cache) Get(taskID string) (*results.Record, bool) {
	c.mu.RLock()
	rec, ok := c.entries[taskID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// GetReady returns the cached record for taskID only if it is in a ready state.
func (c *Cache) GetReady(taskID string) (*results.Record, bool) {
	rec, ok := c.Get(taskID)
	if !ok || !rec.Ready() {
		return nil, false
	}
	return rec, true
}

// Set stores a copy of rec under taskID, replacing any previous entry.
// Nil records are ignored.
func (c *Cache) Set(taskID string, rec *results.Record) {
	if rec == nil {
		return
	}
	stored := rec.Clone()
	c.mu.Lock()
	c.entries[taskID] = stored
	c.mu.Unlock()
}

// Delete removes the entry for taskID.
func (c *Cache) Delete(taskID string) {
	c.mu.Lock()
	delete(c.entries, taskID)
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*results.Record)
	c.mu.Unlock()
}
