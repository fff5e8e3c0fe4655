package scribegate

import (
	"sync"
	"time"
)

// RoleCache remembers recent HasRole answers.
type RoleCache interface {
	Get(userID string) (pro bool, ok bool)
	Set(userID string, pro bool, ttl time.Duration)
	Invalidate(userID string)
	Stats() CacheStats
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

type roleEntry struct {
	pro        bool
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreak when access times are equal
}

// LRURoleCache is a bounded in-memory RoleCache with per-entry TTL.
type LRURoleCache struct {
	mu       sync.Mutex
	entries  map[string]*roleEntry
	max      int
	now      func() time.Time
	sequence int64

	hits, misses, evictions int64
}

// NewLRURoleCache creates a role cache holding at most maxEntries users (default: 10000).
func NewLRURoleCache(maxEntries int) *LRURoleCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &LRURoleCache{
		entries: make(map[string]*roleEntry, maxEntries),
		max:     maxEntries,
		now:     time.Now,
	}
}

func (c *LRURoleCache) Get(userID string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.entries[userID]
	if !ok || now.After(e.expiration) {
		c.misses++
		return false, false
	}
	e.accessTime = now
	c.hits++
	return e.pro, true
}

func (c *LRURoleCache) Set(userID string, pro bool, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[userID]; !exists && len(c.entries) >= c.max {
		c.evictOldest()
	}
	c.sequence++
	c.entries[userID] = &roleEntry{
		pro:        pro,
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   c.sequence,
	}
}

func (c *LRURoleCache) evictOldest() {
	var oldestKey string
	var oldest *roleEntry
	for k, e := range c.entries {
		if oldest == nil || e.accessTime.Before(oldest.accessTime) ||
			(e.accessTime.Equal(oldest.accessTime) && e.sequence < oldest.sequence) {
			oldestKey, oldest = k, e
		}
	}
	if oldest != nil {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *LRURoleCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

func (c *LRURoleCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}
