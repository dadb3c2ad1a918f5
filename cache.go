// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package kscape

import (
	"sync"
	"sync/atomic"
)

// A Cache records completed content details by handle. Entries are never
// evicted, so a cache grows with the number of distinct handles requested.
// A zero Cache is ready for use, and is safe for concurrent use by multiple
// goroutines.
type Cache struct {
	μ     sync.RWMutex
	items map[string]ContentDetails

	hits, misses, stores atomic.Int64
}

// CacheStats report the activity of a Cache.
type CacheStats struct {
	Entries int   `json:"entries" yaml:"entries"`
	Hits    int64 `json:"hits" yaml:"hits"`
	Misses  int64 `json:"misses" yaml:"misses"`
	Stores  int64 `json:"stores" yaml:"stores"`
}

// Get returns a copy of the cached details for handle, and reports whether
// such an entry was found.
func (c *Cache) Get(handle string) (ContentDetails, bool) {
	c.μ.RLock()
	d, ok := c.items[handle]
	c.μ.RUnlock()
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return d, ok
}

// Put records d under handle, replacing any existing entry.
func (c *Cache) Put(handle string, d ContentDetails) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.items == nil {
		c.items = make(map[string]ContentDetails)
	}
	c.items[handle] = d
	c.stores.Add(1)
}

// Len reports the number of entries in c.
func (c *Cache) Len() int {
	c.μ.RLock()
	defer c.μ.RUnlock()
	return len(c.items)
}

// Stats returns a snapshot of the activity counters for c.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Entries: c.Len(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Stores:  c.stores.Load(),
	}
}
