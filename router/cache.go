package router

import (
	"container/list"
	"sync"
)

// handleCache is a thread-safe bounded LRU of live tenant handles keyed by
// slug. Eviction and replacement close the displaced handle's connection.
// The cache is owned exclusively by the Router; nothing else touches it.
type handleCache struct {
	mu       sync.RWMutex
	items    map[string]*list.Element
	eviction *list.List // front = most recently used
	maxSize  int

	hits      int64
	misses    int64
	evictions int64
}

type cacheEntry struct {
	slug   string
	handle *Handle
}

func newHandleCache(maxSize int) *handleCache {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &handleCache{
		items:    make(map[string]*list.Element, maxSize),
		eviction: list.New(),
		maxSize:  maxSize,
	}
}

// get returns the cached handle for slug, or nil on miss.
func (c *handleCache) get(slug string) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[slug]
	if !ok {
		c.misses++
		return nil
	}
	c.eviction.MoveToFront(elem)
	c.hits++
	return elem.Value.(*cacheEntry).handle
}

// put stores a handle, closing any handle it replaces and evicting the
// least recently used entry when at capacity.
func (c *handleCache) put(slug string, h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[slug]; ok {
		entry := elem.Value.(*cacheEntry)
		if entry.handle != h {
			entry.handle.close()
		}
		entry.handle = h
		c.eviction.MoveToFront(elem)
		return
	}

	for c.eviction.Len() >= c.maxSize {
		c.evictLocked()
	}

	elem := c.eviction.PushFront(&cacheEntry{slug: slug, handle: h})
	c.items[slug] = elem
}

// remove drops the entry for slug and closes its handle. When expect is
// non-nil the entry is only dropped if it still holds that exact handle, so
// a late failure report cannot displace a fresher handle.
func (c *handleCache) remove(slug string, expect *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[slug]
	if !ok {
		return
	}
	entry := elem.Value.(*cacheEntry)
	if expect != nil && entry.handle != expect {
		return
	}
	c.removeLocked(elem)
}

// purge drops every entry and closes every handle.
func (c *handleCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for elem := c.eviction.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*cacheEntry)
		delete(c.items, entry.slug)
		entry.handle.close()
	}
	c.eviction.Init()
}

func (c *handleCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.eviction.Len()
}

// stats returns hit/miss/eviction counters.
func (c *handleCache) stats() (hits, misses, evictions int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses, c.evictions
}

func (c *handleCache) evictLocked() {
	back := c.eviction.Back()
	if back == nil {
		return
	}
	c.removeLocked(back)
	c.evictions++
}

func (c *handleCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.slug)
	c.eviction.Remove(elem)
	entry.handle.close()
}
