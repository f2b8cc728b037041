package rebase

import (
	"container/list"
	"sync"

	"rebaser/cas"
	"rebaser/graph"
)

// snapshotCache keeps recently decoded snapshots in LRU order. Graphs are
// immutable, so every reader shares one instance.
type snapshotCache struct {
	mu      sync.Mutex
	max     int
	entries map[cas.Hash]*list.Element
	lru     *list.List
}

type cacheEntry struct {
	addr cas.Hash
	g    *graph.Graph
}

func newSnapshotCache(max int) *snapshotCache {
	if max <= 0 {
		max = 64
	}
	return &snapshotCache{max: max, entries: make(map[cas.Hash]*list.Element), lru: list.New()}
}

func (c *snapshotCache) get(addr cas.Hash) (*graph.Graph, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[addr]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(e)
	return e.Value.(*cacheEntry).g, true
}

func (c *snapshotCache) put(addr cas.Hash, g *graph.Graph) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[addr]; ok {
		c.lru.MoveToFront(e)
		return
	}
	c.entries[addr] = c.lru.PushFront(&cacheEntry{addr: addr, g: g})
	for c.lru.Len() > c.max {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).addr)
	}
}

func (c *snapshotCache) remove(addr cas.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[addr]; ok {
		c.lru.Remove(e)
		delete(c.entries, addr)
	}
}

func (c *snapshotCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
