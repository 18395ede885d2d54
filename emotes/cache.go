// Package emotes implements the emote/badge subsystem: a two-tier image
// cache (bounded in-memory LRU over a byte-capped disk store), catalog
// fetching from the platform and third-party providers with
// stale-while-revalidate semantics, and a boundary-aware matcher that finds
// catalog emotes embedded in plain message text.
package emotes

import (
	"container/list"
	"sync"
	"time"

	"github.com/onnwee/streamchat/model"
	"github.com/onnwee/streamchat/telemetry"
)

// DefaultMaxMemoryEntries bounds tier 1 by entry count.
const DefaultMaxMemoryEntries = 2000

// Entry is one cached emote or badge image.
type Entry struct {
	ID        string
	Provider  model.EmoteProvider
	Name      string
	Animated  bool
	Image     []byte
	FetchedAt time.Time
}

// Cache is the two-tier image cache. Tier 1 is a bounded in-memory LRU;
// tier 2 is an optional byte-capped DiskStore that survives restarts.
//
// Invariants:
//   - an entry resident in tier 1 is always present in tier 2 (when a disk
//     store is configured) and is pinned against tier-2 eviction;
//   - eviction is LRU in both tiers;
//   - a tier-1 eviction never touches tier 2, so Get falls back to disk.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	ll         *list.List               // front = most recently used
	items      map[string]*list.Element // id -> element holding *Entry
	disk       *DiskStore               // nil = memory-only
}

// NewCache builds a cache with the given tier-1 entry ceiling. disk may be
// nil for a memory-only cache (tests, or when the disk store failed to open
// and the session degrades to network-only persistence).
func NewCache(maxEntries int, disk *DiskStore) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxMemoryEntries
	}
	telemetry.Init()
	return &Cache{
		maxEntries: maxEntries,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		disk:       disk,
	}
}

// Get returns the entry for id. A tier-1 hit promotes recency; a tier-1 miss
// with a tier-2 hit loads the entry back into tier 1. Disk read failures
// degrade to a miss (network-only mode for that entry), never an error.
func (c *Cache) Get(id string) (Entry, bool) {
	c.mu.Lock()
	if el, ok := c.items[id]; ok {
		c.ll.MoveToFront(el)
		e := *el.Value.(*Entry)
		c.mu.Unlock()
		telemetry.CacheHits.Inc()
		return e, true
	}
	c.mu.Unlock()

	if c.disk == nil {
		telemetry.CacheMisses.Inc()
		return Entry{}, false
	}
	e, err := c.disk.Get(id)
	if err != nil {
		telemetry.CacheMisses.Inc()
		return Entry{}, false
	}
	c.mu.Lock()
	c.insertLocked(e)
	c.mu.Unlock()
	telemetry.CacheHits.Inc()
	return e, true
}

// Put stores the entry in both tiers. A tier-2 write failure is returned so
// the caller can log it, but tier 1 keeps the entry either way.
func (c *Cache) Put(e Entry) error {
	c.mu.Lock()
	c.insertLocked(e)
	pinned := c.pinnedLocked()
	c.mu.Unlock()

	if c.disk == nil {
		return nil
	}
	return c.disk.Put(e, pinned)
}

// Has reports whether id is resident in either tier without promoting it.
func (c *Cache) Has(id string) bool {
	c.mu.Lock()
	_, ok := c.items[id]
	c.mu.Unlock()
	if ok {
		return true
	}
	return c.disk != nil && c.disk.Has(id)
}

// Len returns the tier-1 entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache) insertLocked(e Entry) {
	if el, ok := c.items[e.ID]; ok {
		// Keep the fresher copy; memory must never be staler than disk.
		cur := el.Value.(*Entry)
		if !e.FetchedAt.Before(cur.FetchedAt) {
			el.Value = &e
		}
		c.ll.MoveToFront(el)
		return
	}
	c.items[e.ID] = c.ll.PushFront(&e)
	for c.ll.Len() > c.maxEntries {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*Entry).ID)
	}
}

// pinnedLocked snapshots the ids currently resident in tier 1. The disk
// store must not evict these.
func (c *Cache) pinnedLocked() map[string]struct{} {
	pinned := make(map[string]struct{}, len(c.items))
	for id := range c.items {
		pinned[id] = struct{}{}
	}
	return pinned
}
