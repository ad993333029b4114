package resolver

import (
	"container/list"
	"sync"
	"time"
)

// routeCache is a thread-safe LRU cache mapping tenant keys to route
// lists, with an absolute expiry per entry checked on every read.
// Expired entries are never returned; they are dropped lazily on Get
// and displaced by LRU eviction when the cache is full.
type routeCache struct {
	mu         sync.Mutex
	lruList    *list.List
	items      map[string]*list.Element
	maxEntries int
}

type cacheEntry struct {
	tenant    string
	routes    []Route
	expiresAt time.Time
}

// CacheSnapshotEntry is the admin-facing view of one cached tenant.
type CacheSnapshotEntry struct {
	Tenant    string    `json:"tenant"`
	Routes    int       `json:"routes"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func newRouteCache(maxEntries int) *routeCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &routeCache{
		lruList:    list.New(),
		items:      make(map[string]*list.Element),
		maxEntries: maxEntries,
	}
}

// Get returns the cached routes for tenant, if present and unexpired.
func (c *routeCache) Get(tenant string) ([]Route, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, found := c.items[tenant]
	if !found {
		return nil, false
	}
	entry := element.Value.(*cacheEntry)
	if !time.Now().Before(entry.expiresAt) {
		c.lruList.Remove(element)
		delete(c.items, tenant)
		return nil, false
	}
	c.lruList.MoveToFront(element)
	return entry.routes, true
}

// Set inserts or refreshes the entry for tenant.
func (c *routeCache) Set(tenant string, routes []Route, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(ttl)
	if element, found := c.items[tenant]; found {
		entry := element.Value.(*cacheEntry)
		entry.routes = routes
		entry.expiresAt = expiresAt
		c.lruList.MoveToFront(element)
		return
	}
	c.items[tenant] = c.lruList.PushFront(&cacheEntry{
		tenant:    tenant,
		routes:    routes,
		expiresAt: expiresAt,
	})
	for c.lruList.Len() > c.maxEntries {
		oldest := c.lruList.Back()
		c.lruList.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).tenant)
	}
}

// Len returns the current number of entries, expired ones included.
func (c *routeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// Snapshot lists the live entries for the admin state endpoint.
func (c *routeCache) Snapshot() []CacheSnapshotEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	out := make([]CacheSnapshotEntry, 0, c.lruList.Len())
	for element := c.lruList.Front(); element != nil; element = element.Next() {
		entry := element.Value.(*cacheEntry)
		if !now.Before(entry.expiresAt) {
			continue
		}
		out = append(out, CacheSnapshotEntry{
			Tenant:    entry.tenant,
			Routes:    len(entry.routes),
			ExpiresAt: entry.expiresAt,
		})
	}
	return out
}
