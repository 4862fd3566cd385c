package buildsvc

import (
	"sync"
	"time"
)

const defCacheTTL = time.Hour

// cache is a TTL cache that is safe for concurrent get/set/invalidate.
// It is shared between the poller and the interactive webhook handlers.
type cache struct {
	lock    sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	// now is replaceable in tests
	now func() time.Time
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

func newCache(ttl time.Duration) *cache {
	return &cache{
		entries: map[string]cacheEntry{},
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *cache) Get(key string) (string, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	entry, exist := c.entries[key]
	if !exist {
		return "", false
	}

	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return "", false
	}

	return entry.value, true
}

func (c *cache) Set(key, value string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.entries[key] = cacheEntry{
		value:     value,
		expiresAt: c.now().Add(c.ttl),
	}
}

func (c *cache) Invalidate(key string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	delete(c.entries, key)
}
