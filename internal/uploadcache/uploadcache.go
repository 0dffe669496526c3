// Package uploadcache implements §4.D: a bounded map tracking in-flight
// upload IDs and their expiration, so the file API frontend can resume an
// out-of-order upload across requests.
package uploadcache

import (
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wago/wdx-fileservice/internal/chunkacct"
	"github.com/wago/wdx-fileservice/internal/clock"
)

// entry pairs an accountant with its last access time.
type entry struct {
	acct       *chunkacct.Accountant
	lastAccess time.Time
}

// Cache maps upload_id -> {accountant, last_access_monotonic}, purging
// entries whose idle time exceeds the configured timeout.
//
// Bounded by an LRU of maxEntries as a defense-in-depth memory cap on top
// of the idle-timeout eviction, the same belt-and-suspenders pattern the
// teacher's bloblru cache uses for its own bounded map.
type Cache struct {
	mu      sync.Mutex
	lru     *lru.Cache[string, *entry]
	timeout time.Duration
	clock   clock.Clock
}

// New returns a Cache with the given idle timeout and maximum entry count.
func New(timeout time.Duration, maxEntries int, c clock.Clock) *Cache {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	l, err := lru.New[string, *entry](maxEntries)
	if err != nil {
		// Only returns an error for maxEntries <= 0, excluded above.
		panic(err)
	}
	return &Cache{lru: l, timeout: timeout, clock: c}
}

// NewUploadID generates an opaque upload-ID for a fresh out-of-order
// upload. Callers pass the result to Put.
func NewUploadID() string {
	return uuid.NewString()
}

// Put registers or refreshes the accountant for uploadID.
func (c *Cache) Put(uploadID string, acct *chunkacct.Accountant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(uploadID, &entry{acct: acct, lastAccess: c.clock.Now()})
}

// Get returns the accountant for uploadID if present and not expired,
// refreshing its last-access time. Expired entries are purged lazily.
func (c *Cache) Get(uploadID string) (*chunkacct.Accountant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(uploadID)
	if !ok {
		return nil, false
	}

	now := c.clock.Now()
	if now.Sub(e.lastAccess) > c.timeout {
		c.lru.Remove(uploadID)
		return nil, false
	}

	e.lastAccess = now
	return e.acct, true
}

// Remove drops uploadID from the cache unconditionally.
func (c *Cache) Remove(uploadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(uploadID)
}

// PurgeExpired scans all entries and removes those idle past the timeout.
// Called on demand (e.g. periodically by the caller); Get also purges
// lazily on individual lookups.
func (c *Cache) PurgeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(e.lastAccess) > c.timeout {
			c.lru.Remove(key)
		}
	}
}

// Len reports the current number of tracked uploads (including any not
// yet lazily purged).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
