// Package introspectcache implements the token-verification cache
// described in §3 "Token cache entry" and used by §4.I: a time-bounded
// cache of introspection results keyed by opaque upstream token string.
package introspectcache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wago/wdx-fileservice/internal/clock"
)

// Entry mirrors §3's "Token cache entry": entry_expiration <=
// token_expiration, both measured against the injected clock.
type Entry struct {
	EntryExpiration time.Time
	TokenExpiration time.Time
	UserName        string
}

// Cache is a bounded, entry-expiration-purging cache of introspection
// results. Entries past EntryExpiration are lazily purged at next access.
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, Entry]
	clock clock.Clock
}

// New returns a Cache holding at most maxEntries introspection results.
func New(maxEntries int, c clock.Clock) *Cache {
	if maxEntries <= 0 {
		maxEntries = 8192
	}
	l, err := lru.New[string, Entry](maxEntries)
	if err != nil {
		panic(err)
	}
	return &Cache{lru: l, clock: c}
}

// Put inserts or replaces the cache entry for token.
func (c *Cache) Put(token string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(token, e)
}

// Get returns the entry for token if present and not past its
// EntryExpiration; otherwise it is purged and Get reports a miss.
// RemainingLifetime (TokenExpiration - now) is computed live, since it is
// never stored verbatim.
func (c *Cache) Get(token string) (userName string, remaining time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.lru.Get(token)
	if !found {
		return "", 0, false
	}

	now := c.clock.Now()
	if now.After(e.EntryExpiration) {
		c.lru.Remove(token)
		return "", 0, false
	}

	remaining = e.TokenExpiration.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return e.UserName, remaining, true
}

// Sweep removes every entry past its EntryExpiration. Called on entry to
// every token authentication per §4.I's "cache-update sweep".
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if now.After(e.EntryExpiration) {
			c.lru.Remove(key)
		}
	}
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
