package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ScratchCache holds per-client-session scratch areas. Tasks submitted with
// the same session token share one area, so an algorithm can reuse
// intermediate results across a client's requests. Tokens beyond maxTokens
// evict the least recently used area, and areas expire after ttl.
type ScratchCache struct {
	maxEntries int

	mu    sync.Mutex
	areas *expirable.LRU[string, *ScratchArea]
}

// NewScratchCache creates a cache of at most maxTokens areas holding at
// most maxEntries values each.
func NewScratchCache(maxTokens, maxEntries int, ttl time.Duration) *ScratchCache {
	return &ScratchCache{
		maxEntries: max(maxEntries, 1),
		areas:      expirable.NewLRU[string, *ScratchArea](max(maxTokens, 1), nil, ttl),
	}
}

// NewToken returns a fresh client session token.
func NewToken() string {
	return uuid.NewString()
}

// Area returns the scratch area for token, creating it if needed. An empty
// token has no area.
func (c *ScratchCache) Area(token string) *ScratchArea {
	if token == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.areas.Get(token); ok {
		return a
	}
	entries, _ := lru.New[string, any](c.maxEntries)
	a := &ScratchArea{entries: entries}
	c.areas.Add(token, a)
	return a
}

// Len returns the number of live areas.
func (c *ScratchCache) Len() int { return c.areas.Len() }

// ScratchArea is one client session's key-value scratch space.
type ScratchArea struct {
	entries *lru.Cache[string, any]
}

func (a *ScratchArea) Get(key string) (any, bool) { return a.entries.Get(key) }
func (a *ScratchArea) Set(key string, value any)  { a.entries.Add(key, value) }
