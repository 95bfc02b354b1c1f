// Package cache provides in-memory caching for video metadata.
package cache

import (
	"sync"
	"time"

	"github.com/constansino/chat-dl-go/internal/domain"
	gocache "github.com/patrickmn/go-cache"
)

// VideoCache caches extracted video metadata per source URL so repeated
// requests do not trigger redundant engine calls. Capacity is bounded:
// when full, the oldest-inserted entry is evicted first. Entries also
// expire after the TTL.
type VideoCache struct {
	mu       sync.Mutex
	store    *gocache.Cache
	order    []string // keys in insertion order, oldest first
	capacity int
}

// NewVideoCache creates a VideoCache holding at most capacity entries with
// the given TTL.
func NewVideoCache(capacity int, ttl time.Duration) *VideoCache {
	if capacity < 1 {
		capacity = 1
	}
	return &VideoCache{
		store:    gocache.New(ttl, 10*time.Minute),
		capacity: capacity,
	}
}

// DefaultVideoCache creates a VideoCache with default settings.
// Capacity: 128 entries, TTL: 1 hour.
func DefaultVideoCache() *VideoCache {
	return NewVideoCache(128, time.Hour)
}

// Get retrieves video info for a URL.
func (c *VideoCache) Get(url string) (domain.VideoInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, found := c.store.Get(url); found {
		if info, ok := item.(domain.VideoInfo); ok {
			return info, true
		}
	}
	return domain.VideoInfo{}, false
}

// Set stores video info for a URL, evicting the oldest-inserted entries
// once the capacity is exceeded. Re-setting an existing key keeps its
// original position in the eviction order.
func (c *VideoCache) Set(url string, info domain.VideoInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, tracked := c.store.Get(url); !tracked {
		// The store miss may be a TTL expiry rather than a new key, in
		// which case a stale occurrence still sits in the ring. Drop it
		// first so every key appears at most once and eviction can never
		// pop a stale front entry onto a freshly re-set key.
		c.removeFromOrder(url)
		c.order = append(c.order, url)
		for len(c.order) > c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			c.store.Delete(oldest)
		}
	}
	c.store.Set(url, info, gocache.DefaultExpiration)
}

// removeFromOrder drops url from the insertion-order ring, if present.
// Callers must hold the lock.
func (c *VideoCache) removeFromOrder(url string) {
	for i, k := range c.order {
		if k == url {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// Delete removes the entry for a URL.
func (c *VideoCache) Delete(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.store.Delete(url)
	c.removeFromOrder(url)
}

// Len returns the number of tracked entries.
func (c *VideoCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
