// Package cache is a size-bounded key/value store with per-entry expiry and
// prefix invalidation. Keys are hierarchical strings of the form
// "prefix:scope" so a whole family of entries can be dropped at once.
package cache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const DefaultCapacity = 1000

const (
	unreadPrefix = "unread:"
	roomPrefix   = "room:"
)

// UnreadKey is the key of a user's unread message aggregate.
func UnreadKey(user string) string {
	return unreadPrefix + user
}

// RoomKey is the key of a room's metadata and participant list.
func RoomKey(externalId string) string {
	return roomPrefix + externalId
}

// UnreadPrefix matches every user's unread aggregate.
func UnreadPrefix() string {
	return unreadPrefix
}

type entry struct {
	value     any
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type Stats struct {
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
}

type Cache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, entry]
	capacity int
	hits     uint64
	misses   uint64
	now      func() time.Time
}

func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}

	l, err := simplelru.NewLRU[string, entry](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("new lru: %w", err)
	}

	return &Cache{
		lru:      l,
		capacity: capacity,
		now:      time.Now,
	}, nil
}

// Get returns the value stored under key. An entry past its expiry is
// evicted and reported as a miss.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}

	if e.expired(c.now()) {
		c.lru.Remove(key)
		c.misses++
		return nil, false
	}

	c.hits++
	return e.value, true
}

// Set stores value under key and marks it most recently used. A ttl of
// zero or less stores the entry without expiry.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}

	c.lru.Add(key, e)
}

// Invalidate removes every key beginning with prefix. The empty prefix
// clears the whole table.
func (c *Cache) Invalidate(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prefix == "" {
		n := c.lru.Len()
		c.lru.Purge()
		return n
	}

	var removed int
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
			removed++
		}
	}

	return removed
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Len()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:     c.hits,
		Misses:   c.misses,
		Size:     c.lru.Len(),
		Capacity: c.capacity,
	}
}
