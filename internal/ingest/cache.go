package ingest

import (
	"sync"

	"rastro.dev/paletrack/internal/store"
)

// Cache holds the most recent valid sample per user id. Entries are
// replaced whole, last arrival wins by receipt order, not by sample
// timestamp: clients that reorder their own messages will see the later
// arrival stick. Lives for the whole process, nothing expires it.
type Cache struct {
	mu   sync.Mutex
	last map[string]store.Sample
}

func NewCache() *Cache {
	return &Cache{last: make(map[string]store.Sample)}
}

func (c *Cache) put(s store.Sample) {
	c.mu.Lock()
	c.last[s.UserId] = s
	c.mu.Unlock()
}

func (c *Cache) Get(userId string) (store.Sample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.last[userId]
	return s, ok
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}
