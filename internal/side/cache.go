package side

import "sync"

// Cache holds the items a side fetched during the current sync pass. Its
// lifetime is one pass: the side refills it from GetAllItems and the
// aggregator invalidates it before listing.
type Cache[T Record] struct {
	mu    sync.Mutex
	items map[string]T
}

// Replace swaps the cache contents for items.
func (c *Cache[T]) Replace(items []T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]T, len(items))
	for _, it := range items {
		c.items[it.Key()] = it
	}
}

// Get returns the cached item for id.
func (c *Cache[T]) Get(id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[id]
	return it, ok
}

// Put inserts or refreshes a single item.
func (c *Cache[T]) Put(item T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.items == nil {
		c.items = make(map[string]T)
	}
	c.items[item.Key()] = item
}

// Remove drops id from the cache.
func (c *Cache[T]) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
}

// Invalidate empties the cache so the next read goes to the backend.
func (c *Cache[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
}
