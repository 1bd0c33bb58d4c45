package cache

import "sync"

type ramItem struct {
	key  string
	ent  *Entry
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is the transient tier: a size-bounded LRU. Sizes are reported by
// the caller, the cache does not measure entries itself.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64

	overflowLog *rateLimitedLogger
}

func newRAMCache(maxBytes int64, overflowLog *rateLimitedLogger) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}, overflowLog: overflowLog}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for it := c.head; it != nil; it = it.next {
		out = append(out, it.key)
	}
	return out
}

func (c *ramCache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return
	}
	c.remove(it)
	delete(c.items, key)
	c.total -= it.size
}

func (c *ramCache) Put(key string, ent *Entry, size int64) {
	if size < 0 {
		size = 0
	}
	if c.maxBytes > 0 && size > c.maxBytes {
		c.overflowLog.Warn().Str("key", key).Int64("size", size).Msg("Entry larger than transient cache, not stored")
		c.Delete(key)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = size
		c.total += size
		c.moveToFront(it)
		c.evictLocked(it)
		return
	}

	it := &ramItem{key: key, ent: ent, size: size}
	c.items[key] = it
	c.addToFront(it)
	c.total += size
	c.evictLocked(it)
}

// evictLocked drops least-recently-used items until the total fits, never
// evicting keep.
func (c *ramCache) evictLocked(keep *ramItem) {
	evicted := 0
	for c.maxBytes > 0 && c.total > c.maxBytes {
		it := c.tail
		if it == nil || it == keep {
			break
		}
		c.remove(it)
		delete(c.items, it.key)
		c.total -= it.size
		evicted++
	}
	if evicted > 0 {
		c.overflowLog.Warn().Int("evicted", evicted).Int64("total", c.total).Msg("Transient cache full, evicting")
	}
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
