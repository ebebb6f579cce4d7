package command

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultIdempotencyTTL      = 10 * time.Minute
	DefaultIdempotencyCapacity = 512
)

type cachedResult struct {
	result   Result
	storedAt time.Time
}

// IdempotencyCache remembers resolved results by client_msg_id.
// Entries expire after ttl; over capacity the least recently used is evicted.
type IdempotencyCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	now      func() time.Time
	lru      *list.List
	index    map[string]*list.Element
}

func NewIdempotencyCache(ttl time.Duration, capacity int, now func() time.Time) *IdempotencyCache {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if capacity <= 0 {
		capacity = DefaultIdempotencyCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &IdempotencyCache{
		ttl:      ttl,
		capacity: capacity,
		now:      now,
		lru:      list.New(),
		index:    make(map[string]*list.Element),
	}
}

func (c *IdempotencyCache) Get(id string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[id]
	if !ok {
		return Result{}, false
	}
	entry := el.Value.(cachedResult)
	if c.now().Sub(entry.storedAt) >= c.ttl {
		c.lru.Remove(el)
		delete(c.index, id)
		return Result{}, false
	}
	c.lru.MoveToBack(el)
	return entry.result, true
}

func (c *IdempotencyCache) Put(res Result) {
	if res.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := cachedResult{result: res, storedAt: c.now()}
	if el, ok := c.index[res.ID]; ok {
		el.Value = entry
		c.lru.MoveToBack(el)
		return
	}
	c.index[res.ID] = c.lru.PushBack(entry)
	for c.lru.Len() > c.capacity {
		front := c.lru.Front()
		c.lru.Remove(front)
		delete(c.index, front.Value.(cachedResult).result.ID)
	}
}

func (c *IdempotencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
