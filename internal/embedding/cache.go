package embedding

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// lru is a fixed-capacity least-recently-used map.
type lru[V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front is most recent
}

type lruItem[V any] struct {
	key   string
	value V
}

func newLRU[V any](capacity int) *lru[V] {
	if capacity < 1 {
		capacity = 1
	}
	return &lru[V]{capacity: capacity, items: make(map[string]*list.Element), order: list.New()}
}

func (c *lru[V]) get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruItem[V]).value, true
}

func (c *lru[V]) put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*lruItem[V]).value = value
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&lruItem[V]{key: key, value: value})
	for c.order.Len() > c.capacity {
		last := c.order.Back()
		c.order.Remove(last)
		delete(c.items, last.Value.(*lruItem[V]).key)
	}
}

func (c *lru[V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// CacheStats counts CachedEmbedder lookups.
type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

// CachedEmbedder serves repeated single-text embeddings (chat questions,
// search probes) from an LRU cache. Concurrent misses for the same text share
// one upstream call. EmbedBatch goes straight to the wrapped embedder.
type CachedEmbedder struct {
	Embedder
	cache  *lru[[]float32]
	group  singleflight.Group
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedEmbedder wraps inner with an LRU cache holding capacity vectors.
func NewCachedEmbedder(inner Embedder, capacity int) *CachedEmbedder {
	return &CachedEmbedder{Embedder: inner, cache: newLRU[[]float32](capacity)}
}

// Embed returns a private copy of the vector for text.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.get(text); ok {
		e.hits.Add(1)
		return append([]float32(nil), v...), nil
	}
	e.misses.Add(1)
	v, err, _ := e.group.Do(text, func() (interface{}, error) {
		v, err := e.Embedder.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		e.cache.put(text, v)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]float32(nil), v.([]float32)...), nil
}

// Stats returns lookup counters and the current cache size.
func (e *CachedEmbedder) Stats() CacheStats {
	return CacheStats{Hits: e.hits.Load(), Misses: e.misses.Load(), Entries: e.cache.len()}
}
