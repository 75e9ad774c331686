package embed

import (
	"container/list"
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
)

// CachedEmbedder wraps an Embedder with an LRU cache keyed by an
// FNV-1a hash of the input text.
//
// Every described node the memory layer writes goes through the
// embedder, and the MCTS loop re-reads parent descriptions on each
// expansion, so repeated texts are the common case. A cache hit costs
// a map lookup instead of an HTTP round trip.
//
// Thread-safe.
type CachedEmbedder struct {
	base Embedder

	mu      sync.RWMutex
	cache   map[string]*list.Element
	lru     *list.List
	maxSize int

	hits   uint64
	misses uint64
}

var _ Embedder = (*CachedEmbedder)(nil)

type cacheEntry struct {
	key       string
	embedding []float32
}

// DefaultCacheSize is the entry cap when none is configured. At 1024
// dimensions that is roughly 40MB of cached vectors.
const DefaultCacheSize = 10000

// NewCachedEmbedder wraps base with an LRU cache of at most maxSize
// embeddings. maxSize <= 0 uses DefaultCacheSize.
func NewCachedEmbedder(base Embedder, maxSize int) *CachedEmbedder {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &CachedEmbedder{
		base:    base,
		cache:   make(map[string]*list.Element, maxSize),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// hashText builds a cache key. FNV-1a is fast and collision-safe
// enough for a bounded cache of research descriptions.
func hashText(text string) string {
	h := fnv.New64a()
	h.Write([]byte(text))
	return strconv.FormatUint(h.Sum64(), 36)
}

// Embed returns the cached embedding for text, or generates and caches
// one.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := hashText(text)

	c.mu.RLock()
	elem, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		atomic.AddUint64(&c.hits, 1)

		c.mu.Lock()
		c.lru.MoveToFront(elem)
		embedding := elem.Value.(*cacheEntry).embedding
		c.mu.Unlock()
		return embedding, nil
	}

	atomic.AddUint64(&c.misses, 1)

	embedding, err := c.base.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have embedded the same text meanwhile.
	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*cacheEntry).embedding, nil
	}

	for c.lru.Len() >= c.maxSize {
		c.evictOldest()
	}
	c.cache[key] = c.lru.PushFront(&cacheEntry{key: key, embedding: embedding})

	return embedding, nil
}

// EmbedBatch resolves each text against the cache and sends only the
// misses to the underlying embedder.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		key := hashText(text)

		c.mu.RLock()
		elem, ok := c.cache[key]
		c.mu.RUnlock()
		if ok {
			atomic.AddUint64(&c.hits, 1)
			c.mu.Lock()
			c.lru.MoveToFront(elem)
			results[i] = elem.Value.(*cacheEntry).embedding
			c.mu.Unlock()
			continue
		}

		atomic.AddUint64(&c.misses, 1)
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	embeddings, err := c.base.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for j, embedding := range embeddings {
		results[missIdx[j]] = embedding

		key := hashText(missTexts[j])
		if _, ok := c.cache[key]; ok {
			continue
		}
		for c.lru.Len() >= c.maxSize {
			c.evictOldest()
		}
		c.cache[key] = c.lru.PushFront(&cacheEntry{key: key, embedding: embedding})
	}

	return results, nil
}

// Dimensions returns the base embedder's vector dimension.
func (c *CachedEmbedder) Dimensions() int {
	return c.base.Dimensions()
}

// Model returns the base embedder's model name.
func (c *CachedEmbedder) Model() string {
	return c.base.Model()
}

// CacheStats holds cache accounting.
type CacheStats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"maxSize"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hitRate"` // percentage, 0-100
}

// Stats returns hit/miss accounting for the cache.
func (c *CachedEmbedder) Stats() CacheStats {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)

	c.mu.RLock()
	size := c.lru.Len()
	c.mu.RUnlock()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return CacheStats{
		Size:    size,
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// Clear drops every cached embedding. Counters are kept.
func (c *CachedEmbedder) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*list.Element, c.maxSize)
	c.lru.Init()
}

// evictOldest removes the least recently used entry. Caller holds the
// write lock.
func (c *CachedEmbedder) evictOldest() {
	elem := c.lru.Back()
	if elem == nil {
		return
	}
	delete(c.cache, elem.Value.(*cacheEntry).key)
	c.lru.Remove(elem)
}
