package annotator

import (
	"container/list"
	"context"
	"strings"
	"sync"

	"github.com/hyperjump/sensor/internal/models"
)

// Cached memoizes another annotator's results by comment text. Identical comments
// are common in bulk uploads ("N/A", "Great class!") and are annotated once.
type Cached struct {
	next  Annotator
	cache *lruCache
}

// NewCached wraps next with an LRU cache holding up to capacity results.
func NewCached(next Annotator, capacity int) *Cached {
	return &Cached{next: next, cache: newLRUCache(capacity)}
}

// Annotate implements Annotator. Failures are not cached.
func (c *Cached) Annotate(ctx context.Context, comment *models.Comment) (models.CommentPatch, error) {
	key := cacheKey(comment.Text)
	if patch, ok := c.cache.Get(key); ok {
		return patch, nil
	}
	patch, err := c.next.Annotate(ctx, comment)
	if err != nil {
		return models.CommentPatch{}, err
	}
	c.cache.Set(key, patch)
	return patch, nil
}

// Len returns the number of cached results.
func (c *Cached) Len() int {
	return c.cache.Len()
}

func cacheKey(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// lruCache is an LRU cache of annotation results keyed by normalized text.
type lruCache struct {
	capacity int
	entries  map[string]*list.Element
	lru      *list.List
	mu       sync.Mutex
}

type cacheEntry struct {
	key   string
	value models.CommentPatch
}

func newLRUCache(capacity int) *lruCache {
	if capacity < 1 {
		capacity = 1
	}
	return &lruCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Get returns the cached patch for key and marks it most recently used.
func (c *lruCache) Get(key string) (models.CommentPatch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*cacheEntry).value, true
	}
	return models.CommentPatch{}, false
}

// Set stores the patch for key, evicting the least recently used entry if at capacity.
func (c *lruCache) Set(key string, value models.CommentPatch) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = value
		return
	}

	c.entries[key] = c.lru.PushFront(&cacheEntry{key: key, value: value})
	if c.lru.Len() > c.capacity {
		if oldest := c.lru.Back(); oldest != nil {
			c.lru.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}
}

func (c *lruCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
