package query

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Identity is the subset of query parameters that determines cache-key
// equality. Sort key, direction and page size are applied client-side and are
// deliberately absent.
type Identity struct {
	Resource string
	Filter   string
	Page     int
}

// Key returns a stable string form, used to coalesce in-flight fetches.
func (id Identity) Key() string {
	return fmt.Sprintf("%s|%s|%d", id.Resource, id.Filter, id.Page)
}

var (
	cacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collection_cache_hits_total",
			Help: "Collection cache hits by resource",
		},
		[]string{"resource"},
	)
	cacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collection_cache_misses_total",
			Help: "Collection cache misses by resource",
		},
		[]string{"resource"},
	)
)

func init() {
	prometheus.MustRegister(cacheHitsTotal)
	prometheus.MustRegister(cacheMissesTotal)
}

type entry[T any] struct {
	data      []T
	fetchedAt time.Time
}

// Cache stores fetched collection pages keyed by query identity. It is owned
// by the engine: written on fetch completion, dropped wholesale on
// invalidation after a successful mutation.
type Cache[T any] struct {
	mu      sync.Mutex
	entries map[Identity]entry[T]
}

// NewCache creates an empty collection cache.
func NewCache[T any]() *Cache[T] {
	return &Cache[T]{entries: make(map[Identity]entry[T])}
}

// Get returns the cached records for id, if present.
func (c *Cache[T]) Get(id Identity) ([]T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		cacheMissesTotal.WithLabelValues(id.Resource).Inc()
		return nil, false
	}
	cacheHitsTotal.WithLabelValues(id.Resource).Inc()
	return e.data, true
}

// Put stores records under id, stamping the fetch time.
func (c *Cache[T]) Put(id Identity, data []T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = entry[T]{data: data, fetchedAt: time.Now()}
}

// FetchedAt returns when the entry for id was stored.
func (c *Cache[T]) FetchedAt(id Identity) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return e.fetchedAt, ok
}

// Invalidate drops every entry for the given resource, forcing the next read
// to refetch.
func (c *Cache[T]) Invalidate(resource string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.entries {
		if id.Resource == resource {
			delete(c.entries, id)
		}
	}
}

// Len reports the number of cached entries.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
