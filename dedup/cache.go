// Package dedup provides bounded per-namespace membership sets used to
// make at-least-once delivery safe. Membership in one namespace implies
// nothing about another.
package dedup

import "sync"

// Namespaces used across the routing core.
const (
	NamespaceMeshRelay       = "mesh-relay"
	NamespaceTxRelay         = "tx-relay"
	NamespaceNetworkMessages = "network-messages"
	NamespaceContent         = "content"
)

// DefaultCapacity bounds each namespace when no explicit capacity is given.
const DefaultCapacity = 1000

// Cache is a bounded set of seen identifiers. Once capacity is
// reached, the least-recently-recorded id is evicted; re-recording an
// existing id refreshes its position. Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    []string
	members  map[string]struct{}
}

// NewCache creates a cache bounded at capacity entries.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		members:  make(map[string]struct{}, capacity),
	}
}

// HasProcessed reports whether id was recorded and not yet evicted.
func (c *Cache) HasProcessed(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, seen := c.members[id]
	return seen
}

// Record marks id as processed. Recording an already-present id is a
// membership no-op but refreshes its eviction position.
func (c *Cache) Record(id string) {
	if id == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, seen := c.members[id]; seen {
		c.refreshLocked(id)
		return
	}

	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.members, oldest)
	}

	c.members[id] = struct{}{}
	c.order = append(c.order, id)
}

// Len returns the current number of recorded ids.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

// Clear removes every recorded id.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.members = make(map[string]struct{}, c.capacity)
}

func (c *Cache) refreshLocked(id string) {
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, id)
}

// Set groups one cache per namespace. Namespaces are created lazily
// with a shared capacity.
type Set struct {
	mu       sync.Mutex
	capacity int
	caches   map[string]*Cache
}

// NewSet creates a namespace set with per-namespace capacity.
func NewSet(capacity int) *Set {
	return &Set{
		capacity: capacity,
		caches:   make(map[string]*Cache),
	}
}

// Namespace returns the cache for a namespace, creating it if needed.
func (s *Set) Namespace(name string) *Cache {
	s.mu.Lock()
	defer s.mu.Unlock()

	cache, ok := s.caches[name]
	if !ok {
		cache = NewCache(s.capacity)
		s.caches[name] = cache
	}
	return cache
}

// HasProcessed reports membership of id within one namespace.
func (s *Set) HasProcessed(namespace, id string) bool {
	return s.Namespace(namespace).HasProcessed(id)
}

// Record marks id as processed within one namespace.
func (s *Set) Record(namespace, id string) {
	s.Namespace(namespace).Record(id)
}

// ClearNamespace empties a single namespace, leaving others untouched.
func (s *Set) ClearNamespace(name string) {
	s.mu.Lock()
	cache := s.caches[name]
	s.mu.Unlock()
	if cache != nil {
		cache.Clear()
	}
}

// ClearAll empties every namespace.
func (s *Set) ClearAll() {
	s.mu.Lock()
	caches := make([]*Cache, 0, len(s.caches))
	for _, cache := range s.caches {
		caches = append(caches, cache)
	}
	s.mu.Unlock()

	for _, cache := range caches {
		cache.Clear()
	}
}
