package workflow

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"sync"
	"time"
)

const cacheTTL = 5 * time.Minute

// Stats exposes cache counters for operational visibility.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

type cacheEntry struct {
	spec     *Spec
	digest   uint64
	loadedAt time.Time
}

// Cache maps workflow-id to parsed spec with TTL and content-digest
// invalidation. There is no negative caching: a failed load is retried on the
// next Get.
type Cache struct {
	root   string
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry
	hits    int64
	misses  int64

	now func() time.Time // test seam
}

// NewCache creates a Cache rooted at the state directory.
func NewCache(root string, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		root:    root,
		logger:  logger,
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
	}
}

// Get returns the parsed spec for workflowID, loading from disk on miss, TTL
// expiry, or content-digest change.
func (c *Cache) Get(workflowID string) (*Spec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := SpecPath(c.root, workflowID)
	entry, ok := c.entries[workflowID]
	if ok && c.now().Sub(entry.loadedAt) < cacheTTL {
		c.hits++
		return entry.spec, nil
	}

	digest, err := fileDigest(path)
	if err != nil {
		return nil, err
	}
	if ok && entry.digest == digest {
		// Content unchanged: refresh the TTL without re-parsing.
		entry.loadedAt = c.now()
		c.hits++
		return entry.spec, nil
	}

	c.misses++
	spec, err := LoadSpec(path)
	if err != nil {
		return nil, err
	}
	c.entries[workflowID] = &cacheEntry{
		spec:     spec,
		digest:   digest,
		loadedAt: c.now(),
	}
	c.logger.Debug("workflow spec loaded", "workflow", workflowID, "path", path)
	return spec, nil
}

// Invalidate drops the cached entry for workflowID, forcing the next Get to
// reload from disk. The fsnotify watcher calls this.
func (c *Cache) Invalidate(workflowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, workflowID)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:    c.hits,
		Misses:  c.misses,
		Size:    len(c.entries),
		HitRate: rate,
	}
}

func fileDigest(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read workflow definition: %w", err)
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return h.Sum64(), nil
}
