package actor

import (
	"container/list"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jordandevai/driftcode-backend/internal/sshcore/sshtypes"
)

const (
	dirCacheTTL      = 10 * time.Second
	dirCacheCapacity = 128
)

// dirCache is a TTL + capacity bounded cache of ListDir results, evicting
// the oldest entry by creation time (not access time) once over capacity.
type dirCache struct {
	mu    sync.Mutex
	ll    *list.List
	byKey map[string]*list.Element
}

type dirCacheEntry struct {
	key       string
	createdAt time.Time
	entries   []sshtypes.SftpEntry
}

func newDirCache() *dirCache {
	return &dirCache{ll: list.New(), byKey: make(map[string]*list.Element)}
}

// normalize maps a path to its cache key: "/a/" and "/a" share one slot.
func normalize(p string) string {
	if p == "/" {
		return "/"
	}
	return strings.TrimSuffix(path.Clean(p), "/")
}

func (c *dirCache) get(p string) ([]sshtypes.SftpEntry, bool) {
	key := normalize(p)
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.byKey[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*dirCacheEntry)
	if time.Since(e.createdAt) > dirCacheTTL {
		c.ll.Remove(el)
		delete(c.byKey, key)
		return nil, false
	}
	return e.entries, true
}

func (c *dirCache) put(p string, entries []sshtypes.SftpEntry) {
	key := normalize(p)
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.byKey[key]; ok {
		c.ll.Remove(el)
		delete(c.byKey, key)
	}

	el := c.ll.PushFront(&dirCacheEntry{key: key, createdAt: time.Now(), entries: entries})
	c.byKey[key] = el

	for c.ll.Len() > dirCacheCapacity {
		c.evictOldest()
	}
}

// evictOldest removes the entry created longest ago, not the
// least-recently-accessed one. Since entries are never moved-to-front on
// get (only on overwrite), list.Back() is already the oldest by creation.
func (c *dirCache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	c.ll.Remove(el)
	delete(c.byKey, el.Value.(*dirCacheEntry).key)
}

// invalidate removes the cache entry for p, if present.
func (c *dirCache) invalidate(p string) {
	key := normalize(p)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.byKey[key]; ok {
		c.ll.Remove(el)
		delete(c.byKey, key)
	}
}

// invalidateMutation invalidates the parent of p and, for a delete, p itself.
func (c *dirCache) invalidateMutation(p string, alsoPathItself bool) {
	c.invalidate(path.Dir(p))
	if alsoPathItself {
		c.invalidate(p)
	}
}
