// Package cache implements the Tool Cache: the on-disk, per-server record of
// the last successful tools/list response, keyed by H(def) so a server
// definition change invalidates exactly its own entry.
//
// The in-memory overlay adapts the teacher's sync.Map ephemeral-projection
// idiom (formerly session-caching.go's gateway/MCP session-ID cache) to
// front the on-disk JSON files: readers never touch the filesystem once an
// entry has been loaded or written once in the process lifetime.
package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/portel-dev/ncp/internal/domain"
	"github.com/portel-dev/ncp/pkg/ncperrors"
)

const cacheSubdir = "cache"
const indexFile = "cache-index.json"

// Cache is the Tool Cache described in spec.md §4.6. On-disk files are the
// source of truth; the sync.Map holds ephemeral, in-process projections of
// entries already read or written so repeat access never re-parses JSON.
type Cache struct {
	dir     string
	entries sync.Map // H(def) string -> *domain.CacheEntry

	indexMu sync.Mutex
	index   map[string]string // H(def) -> serverName

	log *slog.Logger
}

// New creates a Cache rooted at <configDir>/cache, loading cache-index.json
// if present. Missing or corrupt index files are not fatal (spec.md §4.6:
// "corrupt entries are discarded with a warning, not fatal").
func New(configDir string, log *slog.Logger) (*Cache, error) {
	if log == nil {
		log = slog.Default()
	}
	dir := filepath.Join(configDir, cacheSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ncperrors.Wrap(ncperrors.KindInternal, "create cache directory", err)
	}

	c := &Cache{
		dir:   dir,
		index: make(map[string]string),
		log:   log.With("component", "cache.Cache"),
	}
	c.loadIndex()
	return c, nil
}

func (c *Cache) loadIndex() {
	path := filepath.Join(c.dir, indexFile)
	data, err := os.ReadFile(path) //nolint:gosec // operator-controlled config directory
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("failed to read cache index, starting empty", "error", err)
		}
		return
	}
	var idx map[string]string
	if err := json.Unmarshal(data, &idx); err != nil {
		c.log.Warn("cache index corrupt, starting empty", "error", err)
		return
	}
	c.indexMu.Lock()
	c.index = idx
	c.indexMu.Unlock()
}

func (c *Cache) saveIndex() error {
	c.indexMu.Lock()
	data, err := json.MarshalIndent(c.index, "", "  ")
	c.indexMu.Unlock()
	if err != nil {
		return ncperrors.Wrap(ncperrors.KindInternal, "marshal cache index", err)
	}
	return atomicWrite(filepath.Join(c.dir, indexFile), data)
}

func (c *Cache) entryPath(digest string) string {
	return filepath.Join(c.dir, digest+".json")
}

// Get returns the cache entry for digest. ok is false on cache miss or on a
// corrupt on-disk entry (already logged and treated as a miss).
func (c *Cache) Get(digest string) (entry *domain.CacheEntry, ok bool) {
	if v, found := c.entries.Load(digest); found {
		return v.(*domain.CacheEntry), true
	}

	data, err := os.ReadFile(c.entryPath(digest)) //nolint:gosec // operator-controlled config directory
	if err != nil {
		return nil, false
	}
	var e domain.CacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		c.log.Warn("cache entry corrupt, discarding", "digest", digest, "error", err)
		return nil, false
	}
	c.entries.Store(digest, &e)
	return &e, true
}

// Put writes entry for digest: replaces the on-disk file via atomic rename
// and updates the in-memory projection and the index, per the write path of
// spec.md §4.6 ("replace entry after each successful tools/list").
func (c *Cache) Put(digest string, entry *domain.CacheEntry) error {
	entry.Digest = digest
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return ncperrors.Wrap(ncperrors.KindInternal, "marshal cache entry", err)
	}
	if err := atomicWrite(c.entryPath(digest), data); err != nil {
		return err
	}

	c.entries.Store(digest, entry)
	c.indexMu.Lock()
	c.index[digest] = entry.ServerName
	c.indexMu.Unlock()
	return c.saveIndex()
}

// Invalidate removes the cache entry for digest, both in memory and on disk.
// Called on removeServer and on H(def) mismatch per spec.md §4.6.
func (c *Cache) Invalidate(digest string) error {
	c.entries.Delete(digest)

	c.indexMu.Lock()
	delete(c.index, digest)
	c.indexMu.Unlock()

	if err := os.Remove(c.entryPath(digest)); err != nil && !os.IsNotExist(err) {
		return ncperrors.Wrap(ncperrors.KindInternal, "remove cache entry file", err)
	}
	return c.saveIndex()
}

// Digests returns every digest currently known to the index, used at
// startup to seed the Discovery Engine before any downstream connects.
func (c *Cache) Digests() []string {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()
	out := make([]string, 0, len(c.index))
	for d := range c.index {
		out = append(out, d)
	}
	return out
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return ncperrors.Wrap(ncperrors.KindInternal, fmt.Sprintf("open temp file %s", tmp), err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return ncperrors.Wrap(ncperrors.KindInternal, "write temp cache file", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return ncperrors.Wrap(ncperrors.KindInternal, "fsync temp cache file", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return ncperrors.Wrap(ncperrors.KindInternal, "close temp cache file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return ncperrors.Wrap(ncperrors.KindInternal, "rename temp cache file", err)
	}
	return nil
}
