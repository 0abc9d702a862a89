package render

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache bounds. Both are enforced: an entry past either limit pushes
// the least recently used glyphs out.
const (
	DefaultMaxEntries = 10
	DefaultMaxBytes   = 5 << 20
)

// CacheStats describes the renderer's cache behavior since creation.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Fallbacks uint64
	Entries   int
	Bytes     int
}

// Renderer rasterizes glyphs behind a bounded LRU cache. Safe for
// concurrent use; the engine renders on its worker while the control
// plane may request previews.
type Renderer struct {
	mu       sync.Mutex
	cache    *lru.Cache[Params, *Rendered]
	bytes    int
	maxBytes int
	stats    CacheStats
}

// New builds a Renderer with the given cache bounds. Non-positive
// bounds fall back to the defaults.
func New(maxEntries, maxBytes int) *Renderer {
	if maxEntries < 1 {
		maxEntries = DefaultMaxEntries
	}
	if maxBytes < 1 {
		maxBytes = DefaultMaxBytes
	}

	r := &Renderer{maxBytes: maxBytes}
	// The eviction callback runs inside cache calls, which all happen
	// under r.mu, so it may touch the counters directly. NewWithEvict
	// only fails on a non-positive size, ruled out above.
	cache, _ := lru.NewWithEvict[Params, *Rendered](maxEntries, func(_ Params, v *Rendered) {
		r.bytes -= v.size()
		r.stats.Evictions++
	})
	r.cache = cache
	return r
}

// Render returns the glyph for p, from cache when possible. Never
// returns nil: rasterization failures yield the fallback disc.
func (r *Renderer) Render(p Params) *Rendered {
	key := p.normalized()

	r.mu.Lock()
	if v, ok := r.cache.Get(key); ok {
		r.stats.Hits++
		r.mu.Unlock()
		return v
	}
	r.stats.Misses++
	r.mu.Unlock()

	out, err := rasterize(key)
	if err != nil {
		out = fallbackGlyph(key)
		r.mu.Lock()
		r.stats.Fallbacks++
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.cache.Get(key); ok {
		// Another caller rasterized the same key first. Hand out the
		// cached instance so repeat renders keep a stable identity.
		return v
	}
	r.cache.Add(key, out)
	r.bytes += out.size()
	for r.bytes > r.maxBytes && r.cache.Len() > 0 {
		r.cache.RemoveOldest()
	}
	return out
}

// InvalidateCache drops every cached glyph. Called on settings
// changes, display reconfiguration and system appearance flips; the
// clear completes before the caller issues its next Render.
func (r *Renderer) InvalidateCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Purge()
	r.bytes = 0
}

// Stats returns a snapshot of the cache counters.
func (r *Renderer) Stats() CacheStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Entries = r.cache.Len()
	s.Bytes = r.bytes
	return s
}
