package certificate

import (
	"context"
	"sync"
	"time"
)

// cacheEntry holds a rendered certificate document.
type cacheEntry struct {
	doc       []byte
	expiresAt time.Time
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// CachingRenderer wraps a slow Renderer (headless Chromium) and keeps each
// report's document for a TTL. Certificates for a given report only differ in
// issued_at and signature, so a cached copy stays verifiable.
type CachingRenderer struct {
	next       Renderer
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

// NewCachingRenderer caches next's output per report for ttl. maxEntries
// bounds memory; when full, expired entries are evicted first and the set
// is cleared if that frees nothing.
func NewCachingRenderer(next Renderer, ttl time.Duration, maxEntries int) *CachingRenderer {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &CachingRenderer{
		next:       next,
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[string]*cacheEntry),
	}
}

// ContentType implements Renderer.
func (r *CachingRenderer) ContentType() string { return r.next.ContentType() }

// Render implements Renderer.
func (r *CachingRenderer) Render(ctx context.Context, c *Certificate) ([]byte, error) {
	if r.ttl <= 0 {
		return r.next.Render(ctx, c)
	}
	if doc, ok := r.get(c.ReportID); ok {
		return doc, nil
	}
	doc, err := r.next.Render(ctx, c)
	if err != nil {
		return nil, err
	}
	r.set(c.ReportID, doc)
	return doc, nil
}

func (r *CachingRenderer) get(key string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok || e.expired(r.now()) {
		return nil, false
	}
	return e.doc, true
}

func (r *CachingRenderer) set(key string, doc []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) >= r.maxEntries {
		if r.evictLocked() == 0 {
			r.entries = make(map[string]*cacheEntry)
		}
	}
	r.entries[key] = &cacheEntry{doc: doc, expiresAt: r.now().Add(r.ttl)}
}

// Invalidate drops the cached document for a report.
func (r *CachingRenderer) Invalidate(reportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, reportID)
}

// Evict removes expired entries and returns how many were dropped.
func (r *CachingRenderer) Evict() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictLocked()
}

func (r *CachingRenderer) evictLocked() int {
	now := r.now()
	n := 0
	for k, e := range r.entries {
		if e.expired(now) {
			delete(r.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of cached documents, including expired ones.
func (r *CachingRenderer) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
