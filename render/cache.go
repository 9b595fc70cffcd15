package render

import (
	"context"
	"sync"
)

// Cache is the process-wide content-addressed dedup table for resource
// uploads. It is the only structure shared by concurrent story tasks, so
// uploads are single-flight per hash: the first task to reference a hash
// performs the upload, later tasks either wait on that in-flight upload or
// no-op once the hash is marked present.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	done chan struct{}
	err  error
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*cacheEntry)}
}

// Ensure guarantees the resource identified by hash has been uploaded,
// calling upload at most once per hash across all concurrent callers. If
// the winning upload fails, every waiter of that flight receives the error
// and the hash is unmarked so a later story may retry.
func (c *Cache) Ensure(ctx context.Context, hash string, upload func(context.Context) error) error {
	c.mu.Lock()
	if e, ok := c.entries[hash]; ok {
		c.mu.Unlock()
		select {
		case <-e.done:
			return e.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e := &cacheEntry{done: make(chan struct{})}
	c.entries[hash] = e
	c.mu.Unlock()

	e.err = upload(ctx)
	if e.err != nil {
		c.mu.Lock()
		delete(c.entries, hash)
		c.mu.Unlock()
	}
	close(e.done)
	return e.err
}

// Uploaded reports whether hash has a completed, successful upload.
func (c *Cache) Uploaded(hash string) bool {
	c.mu.Lock()
	e, ok := c.entries[hash]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-e.done:
		return e.err == nil
	default:
		return false
	}
}

// Len returns the number of hashes marked present or in flight.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
