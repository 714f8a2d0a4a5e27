package proc

import (
	lru "github.com/hashicorp/golang-lru"
)

const (
	pageSize = 0x1000

	// DefaultPageCacheSize is the number of pages cached when
	// Options.PageCacheSize is zero.
	DefaultPageCacheSize = 64
)

type pageKey struct {
	pid  int
	page uint64
}

// pageCache caches whole pages of target memory while the target is
// stopped. It must be purged every time the target runs.
type pageCache struct {
	pages *lru.Cache
}

// newPageCache returns nil, a disabled cache, if size is negative.
func newPageCache(size int) (*pageCache, error) {
	if size < 0 {
		return nil, nil
	}
	if size == 0 {
		size = DefaultPageCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &pageCache{pages: c}, nil
}

func (c *pageCache) get(pid int, page uint64) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.pages.Get(pageKey{pid, page})
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (c *pageCache) add(pid int, page uint64, data []byte) {
	if c == nil {
		return
	}
	c.pages.Add(pageKey{pid, page}, data)
}

// invalidate drops every page overlapping [addr, addr+size).
func (c *pageCache) invalidate(pid int, addr uint64, size int) {
	if c == nil || size <= 0 {
		return
	}
	for page := addr &^ (pageSize - 1); page < addr+uint64(size); page += pageSize {
		c.pages.Remove(pageKey{pid, page})
	}
}

func (c *pageCache) purge() {
	if c == nil {
		return
	}
	c.pages.Purge()
}
