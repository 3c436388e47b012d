package seaweed

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultVolumeCacheSize is the number of volume addresses kept by default
const DefaultVolumeCacheSize = 100

// volumeCache maps volume ids to volume node addresses. Entries are never
// refreshed; a stale address shows up as a failed I/O call, after which the
// client drops it.
type volumeCache struct {
	entries *lru.Cache[uint32, string]
}

func newVolumeCache(size int) (*volumeCache, error) {
	if size <= 0 {
		size = DefaultVolumeCacheSize
	}
	entries, err := lru.New[uint32, string](size)
	if err != nil {
		return nil, err
	}
	return &volumeCache{entries: entries}, nil
}

func (c *volumeCache) get(volume uint32) (string, bool) {
	addr, ok := c.entries.Get(volume)
	if ok {
		volumeCacheHits.Inc()
	} else {
		volumeCacheMisses.Inc()
	}
	return addr, ok
}

func (c *volumeCache) add(volume uint32, addr string) {
	c.entries.Add(volume, addr)
}

func (c *volumeCache) forget(volume uint32) {
	c.entries.Remove(volume)
}

func (c *volumeCache) len() int {
	return c.entries.Len()
}
