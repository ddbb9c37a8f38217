// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package volume

import (
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/westerndigitalcorporation/scrub/internal/core"
	"github.com/westerndigitalcorporation/scrub/pkg/csum"
)

// csumCache sits in front of a metaStore and remembers recent checksum
// lookups, including misses. Scrub looks up each sector once per mirror, so
// the cache mostly serves the second device of a mirrored pair and repairs.
type csumCache struct {
	metaStore

	lock         sync.Mutex
	maxEntries   int
	cache        *lru.Cache
	hits, misses uint64
}

type cachedSum struct {
	sum csum.Sum
	ok  bool
}

func newCsumCache(s metaStore, maxEntries int) *csumCache {
	return &csumCache{metaStore: s, maxEntries: maxEntries, cache: lru.New(maxEntries)}
}

func (c *csumCache) lookupCsum(logical core.LogicalAddr) (csum.Sum, bool, error) {
	c.lock.Lock()
	if v, ok := c.cache.Get(logical); ok {
		c.hits++
		c.lock.Unlock()
		cs := v.(cachedSum)
		return cs.sum, cs.ok, nil
	}
	c.misses++
	c.lock.Unlock()

	sum, ok, err := c.metaStore.lookupCsum(logical)
	if err != nil {
		return sum, ok, err
	}

	c.lock.Lock()
	c.cache.Add(logical, cachedSum{sum, ok})
	c.lock.Unlock()
	return sum, ok, nil
}

func (c *csumCache) putCsums(entries []csumEntry) error {
	if err := c.metaStore.putCsums(entries); err != nil {
		c.invalidateAll()
		return err
	}
	c.lock.Lock()
	for _, e := range entries {
		c.cache.Add(e.Logical, cachedSum{e.Sum, true})
	}
	c.lock.Unlock()
	return nil
}

func (c *csumCache) deleteCsums(from, to core.LogicalAddr) error {
	c.invalidateAll()
	return c.metaStore.deleteCsums(from, to)
}

func (c *csumCache) invalidateAll() {
	c.lock.Lock()
	c.cache = lru.New(c.maxEntries)
	c.lock.Unlock()
}

func (c *csumCache) stats() (hits, misses uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.hits, c.misses
}
