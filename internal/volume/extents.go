// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package volume

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/westerndigitalcorporation/scrub/internal/core"
)

// Extent is an allocated logical range. A tree extent is exactly one tree
// block; a data extent is any number of sectors.
type Extent struct {
	Logical    core.LogicalAddr `json:"logical"`
	Length     int64            `json:"length"`
	Tree       bool             `json:"tree,omitempty"`
	Generation uint64           `json:"generation"`
}

// End returns the first logical address past the extent.
func (e Extent) End() core.LogicalAddr { return e.Logical + core.LogicalAddr(e.Length) }

func (e Extent) String() string {
	kind := "data"
	if e.Tree {
		kind = "tree"
	}
	return fmt.Sprintf("%s extent [%v, %v) gen %d", kind, e.Logical, e.End(), e.Generation)
}

type extentItem Extent

func (a extentItem) Less(than btree.Item) bool {
	return a.Logical < than.(extentItem).Logical
}

// extentIndex is the in-memory extent tree, ordered by logical address.
type extentIndex struct {
	lock sync.RWMutex
	t    *btree.BTree
}

func newExtentIndex() *extentIndex {
	return &extentIndex{t: btree.New(16)}
}

// insert adds 'e', refusing overlaps.
func (x *extentIndex) insert(e Extent) error {
	x.lock.Lock()
	defer x.lock.Unlock()

	var clash *Extent
	x.t.DescendLessOrEqual(extentItem{Logical: e.End() - 1}, func(i btree.Item) bool {
		prev := Extent(i.(extentItem))
		if prev.End() > e.Logical {
			clash = &prev
		}
		return false
	})
	if clash != nil {
		return fmt.Errorf("%s overlaps %s", e, *clash)
	}
	x.t.ReplaceOrInsert(extentItem(e))
	return nil
}

func (x *extentIndex) remove(logical core.LogicalAddr) bool {
	x.lock.Lock()
	defer x.lock.Unlock()
	return x.t.Delete(extentItem{Logical: logical}) != nil
}

// find returns the extent containing 'logical'.
func (x *extentIndex) find(logical core.LogicalAddr) (Extent, bool) {
	x.lock.RLock()
	defer x.lock.RUnlock()
	var out Extent
	var ok bool
	x.t.DescendLessOrEqual(extentItem{Logical: logical}, func(i btree.Item) bool {
		e := Extent(i.(extentItem))
		if e.End() > logical {
			out, ok = e, true
		}
		return false
	})
	return out, ok
}

// ascend calls fn for every extent overlapping [from, to), in order, until fn
// returns false. fn runs without the index lock held.
func (x *extentIndex) ascend(from, to core.LogicalAddr, fn func(Extent) bool) {
	var batch []Extent
	x.lock.RLock()
	x.t.DescendLessOrEqual(extentItem{Logical: from}, func(i btree.Item) bool {
		if e := Extent(i.(extentItem)); e.Logical < from && e.End() > from {
			batch = append(batch, e)
		}
		return false
	})
	x.t.AscendRange(extentItem{Logical: from}, extentItem{Logical: to}, func(i btree.Item) bool {
		batch = append(batch, Extent(i.(extentItem)))
		return true
	})
	x.lock.RUnlock()

	for _, e := range batch {
		if !fn(e) {
			return
		}
	}
}

func (x *extentIndex) len() int {
	x.lock.RLock()
	defer x.lock.RUnlock()
	return x.t.Len()
}
