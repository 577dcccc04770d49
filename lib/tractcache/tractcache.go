// SPDX-License-Identifier: GPL-2.0-or-later

package tractcache

import (
	"context"

	"github.com/mpi-cbs/hclustering/lib/tract"
)

// LeafCache is a bounded cache over leaf-precision (byte) tracts, keyed
// by seed index.
type LeafCache struct {
	c *Cache[int, *tract.Byte]
}

// NewLeafCache builds a LeafCache with the given byte budget.
func NewLeafCache(budgetBytes int64) *LeafCache {
	return &LeafCache{c: New[int, *tract.Byte](budgetBytes)}
}

// Get returns seedIndex's byte tract, invoking load on a miss. The
// caller must call Release(seedIndex) when done with the returned
// reference.
func (lc *LeafCache) Get(ctx context.Context, seedIndex int, tractBytes func(elements int) int64, load func(context.Context, int) (*tract.Byte, error)) (*tract.Byte, bool, error) {
	v, hit, err := lc.c.Get(ctx, seedIndex, func(ctx context.Context, k int) (*tract.Byte, int64, error) {
		t, err := load(ctx, k)
		if err != nil {
			return nil, 0, err
		}
		return t, tractBytes(len(t.Data)), nil
	})
	if err != nil {
		return nil, false, err
	}
	return *v, hit, nil
}

// Release unpins seedIndex.
func (lc *LeafCache) Release(seedIndex int) { lc.c.Release(seedIndex) }

// Stats returns (hits, misses) for leaf lookups.
func (lc *LeafCache) Stats() (hits, misses int64) { return lc.c.Stats() }

// ResidentBytes returns the current resident byte total.
func (lc *LeafCache) ResidentBytes() int64 { return lc.c.ResidentBytes() }

// NodeCache is a bounded cache over node-precision (float) tracts, keyed
// by node index.
type NodeCache struct {
	c *Cache[int, *tract.Float]
}

// NewNodeCache builds a NodeCache with the given byte budget.
func NewNodeCache(budgetBytes int64) *NodeCache {
	return &NodeCache{c: New[int, *tract.Float](budgetBytes)}
}

// Get returns nodeIndex's float tract, invoking load on a miss. The
// caller must call Release(nodeIndex) when done with the returned
// reference.
func (nc *NodeCache) Get(ctx context.Context, nodeIndex int, tractBytes func(elements int) int64, load func(context.Context, int) (*tract.Float, error)) (*tract.Float, bool, error) {
	v, hit, err := nc.c.Get(ctx, nodeIndex, func(ctx context.Context, k int) (*tract.Float, int64, error) {
		t, err := load(ctx, k)
		if err != nil {
			return nil, 0, err
		}
		return t, tractBytes(len(t.Data)), nil
	})
	if err != nil {
		return nil, false, err
	}
	return *v, hit, nil
}

// Release unpins nodeIndex.
func (nc *NodeCache) Release(nodeIndex int) { nc.c.Release(nodeIndex) }

// Invalidate drops nodeIndex from the cache, blocking until any current
// holder releases it. Used when a node is deleted by a merge.
func (nc *NodeCache) Invalidate(nodeIndex int) { nc.c.Delete(nodeIndex) }

// Stats returns (hits, misses) for node lookups.
func (nc *NodeCache) Stats() (hits, misses int64) { return nc.c.Stats() }

// ResidentBytes returns the current resident byte total.
func (nc *NodeCache) ResidentBytes() int64 { return nc.c.ResidentBytes() }
