// SPDX-License-Identifier: GPL-2.0-or-later

package hcluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpi-cbs/hclustering/lib/hcoord"
	"github.com/mpi-cbs/hclustering/lib/tractio"
	"github.com/mpi-cbs/hclustering/lib/tractio/memio"
)

// fourSeedROI builds a tiny 1-D chain of four neighbouring seeds at level
// 6 (face neighbours only): seeds 0 and 1 carry similar leaf tractograms,
// as do seeds 2 and 3, and the two pairs differ strongly, so the merge
// order is predictable.
func fourSeedROI() (*tractio.ROI, map[int][]uint8) {
	coords := []hcoord.Coord{
		{X: 0, Y: 0, Z: 0},
		{X: 1, Y: 0, Z: 0},
		{X: 2, Y: 0, Z: 0},
		{X: 3, Y: 0, Z: 0},
	}
	roi := &tractio.ROI{
		Grid:        hcoord.GridVista,
		DataSize:    hcoord.Coord{X: 10, Y: 10, Z: 10},
		Streamlines: 1000,
		Coords:      coords,
	}
	leaves := map[int][]uint8{
		0: {200, 10, 10, 10},
		1: {190, 20, 10, 10},
		2: {10, 10, 200, 10},
		3: {10, 10, 190, 20},
	}
	return roi, leaves
}

func TestCentroidBuilderMergesAllSeeds(t *testing.T) {
	roi, leaves := fourSeedROI()
	adapter := memio.New(roi, leaves, nil)
	builder := NewCentroidBuilder(adapter, CentroidConfig{
		Level:          6,
		CacheBytes:     1 << 20,
		ThresholdRatio: 0.001,
		MaxNbDist:      1.0,
	})

	tree, stats, err := builder.Build(context.Background(), "roi.txt")
	require.NoError(t, err)
	require.NoError(t, tree.Check())

	assert.Len(t, tree.Leaves, 4)
	assert.Len(t, tree.Nodes, 3)
	assert.Empty(t, tree.Discarded)
	assert.Greater(t, stats.Comparisons, int64(0))

	root, err := tree.Root()
	require.NoError(t, err)
	assert.Equal(t, 4, tree.Nodes[root.Index].Size)
}

func TestCentroidBuilderDiscardsOutliers(t *testing.T) {
	roi, leaves := fourSeedROI()
	adapter := memio.New(roi, leaves, nil)
	builder := NewCentroidBuilder(adapter, CentroidConfig{
		Level:          6,
		CacheBytes:     1 << 20,
		ThresholdRatio: 0.001,
		MaxNbDist:      0, // reject every seed: no neighbour can be at distance 0
	})

	tree, _, err := builder.Build(context.Background(), "roi.txt")
	require.NoError(t, err)
	assert.Empty(t, tree.Leaves)
	assert.Len(t, tree.Discarded, 4)
}

func TestCentroidBuilderBaseGrowToCount(t *testing.T) {
	roi, leaves := fourSeedROI()
	adapter := memio.New(roi, leaves, nil)
	builder := NewCentroidBuilder(adapter, CentroidConfig{
		Level:          6,
		CacheBytes:     1 << 20,
		ThresholdRatio: 0.001,
		MaxNbDist:      1.0,
		Base:           BaseGrowToCount,
		BaseCount:      2,
	})

	tree, _, err := builder.Build(context.Background(), "roi.txt")
	require.NoError(t, err)
	require.NoError(t, tree.Check())
	assert.Len(t, tree.Leaves, 4)
}
