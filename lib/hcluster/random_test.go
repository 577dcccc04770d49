// SPDX-License-Identifier: GPL-2.0-or-later

package hcluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpi-cbs/hclustering/lib/tractio/memio"
)

func TestRandomCentroidBuilderMergesAllSeedsNoDiscard(t *testing.T) {
	roi, leaves := fourSeedROI()
	adapter := memio.New(roi, leaves, nil)
	builder := NewRandomCentroidBuilder(adapter, RandomCentroidConfig{
		Level:      6,
		CacheBytes: 1 << 20,
		Seed:       1,
	})

	tree, _, err := builder.Build(context.Background(), "roi.txt")
	require.NoError(t, err)
	require.NoError(t, tree.Check())

	assert.Len(t, tree.Leaves, 4)
	assert.Len(t, tree.Nodes, 3)
	assert.Empty(t, tree.Discarded)
}

func TestRandomCentroidBuilderIsReproducibleForAGivenSeed(t *testing.T) {
	roi, leaves := fourSeedROI()

	build := func(seed int64) *memio.Adapter {
		return memio.New(roi, leaves, nil)
	}

	t1, _, err := NewRandomCentroidBuilder(build(7), RandomCentroidConfig{Level: 6, CacheBytes: 1 << 20, Seed: 7}).
		Build(context.Background(), "roi.txt")
	require.NoError(t, err)
	t2, _, err := NewRandomCentroidBuilder(build(7), RandomCentroidConfig{Level: 6, CacheBytes: 1 << 20, Seed: 7}).
		Build(context.Background(), "roi.txt")
	require.NoError(t, err)

	assert.Equal(t, t1.Nodes[0].Children, t2.Nodes[0].Children)
	assert.Equal(t, t1.Nodes[len(t1.Nodes)-1].Children, t2.Nodes[len(t2.Nodes)-1].Children)
}
