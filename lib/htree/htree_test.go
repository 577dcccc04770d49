// SPDX-License-Identifier: GPL-2.0-or-later

package htree

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpi-cbs/hclustering/lib/hcoord"
)

func twoLeafTree(t *testing.T) *Tree {
	t.Helper()
	tr := New("test", hcoord.GridVista, hcoord.Coord{X: 10, Y: 10, Z: 10}, 1000)
	l0 := tr.AppendLeaf(hcoord.Coord{X: 0, Y: 0, Z: 0})
	l1 := tr.AppendLeaf(hcoord.Coord{X: 1, Y: 0, Z: 0})
	_, err := tr.AppendNode([]ID{l0, l1}, 0.3)
	require.NoError(t, err)
	return tr
}

func TestAppendNodeComputesSizeAndHLevel(t *testing.T) {
	t.Parallel()
	tr := twoLeafTree(t)
	require.Len(t, tr.Nodes, 1)
	assert.Equal(t, 2, tr.Nodes[0].Size)
	assert.Equal(t, 1, tr.Nodes[0].HLevel)

	root, err := tr.Root()
	require.NoError(t, err)
	assert.Equal(t, ID{Internal: true, Index: 0}, root)
}

func TestCheckPassesOnValidTree(t *testing.T) {
	t.Parallel()
	tr := twoLeafTree(t)
	assert.NoError(t, tr.Check())
}

func TestCheckCatchesSizeMismatch(t *testing.T) {
	t.Parallel()
	tr := twoLeafTree(t)
	tr.Nodes[0].Size = 99
	assert.Error(t, tr.Check())
}

func TestCheckCatchesOrphan(t *testing.T) {
	t.Parallel()
	tr := New("test", hcoord.GridVista, hcoord.Coord{X: 10, Y: 10, Z: 10}, 1000)
	tr.AppendLeaf(hcoord.Coord{X: 0, Y: 0, Z: 0})
	tr.AppendLeaf(hcoord.Coord{X: 1, Y: 0, Z: 0})
	// No internal node appended: both leaves are parentless with >1 leaf.
	assert.Error(t, tr.Check())
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	tr := twoLeafTree(t)
	tr.TrackIDs = []int64{0, 1}
	tr.Discarded = []hcoord.Coord{{X: 5, Y: 5, Z: 5}}

	var buf bytes.Buffer
	require.NoError(t, tr.Write(&buf, false))

	got, err := Read(&buf, "test", false)
	require.NoError(t, err)
	assert.Equal(t, tr.DataSize, got.DataSize)
	assert.Equal(t, tr.Streamlines, got.Streamlines)
	assert.Equal(t, tr.Leaves, got.Leaves)
	require.Len(t, got.Nodes, 1)
	assert.Equal(t, tr.Nodes[0].Size, got.Nodes[0].Size)
	assert.Equal(t, tr.Nodes[0].HLevel, got.Nodes[0].HLevel)
	assert.InDelta(t, tr.Nodes[0].Height, got.Nodes[0].Height, 1e-9)
	assert.Equal(t, tr.TrackIDs, got.TrackIDs)
	assert.Equal(t, tr.Discarded, got.Discarded)
	assert.NoError(t, got.Check())
}

func TestWriteReadRoundTripDebug(t *testing.T) {
	t.Parallel()
	tr := twoLeafTree(t)

	var buf bytes.Buffer
	require.NoError(t, tr.Write(&buf, true))
	got, err := Read(&buf, "test", true)
	require.NoError(t, err)
	assert.NoError(t, got.Check())
}
