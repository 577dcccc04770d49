// SPDX-License-Identifier: GPL-2.0-or-later

package fileio

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpi-cbs/hclustering/lib/tract"
)

func writeROI(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "roi.txt")
	content := "#imagesize\n10 10 10 vista\n#endimagesize\n" +
		"#streams\n1000\n#endstreams\n" +
		"#roi\n0 0 0\n1 0 0\n#endroi\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadROI(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeROI(t, dir)
	a := New(dir, false, nil)

	roi, err := a.ReadROI(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), roi.Streamlines)
	assert.Len(t, roi.Coords, 2)
	assert.Nil(t, roi.TrackIDs)
}

func TestWriteReadCompactNodeRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := New(dir, false, nil)
	ctx := context.Background()

	t1 := tract.NewFloat([]float32{0.1, 0.2, 0.3})
	t1.MarkInLogUnits()
	require.NoError(t, a.WriteCompactNode(ctx, 5, t1))

	got, err := a.ReadCompactNode(ctx, 5)
	require.NoError(t, err)
	assert.InDeltaSlice(t, t1.Data, got.Data, 1e-6)
	assert.True(t, got.InLogUnits())
	assert.False(t, got.Thresholded())

	require.NoError(t, a.DeleteCompactNode(ctx, 5))
	_, err = a.ReadCompactNode(ctx, 5)
	assert.Error(t, err)

	// Deleting a never-written node is not an error.
	require.NoError(t, a.DeleteCompactNode(ctx, 999))
}

func TestWriteReadCompactNodeGzip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := New(dir, true, nil)
	ctx := context.Background()

	t1 := tract.NewFloat([]float32{1, 2, 3, 4})
	require.NoError(t, a.WriteCompactNode(ctx, 0, t1))
	got, err := a.ReadCompactNode(ctx, 0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, t1.Data, got.Data, 1e-6)
}

func TestReadCompactLeafWrongWidthRejected(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := New(dir, false, nil)
	ctx := context.Background()

	// Write a node-width (32-bit) tract, then try to read it as a leaf.
	require.NoError(t, a.WriteCompactNode(ctx, 0, tract.NewFloat([]float32{1})))
	path := a.leafPath(0)
	require.NoError(t, os.Rename(a.nodePath(0), path))

	_, err := a.ReadCompactLeaf(ctx, 0)
	assert.Error(t, err)
}

func TestFlipXWithoutPermutationFails(t *testing.T) {
	t.Parallel()
	a := New(t.TempDir(), false, nil)
	_, err := a.FlipX(context.Background(), tract.NewFloat([]float32{1, 2}))
	assert.Error(t, err)
}

func TestFlipXPermutes(t *testing.T) {
	t.Parallel()
	a := New(t.TempDir(), false, []int{2, 0, 1})
	out, err := a.FlipX(context.Background(), tract.NewFloat([]float32{10, 20, 30}))
	require.NoError(t, err)
	assert.Equal(t, []float32{30, 10, 20}, out.Data)
}
