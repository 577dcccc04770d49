// SPDX-License-Identifier: GPL-2.0-or-later

package distmatrix

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpi-cbs/hclustering/lib/hcoord"
)

// buildFixture writes a tiny two-block distance matrix to dir: block
// (0,0) covers coords {A,B} x {A,B}, block (0,1) covers {A,B} x {C}.
// This mirrors a 3-seed ROI split into two 2x2/2x1 blocks.
func buildFixture(t *testing.T, dir string) (a, b, c hcoord.Coord) {
	t.Helper()
	a = hcoord.Coord{X: 0, Y: 0, Z: 0}
	b = hcoord.Coord{X: 1, Y: 0, Z: 0}
	c = hcoord.Coord{X: 2, Y: 0, Z: 0}

	index := "#distindex\n" +
		"0 0 0 b 0 i 0\n" +
		"1 0 0 b 0 i 1\n" +
		"2 0 0 b 1 i 0\n" +
		"#enddistindex\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFilename), []byte(index), 0o644))

	require.NoError(t, writeBlockFile(filepath.Join(dir, blockFilename(0, 0)), [][]float32{
		{0.0, 0.3},
		{0.3, 0.0},
	}))
	require.NoError(t, writeBlockFile(filepath.Join(dir, blockFilename(0, 1)), [][]float32{
		{0.5},
		{0.7},
	}))
	return a, b, c
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a, b, c := buildFixture(t, dir)

	store, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), store.MaxBlockID())
	assert.Equal(t, uint32(3), store.NumBlocks())

	ctx := context.Background()
	b1, b2, err := store.WhichBlock(a, b)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), b1)
	assert.Equal(t, uint32(0), b2)

	require.NoError(t, store.LoadBlockFor(ctx, a, b))
	d, err := store.GetDistance(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, d, 1e-6)

	require.NoError(t, store.LoadBlockFor(ctx, a, c))
	d, err = store.GetDistance(a, c)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, d, 1e-6)
	d, err = store.GetDistance(b, c)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, d, 1e-6)
}

func TestStoreGetDistanceWithoutLoadFails(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	buildFixture(t, dir)
	store, err := Open(dir)
	require.NoError(t, err)
	_, err = store.GetDistance(hcoord.Coord{}, hcoord.Coord{})
	assert.Error(t, err)
}

func TestStoreLoadBlockOutOfRange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	buildFixture(t, dir)
	store, err := Open(dir)
	require.NoError(t, err)
	err = store.LoadBlock(context.Background(), 5, 5)
	assert.Error(t, err)
}

func TestStoreBlockRange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a, b, _ := buildFixture(t, dir)
	store, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.LoadBlock(context.Background(), 0, 0))
	rowFirst, rowLast, colFirst, colLast, err := store.BlockRange()
	require.NoError(t, err)
	assert.Equal(t, a, rowFirst)
	assert.Equal(t, b, rowLast)
	assert.Equal(t, a, colFirst)
	assert.Equal(t, b, colLast)
}

func TestParseIndexRejectsMalformedLine(t *testing.T) {
	t.Parallel()
	_, err := ParseIndex(strings.NewReader("#distindex\nnot enough fields\n#enddistindex\n"))
	assert.Error(t, err)
}

func TestParseIndexRejectsMissingSection(t *testing.T) {
	t.Parallel()
	_, err := ParseIndex(strings.NewReader("#other\nx\n#endother\n"))
	assert.Error(t, err)
}
