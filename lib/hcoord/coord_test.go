// SPDX-License-Identifier: GPL-2.0-or-later

package hcoord

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCmpOrder(t *testing.T) {
	t.Parallel()
	a := Coord{X: 5, Y: 0, Z: 0}
	b := Coord{X: 0, Y: 1, Z: 0}
	c := Coord{X: 0, Y: 0, Z: 1}
	assert.True(t, a.Less(b), "z equal: smaller y sorts first regardless of x")
	assert.True(t, b.Less(c), "z smaller sorts first regardless of x,y")
	assert.Equal(t, 0, a.Cmp(a))
}

func TestNeighboursAt6(t *testing.T) {
	t.Parallel()
	c := Coord{X: 5, Y: 5, Z: 5}
	ds := Coord{X: 10, Y: 10, Z: 10}
	nbs, err := NeighboursAt(c, 6, ds)
	require.NoError(t, err)
	assert.Len(t, nbs, 6)
	for i := 1; i < len(nbs); i++ {
		assert.True(t, nbs[i-1].Less(nbs[i]), "result must be sorted by coordinate order")
	}
}

func TestNeighboursAtCounts(t *testing.T) {
	t.Parallel()
	c := Coord{X: 10, Y: 10, Z: 10}
	ds := Coord{X: 21, Y: 21, Z: 21}
	cases := map[int]int{6: 6, 18: 18, 26: 26, 32: 32, 56: 56, 92: 92, 116: 116, 124: 124}
	for level, want := range cases {
		nbs, err := NeighboursAt(c, level, ds)
		require.NoError(t, err)
		assert.Lenf(t, nbs, want, "level %d", level)
	}
}

func TestNeighboursAtClipsToBounds(t *testing.T) {
	t.Parallel()
	c := Coord{X: 0, Y: 0, Z: 0}
	ds := Coord{X: 5, Y: 5, Z: 5}
	nbs, err := NeighboursAt(c, 6, ds)
	require.NoError(t, err)
	// only the three positive-direction face neighbours survive clipping
	assert.Len(t, nbs, 3)
}

func TestNeighboursAtInvalidLevel(t *testing.T) {
	t.Parallel()
	_, err := NeighboursAt(Coord{}, 7, Coord{X: 10, Y: 10, Z: 10})
	assert.Error(t, err)
}

func TestGridRoundTrip(t *testing.T) {
	t.Parallel()
	ds := Coord{X: 10, Y: 20, Z: 30}
	c := Coord{X: 3, Y: 4, Z: 5}
	assert.Equal(t, c, c.Vista2Nifti(ds).Nifti2Vista(ds))
}

func TestParseGrid(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"vista", "nifti", "surf"} {
		g, err := ParseGrid(s)
		require.NoError(t, err)
		assert.Equal(t, s, g.String())
	}
	_, err := ParseGrid("bogus")
	assert.Error(t, err)
}
