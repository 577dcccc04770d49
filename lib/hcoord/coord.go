// SPDX-License-Identifier: GPL-2.0-or-later

// Package hcoord implements the seed voxel coordinate model: exact
// equality, the (z,y,x) total order used throughout the tree model,
// Euclidean distance, physical-neighbourhood enumeration, and the
// vista/nifti/surf grid-frame conversions.
package hcoord

import (
	"fmt"
	"math"
	"sort"

	"github.com/mpi-cbs/hclustering/lib/herrors"
)

// Coord is an integer (x,y,z) seed voxel position.
type Coord struct {
	X, Y, Z int32
}

// Cmp implements the total order (z, then y, then x) used to sort leaves
// and to give deterministic tie-breaking lexical order on cluster IDs.
func (c Coord) Cmp(o Coord) int {
	switch {
	case c.Z != o.Z:
		return cmpInt32(c.Z, o.Z)
	case c.Y != o.Y:
		return cmpInt32(c.Y, o.Y)
	default:
		return cmpInt32(c.X, o.X)
	}
}

func cmpInt32(a, b int32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Less reports whether c sorts before o under the (z,y,x) order.
func (c Coord) Less(o Coord) bool { return c.Cmp(o) < 0 }

func (c Coord) Equal(o Coord) bool { return c == o }

func (c Coord) String() string { return fmt.Sprintf("%d_%d_%d", c.X, c.Y, c.Z) }

// PhysDist returns the Euclidean distance between two seed voxels.
func (c Coord) PhysDist(o Coord) float64 {
	dx := float64(c.X - o.X)
	dy := float64(c.Y - o.Y)
	dz := float64(c.Z - o.Z)
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// nbShape describes, for a connectivity level, the Manhattan-sum bound c
// and the Chebyshev-radius bound r from spec §3: offsets (i,j,k) satisfy
// |i|+|j|+|k| <= c and max(|i|,|j|,|k|) <= r.
type nbShape struct {
	c, r      int32
	extraRing bool // level 32 adds the 6 axis-aligned offsets at distance 2
}

var nbShapes = map[int]nbShape{
	6:   {c: 1, r: 1},
	18:  {c: 2, r: 1},
	26:  {c: 3, r: 1},
	32:  {c: 3, r: 1, extraRing: true},
	56:  {c: 3, r: 2},
	92:  {c: 4, r: 2},
	116: {c: 5, r: 2},
	124: {c: 6, r: 2},
}

// ValidLevels is the set of connectivity levels accepted by NeighboursAt,
// exposed so CLI flag validation (spec §6) can reuse it.
var ValidLevels = []int{6, 18, 26, 32, 56, 92, 116, 124}

// NeighboursAt enumerates the physical neighbours of c at connectivity
// level, clipped to a dataset of size dataSize (exclusive upper bound per
// axis, i.e. valid coordinates run 0..dataSize.{X,Y,Z}-1), sorted by the
// (z,y,x) coordinate order.
func NeighboursAt(c Coord, level int, dataSize Coord) ([]Coord, error) {
	shape, ok := nbShapes[level]
	if !ok {
		return nil, herrors.InvalidInputf("neighbourhood level %d is not one of the allowed set", level)
	}

	offsets := make([][3]int32, 0, shape.c*shape.c*8)
	for i := -shape.r; i <= shape.r; i++ {
		for j := -shape.r; j <= shape.r; j++ {
			for k := -shape.r; k <= shape.r; k++ {
				if i == 0 && j == 0 && k == 0 {
					continue
				}
				if abs32(i)+abs32(j)+abs32(k) > shape.c {
					continue
				}
				offsets = append(offsets, [3]int32{i, j, k})
			}
		}
	}
	if shape.extraRing {
		offsets = append(offsets,
			[3]int32{2, 0, 0}, [3]int32{-2, 0, 0},
			[3]int32{0, 2, 0}, [3]int32{0, -2, 0},
			[3]int32{0, 0, 2}, [3]int32{0, 0, -2},
		)
	}

	out := make([]Coord, 0, len(offsets))
	for _, off := range offsets {
		nb := Coord{X: c.X + off[0], Y: c.Y + off[1], Z: c.Z + off[2]}
		if nb.X < 0 || nb.Y < 0 || nb.Z < 0 {
			continue
		}
		if nb.X >= dataSize.X || nb.Y >= dataSize.Y || nb.Z >= dataSize.Z {
			continue
		}
		out = append(out, nb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// Grid identifies the coordinate frame a dataset's coordinates are
// expressed in (spec §6's `imagesize` grid field).
type Grid int

const (
	GridVista Grid = iota
	GridNifti
	GridSurf
)

func ParseGrid(s string) (Grid, error) {
	switch s {
	case "vista":
		return GridVista, nil
	case "nifti":
		return GridNifti, nil
	case "surf":
		return GridSurf, nil
	default:
		return 0, herrors.InvalidInputf("unrecognised grid %q", s)
	}
}

func (g Grid) String() string {
	switch g {
	case GridVista:
		return "vista"
	case GridNifti:
		return "nifti"
	case GridSurf:
		return "surf"
	default:
		return "unknown"
	}
}

// Vista2Nifti flips y and z against (sy-1, sz-1).
func (c Coord) Vista2Nifti(dataSize Coord) Coord {
	return Coord{X: c.X, Y: dataSize.Y - 1 - c.Y, Z: dataSize.Z - 1 - c.Z}
}

// Nifti2Vista is the same flip, applied in the opposite direction; vista
// and nifti conversion is its own inverse.
func (c Coord) Nifti2Vista(dataSize Coord) Coord {
	return c.Vista2Nifti(dataSize)
}

// Surf2Vista shifts by (sx-1)/2, (sy-1)/2, (sz-1)/2 and flips y, z.
func (c Coord) Surf2Vista(dataSize Coord) Coord {
	hx := (dataSize.X - 1) / 2
	hy := (dataSize.Y - 1) / 2
	hz := (dataSize.Z - 1) / 2
	shifted := Coord{X: c.X + hx, Y: c.Y + hy, Z: c.Z + hz}
	return Coord{X: shifted.X, Y: dataSize.Y - 1 - shifted.Y, Z: dataSize.Z - 1 - shifted.Z}
}
