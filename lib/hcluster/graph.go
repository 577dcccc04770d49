// SPDX-License-Identifier: GPL-2.0-or-later

// graph.go implements the graph-linkage builder of spec §4.6: a
// lower-triangular in-memory distance matrix built from an on-disk
// distance-matrix block store, reduced by repeated nearest-pair merges
// under one of the five linkage rules. Grounded on graphTreeBuilder.h's
// documented lowestDist/lowestLocation row-tracking scheme, re-expressed
// against lib/distmatrix and htree.Tree; progress reporting for the
// block-ingestion sweep follows the teacher's lib/textui.Progress idiom
// (btrfsutil.ScanOneDevice).
package hcluster

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/mpi-cbs/hclustering/lib/distmatrix"
	"github.com/mpi-cbs/hclustering/lib/hcoord"
	"github.com/mpi-cbs/hclustering/lib/herrors"
	"github.com/mpi-cbs/hclustering/lib/htree"
	"github.com/mpi-cbs/hclustering/lib/textui"
	"github.com/mpi-cbs/hclustering/lib/tractio"
)

// Linkage names one of the five cluster-distance combination rules of
// spec §4.6.
type Linkage int

const (
	LinkageSingle Linkage = iota
	LinkageComplete
	LinkageAverage
	LinkageWeighted
	LinkageWard
)

func (l Linkage) String() string {
	switch l {
	case LinkageSingle:
		return "single"
	case LinkageComplete:
		return "complete"
	case LinkageAverage:
		return "average"
	case LinkageWeighted:
		return "weighted"
	case LinkageWard:
		return "ward"
	default:
		return "unknown"
	}
}

// ParseLinkage parses one of the five accepted linkage names.
func ParseLinkage(s string) (Linkage, error) {
	for _, l := range []Linkage{LinkageSingle, LinkageComplete, LinkageAverage, LinkageWeighted, LinkageWard} {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, herrors.InvalidInputf("hcluster: unknown linkage rule %q", s)
}

// combine applies the linkage rule merging clusters of size s1, s2 with
// existing distances d1 = d(i,k), d2 = d(j,k), per spec §4.6.
func (l Linkage) combine(s1, s2 int, d1, d2 float64) float64 {
	switch l {
	case LinkageSingle:
		return math.Min(d1, d2)
	case LinkageComplete:
		return math.Max(d1, d2)
	case LinkageAverage:
		return (float64(s1)*d1 + float64(s2)*d2) / float64(s1+s2)
	case LinkageWeighted:
		return (d1 + d2) / 2
	case LinkageWard:
		avg := (float64(s1)*d1 + float64(s2)*d2) / float64(s1+s2)
		return (float64(s1*s2) / float64(s1+s2)) * (avg - d1/2 - d2/2)
	default:
		return math.Min(d1, d2)
	}
}

// discardedDist is the sentinel written into matrix cells belonging to a
// retired slot: it exceeds any valid dissimilarity in [0,1].
const discardedDist = 3.0

// GraphConfig is the graph-linkage builder's tunable parameter set.
type GraphConfig struct {
	Linkage Linkage
	Threads int // bounds the per-row rescan's concurrency; 0 means unbounded
}

// GraphBuilder builds a tree by reducing a precomputed pairwise distance
// matrix (spec §4.6).
type GraphBuilder struct {
	io  tractio.Adapter
	cfg GraphConfig
}

// NewGraphBuilder constructs a builder over adapter (used only for
// ReadROI) with cfg.
func NewGraphBuilder(adapter tractio.Adapter, cfg GraphConfig) *GraphBuilder {
	return &GraphBuilder{io: adapter, cfg: cfg}
}

// Build constructs the full tree for the ROI at roiPath against the
// distance-matrix block store at matrixDir.
func (b *GraphBuilder) Build(ctx context.Context, roiPath, matrixDir string) (*htree.Tree, error) {
	roi, err := b.io.ReadROI(ctx, roiPath)
	if err != nil {
		return nil, err
	}
	store, err := distmatrix.Open(matrixDir)
	if err != nil {
		return nil, err
	}

	n := len(roi.Coords)
	coordIndex := make(map[hcoord.Coord]int, n)
	for i, c := range roi.Coords {
		coordIndex[c] = i
	}

	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, i)
	}

	if err := b.ingest(ctx, store, matrix, coordIndex); err != nil {
		return nil, err
	}

	tree := htree.New(fmt.Sprintf("graph-linkage-%s", b.cfg.Linkage), roi.Grid, roi.DataSize, roi.Streamlines)
	tree.Discarded = roi.Discarded
	tree.TrackIDs = roi.TrackIDs

	slotID := make([]htree.ID, n)
	size := make([]int, n)
	active := make([]bool, n)
	for i, c := range roi.Coords {
		slotID[i] = tree.AppendLeaf(c)
		size[i] = 1
		active[i] = true
	}

	lowestDist := make([]float64, n)
	lowestLoc := make([]int, n)
	getCell := func(a, b int) float64 {
		row, col := a, b
		if col > row {
			row, col = col, row
		}
		return matrix[row][col]
	}
	setCell := func(a, b int, v float64) {
		row, col := a, b
		if col > row {
			row, col = col, row
		}
		matrix[row][col] = v
	}
	rescanRow := func(i int) {
		best := discardedDist
		loc := -1
		for j := 0; j < i; j++ {
			if !active[j] {
				continue
			}
			if v := matrix[i][j]; v < best {
				best, loc = v, j
			}
		}
		lowestDist[i] = best
		lowestLoc[i] = loc
	}
	for i := 0; i < n; i++ {
		rescanRow(i)
	}

	for step := 0; step < n-1; step++ {
		ctx := dlog.WithField(ctx, "hcluster.graphreduce.step", step)
		q := -1
		best := discardedDist
		for i := 0; i < n; i++ {
			if !active[i] || lowestLoc[i] < 0 {
				continue
			}
			if lowestDist[i] < best {
				best, q = lowestDist[i], i
			}
		}
		if q < 0 {
			return nil, herrors.StructuralInvariantf("hcluster: graph reduction stalled with %d active slots remaining", activeCount(active))
		}
		p := lowestLoc[q]
		height := best

		s1, s2 := size[p], size[q]
		d1k := make(map[int]float64)
		d2k := make(map[int]float64)
		for k := 0; k < n; k++ {
			if !active[k] || k == p || k == q {
				continue
			}
			d1k[k] = getCell(p, k)
			d2k[k] = getCell(q, k)
		}

		newID, err := tree.AppendNode([]htree.ID{slotID[p], slotID[q]}, height)
		if err != nil {
			return nil, err
		}
		slotID[p] = newID
		size[p] = s1 + s2
		active[q] = false
		for k := range d1k {
			setCell(p, k, b.cfg.Linkage.combine(s1, s2, d1k[k], d2k[k]))
		}
		for k := 0; k < n; k++ {
			if k != p && k != q {
				setCell(q, k, discardedDist)
			}
		}

		rescanRow(p)
		if err := b.rescanRows(ctx, p, q, n, active, lowestDist, lowestLoc, getCell, rescanRow); err != nil {
			return nil, err
		}
		dlog.Tracef(ctx, "merged slots %d,%d at height %g under %s linkage", p, q, height, b.cfg.Linkage)
	}

	if err := tree.Check(); err != nil {
		return nil, err
	}
	return tree, nil
}

// rescanRows updates every surviving row r > p's nearest-neighbour slot
// after slots p and q were merged into p. This is the per-row matrix
// update parallel region spec §5 calls out alongside the per-seed
// neighbourhood scan: each goroutine only ever reads/writes its own row
// r's lowestDist[r]/lowestLoc[r] entries, so no shared-state locking is
// needed, mirroring centroid.go's scanNeighbourhood concurrency idiom.
func (b *GraphBuilder) rescanRows(ctx context.Context, p, q, n int, active []bool, lowestDist []float64, lowestLoc []int, getCell func(a, b int) float64, rescanRow func(int)) error {
	var sem chan struct{}
	if b.cfg.Threads > 0 {
		sem = make(chan struct{}, b.cfg.Threads)
	}

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	for r := p + 1; r < n; r++ {
		r := r
		if !active[r] || r == q {
			continue
		}
		grp.Go(fmt.Sprintf("row-%d", r), func(ctx context.Context) error {
			ctx = dlog.WithField(ctx, "hcluster.graphreduce.substep", r)
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			if lowestLoc[r] == p || lowestLoc[r] == q {
				rescanRow(r)
				return nil
			}
			if v := getCell(r, p); v < lowestDist[r] {
				lowestDist[r] = v
				lowestLoc[r] = p
				dlog.Tracef(ctx, "row %d's nearest neighbour is now the merged slot", r)
			}
			return nil
		})
	}
	return grp.Wait()
}

func activeCount(active []bool) int {
	n := 0
	for _, a := range active {
		if a {
			n++
		}
	}
	return n
}

// ingest sweeps the block store in row-major (b1,b2) order, copying each
// block's relevant cells into the in-memory lower-triangular matrix with
// index order swapped so the resident triangle stays the lower one.
func (b *GraphBuilder) ingest(ctx context.Context, store *distmatrix.Store, matrix [][]float64, coordIndex map[hcoord.Coord]int) error {
	maxBlock := store.MaxBlockID()
	progress := textui.NewProgress[textui.Portion[uint32]](ctx, dlog.LogLevelInfo, 2*time.Second)
	defer progress.Done()
	done := uint32(0)
	total := (maxBlock + 1) * (maxBlock + 2) / 2

	for b1 := uint32(0); b1 <= maxBlock; b1++ {
		for b2 := b1; b2 <= maxBlock; b2++ {
			if err := store.LoadBlock(ctx, b1, b2); err != nil {
				return err
			}
			rows := store.RowCoords()
			cols := store.ColCoords()
			for _, rc := range rows {
				ri, ok := coordIndex[rc]
				if !ok {
					continue
				}
				for _, cc := range cols {
					ci, ok := coordIndex[cc]
					if !ok || ci == ri {
						continue
					}
					d, err := store.GetDistance(rc, cc)
					if err != nil {
						return err
					}
					row, col := ri, ci
					if col > row {
						row, col = col, row
					}
					matrix[row][col] = float64(d)
				}
			}
			done++
			progress.Set(textui.Portion[uint32]{N: done, D: total})
		}
	}
	return nil
}
