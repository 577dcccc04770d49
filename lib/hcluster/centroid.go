// SPDX-License-Identifier: GPL-2.0-or-later

// centroid.go implements the centroid agglomerative builder of spec §4.5:
// neighbourhood initialisation with outlier discard, an optional
// base-growing phase, and the main merge loop. Grounded on cnbTreeBuilder.h's
// documented method contracts (no .cpp implementation was retrieved for
// this class) and on protoNode's updateNbhood/rescan semantics, re-expressed
// against htree.Tree, tractcache's bounded caches and the tractio.Adapter
// boundary. The per-seed neighbourhood scan is the data-parallel region
// spec §5 calls out, run with the teacher's dgroup idiom
// (lib/btrfsutil.ScanDevices).
package hcluster

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/mpi-cbs/hclustering/lib/hcoord"
	"github.com/mpi-cbs/hclustering/lib/herrors"
	"github.com/mpi-cbs/hclustering/lib/htree"
	"github.com/mpi-cbs/hclustering/lib/tract"
	"github.com/mpi-cbs/hclustering/lib/tractcache"
	"github.com/mpi-cbs/hclustering/lib/tractio"
)

// BaseMode selects the optional base-growing phase of spec §4.5: off, or
// restricted to merges that keep every base group's leaf count under a
// size cap, or restricted to stop once the number of active groups
// reaches a target count.
type BaseMode int

const (
	BaseOff BaseMode = iota
	BaseGrowToSize
	BaseGrowToCount
)

// CentroidConfig is the tunable parameter set of spec §4.5/§6.
type CentroidConfig struct {
	Level          int     // neighbourhood connectivity level (hcoord.ValidLevels)
	CacheBytes      int64   // total byte budget, split between the leaf and node caches
	ThresholdRatio float64 // r: threshold = log10(r*K)/logFactor
	MaxNbDist      float64 // tau: seeds with no neighbour closer than this are discarded as outliers

	Base     BaseMode
	BaseSize int // BaseGrowToSize target
	BaseCount int // BaseGrowToCount target

	Threads int // bounds the neighbourhood scan's concurrency; 0 means unbounded
}

// Stats reports the cache and comparison counters spec §8's property
// checks assert over.
type Stats struct {
	LeafHits, LeafMisses int64
	NodeHits, NodeMisses int64
	Comparisons          int64
}

// CentroidBuilder builds a tree by agglomerative merging over a spatial
// neighbourhood graph of ROI seeds (spec §4.5).
type CentroidBuilder struct {
	io         tractio.Adapter
	leafCache  *tractcache.LeafCache
	nodeCache  *tractcache.NodeCache
	cfg        CentroidConfig
	comparisons int64

	logFactor float64
	byteTheta uint8
	floatTheta float32
}

// NewCentroidBuilder constructs a builder over adapter with cfg, splitting
// cfg.CacheBytes evenly between the leaf-precision and node-precision
// caches; spec §3 describes a single bounded-budget cache concept but
// tracks leaf and node hit/miss counters independently, which this module
// expresses as two separately-budgeted caches.
func NewCentroidBuilder(adapter tractio.Adapter, cfg CentroidConfig) *CentroidBuilder {
	half := cfg.CacheBytes / 2
	if half <= 0 {
		half = 1
	}
	return &CentroidBuilder{
		io:        adapter,
		leafCache: tractcache.NewLeafCache(half),
		nodeCache: tractcache.NewNodeCache(half),
		cfg:       cfg,
	}
}

// Build constructs the full tree for the ROI at roiPath.
func (b *CentroidBuilder) Build(ctx context.Context, roiPath string) (*htree.Tree, Stats, error) {
	roi, err := b.io.ReadROI(ctx, roiPath)
	if err != nil {
		return nil, Stats{}, err
	}

	b.logFactor = 0
	if roi.Streamlines > 1 {
		b.logFactor = math.Log10(float64(roi.Streamlines))
	}
	theta := 0.0
	if b.logFactor != 0 {
		theta = math.Log10(b.cfg.ThresholdRatio*float64(roi.Streamlines)) / b.logFactor
	}
	b.floatTheta = float32(theta)
	bt := theta * 255.0
	switch {
	case bt < 0:
		bt = 0
	case bt > 255:
		bt = 255
	}
	b.byteTheta = uint8(bt)

	n := len(roi.Coords)
	coordIndex := make(map[hcoord.Coord]int, n)
	for i, c := range roi.Coords {
		coordIndex[c] = i
	}

	nbrOf, err := b.scanNeighbourhood(ctx, roi, coordIndex)
	if err != nil {
		return nil, Stats{}, err
	}

	tree := htree.New(roiPath, roi.Grid, roi.DataSize, roi.Streamlines)
	arena := newProtoArena()
	sizeOf := make(map[htree.ID]int)
	finalID := make([]htree.ID, n)
	accepted := make([]bool, n)
	var discardedCoords []hcoord.Coord
	var acceptedTrackIDs []int64

	for i := 0; i < n; i++ {
		minDist := noNeighbour
		for _, d := range nbrOf[i] {
			if d < minDist {
				minDist = d
			}
		}
		if minDist > b.cfg.MaxNbDist {
			discardedCoords = append(discardedCoords, roi.Coords[i])
			continue
		}
		accepted[i] = true
		id := tree.AppendLeaf(roi.Coords[i])
		finalID[i] = id
		sizeOf[id] = 1
		arena.put(id, newProtoNode())
		if roi.TrackIDs != nil {
			acceptedTrackIDs = append(acceptedTrackIDs, roi.TrackIDs[i])
		}
	}
	tree.Discarded = append(tree.Discarded, roi.Discarded...)
	tree.Discarded = append(tree.Discarded, discardedCoords...)
	if roi.TrackIDs != nil {
		tree.TrackIDs = acceptedTrackIDs
	}

	for i := 0; i < n; i++ {
		if !accepted[i] {
			continue
		}
		p, err := arena.get(finalID[i])
		if err != nil {
			return nil, Stats{}, err
		}
		for j, d := range nbrOf[i] {
			if !accepted[j] {
				continue
			}
			p.setDist(finalID[j], d)
		}
	}

	if b.cfg.Base != BaseOff {
		if err := b.runBasePhase(ctx, arena, sizeOf, tree); err != nil {
			return nil, Stats{}, err
		}
	}

	if err := b.runMergeLoop(ctx, arena, sizeOf, tree); err != nil {
		return nil, Stats{}, err
	}

	if err := tree.Check(); err != nil {
		return nil, Stats{}, err
	}

	stats := Stats{Comparisons: atomic.LoadInt64(&b.comparisons)}
	stats.LeafHits, stats.LeafMisses = b.leafCache.Stats()
	stats.NodeHits, stats.NodeMisses = b.nodeCache.Stats()
	return tree, stats, nil
}

// scanNeighbourhood runs the data-parallel per-seed neighbourhood scan:
// for every seed, enumerate its physical neighbours at cfg.Level and
// compute the leaf-leaf dissimilarity to every accepted-by-index (j >= i)
// neighbour present in the ROI. Each goroutine only ever touches its own
// seed's edges; edges are merged into the shared map serially afterwards,
// so no proto-node or map is ever written from two goroutines at once.
func (b *CentroidBuilder) scanNeighbourhood(ctx context.Context, roi *tractio.ROI, coordIndex map[hcoord.Coord]int) ([]map[int]float64, error) {
	n := len(roi.Coords)
	type pairDist struct {
		i, j int
		d    float64
	}
	results := make([][]pairDist, n)

	var sem chan struct{}
	if b.cfg.Threads > 0 {
		sem = make(chan struct{}, b.cfg.Threads)
	}

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		i := i
		grp.Go(fmt.Sprintf("seed-%d", i), func(ctx context.Context) error {
			ctx = dlog.WithField(ctx, "hcluster.scanneighbourhood.seed", i)
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			nbs, err := hcoord.NeighboursAt(roi.Coords[i], b.cfg.Level, roi.DataSize)
			if err != nil {
				return err
			}
			dlog.Tracef(ctx, "scanned %d physical neighbours", len(nbs))
			var local []pairDist
			for _, nb := range nbs {
				j, ok := coordIndex[nb]
				if !ok || j <= i {
					continue
				}
				d, err := b.distanceLeafLeaf(ctx, i, j)
				if err != nil {
					return err
				}
				local = append(local, pairDist{i, j, d})
			}
			mu.Lock()
			results[i] = local
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	nbrOf := make([]map[int]float64, n)
	for i := range nbrOf {
		nbrOf[i] = make(map[int]float64)
	}
	for _, local := range results {
		for _, pd := range local {
			nbrOf[pd.i][pd.j] = pd.d
			nbrOf[pd.j][pd.i] = pd.d
		}
	}
	return nbrOf, nil
}

func (b *CentroidBuilder) loadLeaf(ctx context.Context, idx int) (*tract.Byte, error) {
	t, err := b.io.ReadCompactLeaf(ctx, idx)
	if err != nil {
		return nil, err
	}
	t.Threshold(b.byteTheta)
	t.ComputeNorm()
	return t, nil
}

func (b *CentroidBuilder) loadNode(ctx context.Context, idx int) (*tract.Float, error) {
	t, err := b.io.ReadCompactNode(ctx, idx)
	if err != nil {
		return nil, err
	}
	t.Threshold(b.floatTheta)
	t.ComputeNorm()
	return t, nil
}

// naturalLeaf loads a pristine copy of seed idx's tract and converts it
// to a natural-units, un-thresholded float tract suitable as a
// JoinAverage operand. This bypasses the bounded cache: the cache holds
// exactly one (distance-ready, thresholded) instance per key, which
// cannot also serve as the pristine copy JoinAverage needs.
func (b *CentroidBuilder) naturalLeaf(ctx context.Context, idx int) (*tract.Float, error) {
	raw, err := b.io.ReadCompactLeaf(ctx, idx)
	if err != nil {
		return nil, err
	}
	f := raw.ToFloat()
	if err := f.UnLog(b.logFactor); err != nil {
		return nil, err
	}
	return f, nil
}

func (b *CentroidBuilder) naturalNode(ctx context.Context, idx int) (*tract.Float, error) {
	raw, err := b.io.ReadCompactNode(ctx, idx)
	if err != nil {
		return nil, err
	}
	if err := raw.UnLog(b.logFactor); err != nil {
		return nil, err
	}
	return raw, nil
}

func (b *CentroidBuilder) natural(ctx context.Context, id htree.ID) (*tract.Float, error) {
	if id.Internal {
		return b.naturalNode(ctx, id.Index)
	}
	return b.naturalLeaf(ctx, id.Index)
}

func (b *CentroidBuilder) tractBytesBytes(elements int) int64 {
	return b.io.TractBytes(elements, 8)
}

func (b *CentroidBuilder) tractBytesFloat(elements int) int64 {
	return b.io.TractBytes(elements, 32)
}

func (b *CentroidBuilder) distanceLeafLeaf(ctx context.Context, i, j int) (float64, error) {
	a, _, err := b.leafCache.Get(ctx, i, b.tractBytesBytes, b.loadLeaf)
	if err != nil {
		return 0, err
	}
	defer b.leafCache.Release(i)
	c, _, err := b.leafCache.Get(ctx, j, b.tractBytesBytes, b.loadLeaf)
	if err != nil {
		return 0, err
	}
	defer b.leafCache.Release(j)
	atomic.AddInt64(&b.comparisons, 1)
	return tract.DistanceBB(ctx, a, c)
}

// distanceBetween computes the dissimilarity between two arena
// participants, dispatching across the leaf/node precision combinations.
func (b *CentroidBuilder) distanceBetween(ctx context.Context, a, c htree.ID) (float64, error) {
	atomic.AddInt64(&b.comparisons, 1)
	switch {
	case !a.Internal && !c.Internal:
		ta, _, err := b.leafCache.Get(ctx, a.Index, b.tractBytesBytes, b.loadLeaf)
		if err != nil {
			return 0, err
		}
		defer b.leafCache.Release(a.Index)
		tc, _, err := b.leafCache.Get(ctx, c.Index, b.tractBytesBytes, b.loadLeaf)
		if err != nil {
			return 0, err
		}
		defer b.leafCache.Release(c.Index)
		return tract.DistanceBB(ctx, ta, tc)
	case a.Internal && c.Internal:
		ta, _, err := b.nodeCache.Get(ctx, a.Index, b.tractBytesFloat, b.loadNode)
		if err != nil {
			return 0, err
		}
		defer b.nodeCache.Release(a.Index)
		tc, _, err := b.nodeCache.Get(ctx, c.Index, b.tractBytesFloat, b.loadNode)
		if err != nil {
			return 0, err
		}
		defer b.nodeCache.Release(c.Index)
		return tract.DistanceFF(ctx, ta, tc)
	case a.Internal:
		return b.distanceMixed(ctx, a, c)
	default:
		return b.distanceMixed(ctx, c, a)
	}
}

// distanceMixed computes the distance between an internal node (node
// precision) and a leaf (byte precision). nodeID must be internal.
func (b *CentroidBuilder) distanceMixed(ctx context.Context, nodeID, leafID htree.ID) (float64, error) {
	tn, _, err := b.nodeCache.Get(ctx, nodeID.Index, b.tractBytesFloat, b.loadNode)
	if err != nil {
		return 0, err
	}
	defer b.nodeCache.Release(nodeID.Index)
	tl, _, err := b.leafCache.Get(ctx, leafID.Index, b.tractBytesBytes, b.loadLeaf)
	if err != nil {
		return 0, err
	}
	defer b.leafCache.Release(leafID.Index)
	return tract.DistanceFB(ctx, tn, tl)
}

// candidate is a prospective merge: the pair (u,v) with u.Less(v), and
// the recorded dissimilarity between them.
type candidate struct {
	u, v htree.ID
	d    float64
}

// pickGlobalMin scans every active proto-node's own nearest-neighbour
// slot and returns the overall minimum-distance pair, tie-broken by
// lexical order of (min(u,v), max(u,v)) per spec §5. Because the metric
// is symmetric, the globally minimal edge always appears as at least one
// endpoint's own nearest neighbour, so this scan finds it without
// requiring mutual agreement.
func pickGlobalMin(arena *protoArena, active []htree.ID) (candidate, bool, error) {
	var best candidate
	found := false
	for _, id := range active {
		p, err := arena.get(id)
		if err != nil {
			return candidate{}, false, err
		}
		nearID, nearDist := p.snapshot()
		if nearDist >= noNeighbour {
			continue
		}
		u, v := id, nearID
		if v.Less(u) {
			u, v = v, u
		}
		cand := candidate{u: u, v: v, d: nearDist}
		if !found || better(cand, best) {
			best = cand
			found = true
		}
	}
	return best, found, nil
}

func better(a, b candidate) bool {
	if a.d != b.d {
		return a.d < b.d
	}
	if a.u != b.u {
		return a.u.Less(b.u)
	}
	return a.v.Less(b.v)
}

// merge performs a single agglomerative step: appends a new tree node for
// (a,b), computes its mean tract via JoinAverage on natural-units copies
// of a and b, writes/re-reads/re-thresholds/caches the result, rewires
// every surviving neighbour of a and b, and retires a and b's proto-nodes
// and cached/on-disk state.
func (b *CentroidBuilder) merge(ctx context.Context, arena *protoArena, sizeOf map[htree.ID]int, tree *htree.Tree, a, c htree.ID, dist float64) (htree.ID, error) {
	sizeA, sizeC := sizeOf[a], sizeOf[c]
	nodeID, err := tree.AppendNode([]htree.ID{a, c}, dist)
	if err != nil {
		return htree.ID{}, err
	}

	naturalA, err := b.natural(ctx, a)
	if err != nil {
		return htree.ID{}, err
	}
	naturalC, err := b.natural(ctx, c)
	if err != nil {
		return htree.ID{}, err
	}
	mean, err := tract.JoinAverage(naturalA, naturalC, uint64(sizeA), uint64(sizeC))
	if err != nil {
		return htree.ID{}, err
	}
	if err := mean.DoLog(b.logFactor); err != nil {
		return htree.ID{}, err
	}
	if err := b.io.WriteCompactNode(ctx, nodeID.Index, mean); err != nil {
		return htree.ID{}, err
	}

	// Load the just-written tract back through the cache so it becomes
	// the canonical, distance-ready, resident copy for nodeID.
	if _, _, err := b.nodeCache.Get(ctx, nodeID.Index, b.tractBytesFloat, b.loadNode); err != nil {
		return htree.ID{}, err
	}
	b.nodeCache.Release(nodeID.Index)

	sizeOf[nodeID] = sizeA + sizeC
	newProto := newProtoNode()
	arena.put(nodeID, newProto)

	pa, err := arena.get(a)
	if err != nil {
		return htree.ID{}, err
	}
	pc, err := arena.get(c)
	if err != nil {
		return htree.ID{}, err
	}
	survivors := make(map[htree.ID]struct{})
	pa.mu.Lock()
	for id := range pa.nbrs {
		if id != a && id != c {
			survivors[id] = struct{}{}
		}
	}
	pa.mu.Unlock()
	pc.mu.Lock()
	for id := range pc.nbrs {
		if id != a && id != c {
			survivors[id] = struct{}{}
		}
	}
	pc.mu.Unlock()

	for s := range survivors {
		d, err := b.distanceBetween(ctx, nodeID, s)
		if err != nil {
			return htree.ID{}, err
		}
		newProto.setDist(s, d)
		ps, err := arena.get(s)
		if err != nil {
			return htree.ID{}, err
		}
		ps.replaceNeighbours(a, c, nodeID, d)
	}

	pa.markDiscarded()
	pc.markDiscarded()
	arena.remove(a)
	arena.remove(c)

	if a.Internal {
		b.nodeCache.Invalidate(a.Index)
		if err := b.io.DeleteCompactNode(ctx, a.Index); err != nil {
			return htree.ID{}, err
		}
	}
	if c.Internal {
		b.nodeCache.Invalidate(c.Index)
		if err := b.io.DeleteCompactNode(ctx, c.Index); err != nil {
			return htree.ID{}, err
		}
	}

	return nodeID, nil
}

// runMergeLoop repeatedly merges the globally closest active pair until
// at most one active proto-node remains.
func (b *CentroidBuilder) runMergeLoop(ctx context.Context, arena *protoArena, sizeOf map[htree.ID]int, tree *htree.Tree) error {
	for {
		active := arena.active()
		if len(active) <= 1 {
			return nil
		}
		cand, ok, err := pickGlobalMin(arena, active)
		if err != nil {
			return err
		}
		if !ok {
			return herrors.StructuralInvariantf("hcluster: %d active proto-nodes remain with no recorded neighbour between any of them", len(active))
		}
		if _, err := b.merge(ctx, arena, sizeOf, tree, cand.u, cand.v, cand.d); err != nil {
			return err
		}
	}
}

// runBasePhase runs the restricted base-growing phase of spec §4.5: each
// round, candidate merges are drawn from every active proto-node's own
// nearest-neighbour slot (mirroring pickGlobalMin's correctness argument),
// sorted by distance, and the first candidate that respects the
// configured size/count constraint is applied; candidates that would
// violate it are skipped for that round rather than merged. This
// restricted-greedy scan is a pragmatic stand-in for cnbTreeBuilder's
// base-phase selection, whose original implementation was not available
// to ground against (only its header declarations were retrieved).
func (b *CentroidBuilder) runBasePhase(ctx context.Context, arena *protoArena, sizeOf map[htree.ID]int, tree *htree.Tree) error {
	for {
		active := arena.active()
		if b.cfg.Base == BaseGrowToCount && len(active) <= b.cfg.BaseCount {
			return nil
		}
		if len(active) <= 1 {
			return nil
		}

		cands, err := candidatesForBasePhase(arena, active)
		if err != nil {
			return err
		}
		if len(cands) == 0 {
			return nil
		}
		sort.Slice(cands, func(i, j int) bool { return better(cands[i], cands[j]) })

		merged := false
		for _, cand := range cands {
			if b.cfg.Base == BaseGrowToSize {
				newSize := sizeOf[cand.u] + sizeOf[cand.v]
				if newSize > b.cfg.BaseSize {
					continue
				}
			}
			if _, err := b.merge(ctx, arena, sizeOf, tree, cand.u, cand.v, cand.d); err != nil {
				return err
			}
			merged = true
			break
		}
		if !merged {
			return nil
		}
	}
}

func candidatesForBasePhase(arena *protoArena, active []htree.ID) ([]candidate, error) {
	seen := make(map[[2]htree.ID]struct{})
	var out []candidate
	for _, id := range active {
		p, err := arena.get(id)
		if err != nil {
			return nil, err
		}
		nearID, nearDist := p.snapshot()
		if nearDist >= noNeighbour {
			continue
		}
		u, v := id, nearID
		if v.Less(u) {
			u, v = v, u
		}
		key := [2]htree.ID{u, v}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, candidate{u: u, v: v, d: nearDist})
	}
	return out, nil
}
