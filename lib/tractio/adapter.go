// SPDX-License-Identifier: GPL-2.0-or-later

// Package tractio defines the tract I/O adapter contract (spec §4.4):
// the external collaborator that converts between on-disk compact tract
// files and the in-memory tract.Byte/tract.Float vectors the builders
// operate on, plus the ROI reader. Concrete formats (NIfTI, Vista,
// surface projection) are out of scope for this module; Adapter is
// consumed purely as an interface, following the teacher's
// `fileManagerFactory` → explicit-config-object generalisation noted in
// spec §9.
package tractio

import (
	"context"

	"github.com/mpi-cbs/hclustering/lib/hcoord"
	"github.com/mpi-cbs/hclustering/lib/tract"
)

// ROI is the parsed content of a ROI file (spec §6): the grid frame and
// dataset size, the streamline count per seed, the ordered seed
// coordinates, and (for nifti-grid volume seeds) a per-leaf track-id.
type ROI struct {
	Grid        hcoord.Grid
	DataSize    hcoord.Coord
	Streamlines uint64
	Coords      []hcoord.Coord
	TrackIDs    []int64 // nil if the ROI carried no #trackindex section
	Discarded   []hcoord.Coord
}

// Adapter is the set of operations the builders consume from the tract
// I/O layer (spec §4.4). A concrete implementation backs this with actual
// NIfTI/Vista readers and a 3-D mask; this module only specifies the
// interface and exercises it against the memio test double.
type Adapter interface {
	// ReadROI parses a ROI file (spec §6).
	ReadROI(ctx context.Context, path string) (*ROI, error)

	// ReadCompactLeaf loads seed seedIndex's tractogram: a byte tract,
	// in log units, un-thresholded.
	ReadCompactLeaf(ctx context.Context, seedIndex int) (*tract.Byte, error)

	// ReadCompactNode loads merged-node nodeIndex's mean tractogram: a
	// float tract, in log units, un-thresholded.
	ReadCompactNode(ctx context.Context, nodeIndex int) (*tract.Float, error)

	// WriteCompactNode writes nodeIndex's mean tractogram to node
	// storage.
	WriteCompactNode(ctx context.Context, nodeIndex int, t *tract.Float) error

	// DeleteCompactNode removes nodeIndex's on-disk tract file. It is
	// valid to call this on a node that was never written.
	DeleteCompactNode(ctx context.Context, nodeIndex int) error

	// FlipX returns a copy of t with its compact-vector entries permuted
	// according to a pre-computed left-right flip permutation.
	FlipX(ctx context.Context, t *tract.Float) (*tract.Float, error)

	// TractBytes estimates the resident size in bytes of a tract with
	// the given element count and precision, for the bounded cache's
	// byte-budget accounting (spec §3 Bounded tract cache).
	TractBytes(elements int, precisionBits int) int64
}
