// SPDX-License-Identifier: GPL-2.0-or-later

// Package memio is an in-memory tractio.Adapter test double: no real
// image format, just the compact vectors held in maps. It exists so the
// builders' tests have a fast, concrete collaborator to exercise against,
// per SPEC_FULL.md's "supplemented features" note — it is test
// infrastructure, not a competing NIfTI/Vista implementation.
package memio

import (
	"context"
	"sync"

	"github.com/mpi-cbs/hclustering/lib/herrors"
	"github.com/mpi-cbs/hclustering/lib/tract"
	"github.com/mpi-cbs/hclustering/lib/tractio"
)

// Adapter is a tractio.Adapter backed entirely by in-process maps.
type Adapter struct {
	ROI *tractio.ROI

	mu        sync.Mutex
	leaves    map[int][]uint8
	nodes     map[int]*tract.Float
	flipPerm  []int
	tractSize int
}

var _ tractio.Adapter = (*Adapter)(nil)

// New builds an Adapter serving the given ROI and leaf tractogram data
// (raw byte magnitudes, un-thresholded, in log units already as per
// ReadCompactLeaf's contract). flipPerm may be nil if FlipX is unused.
func New(roi *tractio.ROI, leafData map[int][]uint8, flipPerm []int) *Adapter {
	size := 0
	for _, d := range leafData {
		size = len(d)
		break
	}
	return &Adapter{
		ROI:       roi,
		leaves:    leafData,
		nodes:     make(map[int]*tract.Float),
		flipPerm:  flipPerm,
		tractSize: size,
	}
}

func (a *Adapter) ReadROI(_ context.Context, _ string) (*tractio.ROI, error) {
	if a.ROI == nil {
		return nil, herrors.MissingDataf("memio: no ROI configured")
	}
	return a.ROI, nil
}

func (a *Adapter) ReadCompactLeaf(_ context.Context, seedIndex int) (*tract.Byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.leaves[seedIndex]
	if !ok {
		return nil, herrors.MissingDataf("memio: no leaf tract for seed %d", seedIndex)
	}
	cp := make([]uint8, len(data))
	copy(cp, data)
	t := tract.NewByte(cp)
	t.MarkInLogUnits()
	return t, nil
}

func (a *Adapter) ReadCompactNode(_ context.Context, nodeIndex int) (*tract.Float, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.nodes[nodeIndex]
	if !ok {
		return nil, herrors.MissingDataf("memio: no node tract for node %d", nodeIndex)
	}
	return t.Clone(), nil
}

func (a *Adapter) WriteCompactNode(_ context.Context, nodeIndex int, t *tract.Float) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nodes[nodeIndex] = t.Clone()
	return nil
}

func (a *Adapter) DeleteCompactNode(_ context.Context, nodeIndex int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.nodes, nodeIndex)
	return nil
}

func (a *Adapter) FlipX(_ context.Context, t *tract.Float) (*tract.Float, error) {
	if a.flipPerm == nil {
		return nil, herrors.MissingDataf("memio: no flip permutation configured")
	}
	if len(a.flipPerm) != len(t.Data) {
		return nil, herrors.PreconditionViolationf("memio: flip permutation length mismatch")
	}
	out := make([]float32, len(t.Data))
	for i, p := range a.flipPerm {
		out[i] = t.Data[p]
	}
	return tract.NewFloat(out), nil
}

func (a *Adapter) TractBytes(elements int, precisionBits int) int64 {
	return int64(elements*precisionBits/8) + 64 // + fixed struct overhead
}
