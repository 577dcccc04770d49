// SPDX-License-Identifier: GPL-2.0-or-later

// Package hcluster implements the two tree-construction strategies of
// spec §4.5/§4.6: the centroid agglomerative builder (neighbourhood
// initialisation, optional base-growing phase, main merge loop) and the
// graph-linkage builder (row-minimum-tracked matrix reduction). Both
// produce an htree.Tree. Grounded on the original protoNode/cnbTreeBuilder/
// graphTreeBuilder classes, re-expressed with the teacher's dgroup
// parallel-region idiom (lib/btrfsutil.ScanDevices) for the two
// data-parallel regions spec §5 names (per-seed neighbourhood scans,
// per-row matrix updates), and with the teacher's per-shared-object mutex
// convention in place of boost::mutex.
package hcluster

import (
	"sync"

	"github.com/mpi-cbs/hclustering/lib/herrors"
	"github.com/mpi-cbs/hclustering/lib/htree"
)

// noNeighbour is the sentinel nearest-neighbour distance for a proto-node
// with no recorded neighbours, matching the original's noNbDist = 999: a
// value no valid dissimilarity (bounded to [0,1]) can reach.
const noNeighbour = 999.0

// protoNode is the transient per-cluster construction state of spec §3:
// current nearest neighbour (id + distance), the full map of neighbour
// distances, and active/discarded flags. Spec §5 routes concurrent
// updates that could touch a shared proto-node through that proto-node's
// own mutex.
type protoNode struct {
	mu sync.Mutex

	nearID   htree.ID
	nearDist float64
	nbrs     map[htree.ID]float64

	active    bool
	discarded bool
}

func newProtoNode() *protoNode {
	return &protoNode{nbrs: make(map[htree.ID]float64), nearDist: noNeighbour, active: true}
}

// setDist records (or overwrites) the distance to neighbour id, and
// refreshes the nearest-neighbour slot if id is now the closest (or was
// the previous nearest and may no longer be, forcing a rescan).
func (p *protoNode) setDist(id htree.ID, dist float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nbrs[id] = dist
	if dist < p.nearDist {
		p.nearID, p.nearDist = id, dist
	} else if p.nearID == id {
		p.rescanLocked()
	}
}

// dropNeighbour removes id from the neighbour map and rescans for a new
// nearest neighbour if id was it.
func (p *protoNode) dropNeighbour(id htree.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.nbrs, id)
	if p.nearID == id {
		p.rescanLocked()
	}
}

// replaceNeighbours removes oldA and oldB from the neighbour map,
// installs newID at newDist (the merged node's distance, which the
// caller has already computed), and rescans the nearest-neighbour slot
// only if the previous nearest was oldA or oldB — otherwise the new
// candidate is simply compared against the existing nearest, matching
// the original's updateNbhood contract.
func (p *protoNode) replaceNeighbours(oldA, oldB, newID htree.ID, newDist float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.nbrs, oldA)
	delete(p.nbrs, oldB)
	p.nbrs[newID] = newDist

	wasNearest := p.nearID == oldA || p.nearID == oldB
	if wasNearest {
		p.rescanLocked()
		return
	}
	if newDist < p.nearDist {
		p.nearID, p.nearDist = newID, newDist
	}
}

// rescanLocked recomputes the nearest neighbour from scratch. Caller
// must hold p.mu.
func (p *protoNode) rescanLocked() {
	p.nearDist = noNeighbour
	var nearID htree.ID
	for id, d := range p.nbrs {
		if d < p.nearDist {
			nearID, p.nearDist = id, d
		}
	}
	p.nearID = nearID
}

func (p *protoNode) snapshot() (nearID htree.ID, nearDist float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nearID, p.nearDist
}

func (p *protoNode) markDiscarded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discarded = true
	p.active = false
	p.nbrs = nil
}

func (p *protoNode) isActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// protoArena holds every live proto-node, keyed by the htree.ID its
// eventual tree node or leaf will carry.
type protoArena struct {
	mu    sync.RWMutex
	nodes map[htree.ID]*protoNode
}

func newProtoArena() *protoArena {
	return &protoArena{nodes: make(map[htree.ID]*protoNode)}
}

func (a *protoArena) put(id htree.ID, p *protoNode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nodes[id] = p
}

func (a *protoArena) get(id htree.ID) (*protoNode, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.nodes[id]
	if !ok {
		return nil, herrors.StructuralInvariantf("hcluster: no proto-node for %s", id)
	}
	return p, nil
}

func (a *protoArena) remove(id htree.ID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.nodes, id)
}

// active returns the ids of every currently active proto-node.
func (a *protoArena) active() []htree.ID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]htree.ID, 0, len(a.nodes))
	for id, p := range a.nodes {
		if p.isActive() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (a *protoArena) len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.nodes)
}
