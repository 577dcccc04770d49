// SPDX-License-Identifier: GPL-2.0-or-later

package htree

import "github.com/mpi-cbs/hclustering/lib/herrors"

// Check runs the structural invariant check every build must pass
// before serialising (spec §4.5 "failure semantics", §8 properties 7-8):
// every non-root has a parent, sizes agree with children, hlevel strictly
// increases towards the root, and there are no cycles.
func (t *Tree) Check() error {
	// A tree with no leaves and no nodes (every seed discarded) has
	// nothing to check.
	if len(t.Leaves) == 0 && len(t.Nodes) == 0 {
		return nil
	}
	root, err := t.Root()
	if err != nil {
		return err
	}

	for i, n := range t.Nodes {
		id := ID{Internal: true, Index: i}
		if id != root && n.Parent == NoParent {
			return herrors.StructuralInvariantf("htree: non-root node %s has no parent", id)
		}

		wantSize := 0
		for _, c := range n.Children {
			ci, err := t.nodeInfo(c)
			if err != nil {
				return err
			}
			wantSize += ci.size
			if ci.hlevel >= n.HLevel {
				return herrors.StructuralInvariantf("htree: node %s hlevel %d does not exceed child %s hlevel %d", id, n.HLevel, c, ci.hlevel)
			}
			p, err := t.Parent(c)
			if err != nil {
				return err
			}
			if p != id {
				return herrors.StructuralInvariantf("htree: child %s of %s does not point back to its parent", c, id)
			}
		}
		if wantSize != n.Size {
			return herrors.StructuralInvariantf("htree: node %s size %d does not equal sum of child sizes %d", id, n.Size, wantSize)
		}
	}

	for i, l := range t.Leaves {
		id := ID{Internal: false, Index: i}
		if id != root && l.Parent == NoParent {
			return herrors.StructuralInvariantf("htree: non-root leaf %s has no parent", id)
		}
	}

	if err := t.checkAcyclic(root); err != nil {
		return err
	}
	return nil
}

// checkAcyclic walks from every node up to the root, bounding the walk
// by the arena size; a walk that exceeds it indicates a cycle.
func (t *Tree) checkAcyclic(root ID) error {
	limit := len(t.Nodes) + len(t.Leaves) + 1
	for i := range t.Nodes {
		id := ID{Internal: true, Index: i}
		steps := 0
		for id != root {
			steps++
			if steps > limit {
				return herrors.StructuralInvariantf("htree: cycle detected walking up from node %s", ID{Internal: true, Index: i})
			}
			p, err := t.Parent(id)
			if err != nil {
				return err
			}
			if p == NoParent {
				return herrors.StructuralInvariantf("htree: node %s does not reach the root", ID{Internal: true, Index: i})
			}
			id = p
		}
	}
	return nil
}
