// SPDX-License-Identifier: GPL-2.0-or-later

// Package htree implements the tree data model (spec §4.7, §3): an
// arena of leaves and internal nodes addressed by full-ID rather than
// pointer, plus text serialisation in the ROI-adjacent tagged-section
// format. Grounded on the "arena of nodes indexed by (is_internal,
// index) full-IDs; parent and child fields store IDs, never owning
// pointers" design note (spec §9), and on the original hClustering tree
// text layout (buildctree.cpp's writeTree call sites and
// roiLoader.cpp's tagged-section reading), re-expressed with
// lib/roitext for the on-disk format and the teacher's herrors
// conventions for invariant violations.
package htree

import (
	"github.com/mpi-cbs/hclustering/lib/hcoord"
	"github.com/mpi-cbs/hclustering/lib/herrors"
)

// ID names a node in the tree's arena: a leaf/internal tag plus an
// index into the corresponding slice. The zero ID is leaf 0.
type ID struct {
	Internal bool
	Index    int
}

// NoParent is the ID of the root's (absent) parent.
var NoParent = ID{Internal: true, Index: -1}

// Less gives ID a total order: leaves sort before internal nodes, and
// within the same kind, lower index sorts first. Used to break ties
// deterministically among equal-distance merge candidates (spec §5).
func (id ID) Less(other ID) bool {
	if id.Internal != other.Internal {
		return !id.Internal
	}
	return id.Index < other.Index
}

func (id ID) String() string {
	if id.Internal {
		return "n" + itoa(id.Index)
	}
	return "l" + itoa(id.Index)
}

func itoa(i int) string {
	if i < 0 {
		return "-" + itoa(-i)
	}
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

// Leaf is a tree leaf: a single ROI seed. Per spec §3: size=1, height=0,
// hlevel=0, no children.
type Leaf struct {
	Coord  hcoord.Coord
	Parent ID // NoParent if the tree has a single leaf and no internal nodes
}

// Node is an internal (merged) tree node.
type Node struct {
	Parent   ID // NoParent for the root
	Children []ID
	Size     int // leaf count in subtree
	Height   float64
	HLevel   int
}

// Tree is the arena-backed tree data model of spec §3/§4.7.
type Tree struct {
	Name        string
	Grid        hcoord.Grid
	DataSize    hcoord.Coord
	Streamlines uint64

	Leaves    []Leaf
	Nodes     []Node
	TrackIDs  []int64 // nil if the ROI carried no trackindex section
	Discarded []hcoord.Coord
}

// New builds an empty tree ready for leaves to be appended.
func New(name string, grid hcoord.Grid, dataSize hcoord.Coord, streamlines uint64) *Tree {
	return &Tree{Name: name, Grid: grid, DataSize: dataSize, Streamlines: streamlines}
}

// AppendLeaf appends a new leaf (initially parentless) and returns its ID.
func (t *Tree) AppendLeaf(c hcoord.Coord) ID {
	id := ID{Internal: false, Index: len(t.Leaves)}
	t.Leaves = append(t.Leaves, Leaf{Coord: c, Parent: NoParent})
	return id
}

// AppendNode appends a new internal node merging children, with the
// given height. Size and HLevel are derived from the children; each
// child's Parent is set to the new node's ID. Children must already
// exist in the arena.
func (t *Tree) AppendNode(children []ID, height float64) (ID, error) {
	if len(children) < 2 {
		return ID{}, herrors.PreconditionViolationf("htree: AppendNode requires at least 2 children, got %d", len(children))
	}
	size := 0
	hlevel := 0
	for _, c := range children {
		cn, err := t.nodeInfo(c)
		if err != nil {
			return ID{}, err
		}
		size += cn.size
		if cn.hlevel+1 > hlevel {
			hlevel = cn.hlevel + 1
		}
	}
	id := ID{Internal: true, Index: len(t.Nodes)}
	t.Nodes = append(t.Nodes, Node{
		Parent:   NoParent,
		Children: append([]ID(nil), children...),
		Size:     size,
		Height:   height,
		HLevel:   hlevel,
	})
	for _, c := range children {
		if err := t.setParent(c, id); err != nil {
			return ID{}, err
		}
	}
	return id, nil
}

type nodeInfo struct {
	size   int
	hlevel int
}

func (t *Tree) nodeInfo(id ID) (nodeInfo, error) {
	if id.Internal {
		if id.Index < 0 || id.Index >= len(t.Nodes) {
			return nodeInfo{}, herrors.StructuralInvariantf("htree: node id %s out of range", id)
		}
		n := t.Nodes[id.Index]
		return nodeInfo{size: n.Size, hlevel: n.HLevel}, nil
	}
	if id.Index < 0 || id.Index >= len(t.Leaves) {
		return nodeInfo{}, herrors.StructuralInvariantf("htree: leaf id %s out of range", id)
	}
	return nodeInfo{size: 1, hlevel: 0}, nil
}

func (t *Tree) setParent(id, parent ID) error {
	if id.Internal {
		if id.Index < 0 || id.Index >= len(t.Nodes) {
			return herrors.StructuralInvariantf("htree: node id %s out of range", id)
		}
		t.Nodes[id.Index].Parent = parent
		return nil
	}
	if id.Index < 0 || id.Index >= len(t.Leaves) {
		return herrors.StructuralInvariantf("htree: leaf id %s out of range", id)
	}
	t.Leaves[id.Index].Parent = parent
	return nil
}

// Parent returns id's parent, or NoParent if id is the root.
func (t *Tree) Parent(id ID) (ID, error) {
	if id.Internal {
		if id.Index < 0 || id.Index >= len(t.Nodes) {
			return ID{}, herrors.StructuralInvariantf("htree: node id %s out of range", id)
		}
		return t.Nodes[id.Index].Parent, nil
	}
	if id.Index < 0 || id.Index >= len(t.Leaves) {
		return ID{}, herrors.StructuralInvariantf("htree: leaf id %s out of range", id)
	}
	return t.Leaves[id.Index].Parent, nil
}

// Root returns the root node's ID: the unique node (or lone leaf) with
// no parent.
func (t *Tree) Root() (ID, error) {
	if len(t.Nodes) == 0 {
		if len(t.Leaves) == 1 {
			return ID{Internal: false, Index: 0}, nil
		}
		return ID{}, herrors.StructuralInvariantf("htree: tree has %d leaves and no internal nodes", len(t.Leaves))
	}
	var root ID
	found := 0
	for i, n := range t.Nodes {
		if n.Parent == NoParent {
			root = ID{Internal: true, Index: i}
			found++
		}
	}
	if found != 1 {
		return ID{}, herrors.StructuralInvariantf("htree: expected exactly 1 root, found %d", found)
	}
	return root, nil
}
