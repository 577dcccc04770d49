// SPDX-License-Identifier: GPL-2.0-or-later

package htree

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mpi-cbs/hclustering/lib/hcoord"
	"github.com/mpi-cbs/hclustering/lib/herrors"
	"github.com/mpi-cbs/hclustering/lib/roitext"
)

// Write serialises t in the spec §6 tree format: imagesize/streams
// header, coordinates, optional trackindex, clusters, optional
// discarded. Every cluster line starts with the cluster's own full-ID;
// debug additionally writes the parent id right after it.
func (t *Tree) Write(w io.Writer, debug bool) error {
	tw := roitext.NewWriter(w)

	sizeLine := fmt.Sprintf("%d %d %d %s", t.DataSize.X, t.DataSize.Y, t.DataSize.Z, t.Grid)
	if err := tw.Section("imagesize", []string{sizeLine}); err != nil {
		return err
	}
	if err := tw.Section("streams", []string{strconv.FormatUint(t.Streamlines, 10)}); err != nil {
		return err
	}

	coordLines := make([]string, len(t.Leaves))
	for i, l := range t.Leaves {
		coordLines[i] = fmt.Sprintf("%d %d %d", l.Coord.X, l.Coord.Y, l.Coord.Z)
	}
	if err := tw.Section("coordinates", coordLines); err != nil {
		return err
	}

	if t.TrackIDs != nil {
		trackLines := make([]string, len(t.TrackIDs))
		for i, id := range t.TrackIDs {
			trackLines[i] = strconv.FormatInt(id, 10)
		}
		if err := tw.Section("trackindex", trackLines); err != nil {
			return err
		}
	}

	clusterLines := make([]string, len(t.Nodes))
	for i, n := range t.Nodes {
		id := ID{Internal: true, Index: i}
		children := make([]string, len(n.Children))
		for j, c := range n.Children {
			children[j] = c.String()
		}
		var line string
		if debug {
			line = fmt.Sprintf("%s %s %g %d %d %s", id, n.Parent, n.Height, n.Size, n.HLevel, strings.Join(children, " "))
		} else {
			line = fmt.Sprintf("%s %g %d %d %s", id, n.Height, n.Size, n.HLevel, strings.Join(children, " "))
		}
		clusterLines[i] = line
	}
	if err := tw.Section("clusters", clusterLines); err != nil {
		return err
	}

	if len(t.Discarded) > 0 {
		discLines := make([]string, len(t.Discarded))
		for i, c := range t.Discarded {
			discLines[i] = fmt.Sprintf("%d %d %d", c.X, c.Y, c.Z)
		}
		if err := tw.Section("discarded", discLines); err != nil {
			return err
		}
	}
	return nil
}

// Read parses a tree serialised by Write. debug must match the flag
// used at write time.
func Read(r io.Reader, name string, debug bool) (*Tree, error) {
	sections, err := roitext.Parse(r)
	if err != nil {
		return nil, herrors.Wrap(herrors.InvalidInput, "htree: parsing tree file", err)
	}

	sizeLine, err := sections.RequireSingle("imagesize")
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(sizeLine)
	if len(fields) != 4 {
		return nil, herrors.InvalidInputf("htree: malformed imagesize line %q", sizeLine)
	}
	dataSize, err := parseCoord(fields[0], fields[1], fields[2])
	if err != nil {
		return nil, err
	}
	grid, err := hcoord.ParseGrid(fields[3])
	if err != nil {
		return nil, err
	}

	streamsLine, err := sections.RequireSingle("streams")
	if err != nil {
		return nil, err
	}
	streams, err := strconv.ParseUint(streamsLine, 10, 64)
	if err != nil {
		return nil, herrors.InvalidInputf("htree: malformed streams line %q", streamsLine)
	}

	t := New(name, grid, dataSize, streams)

	coordLines, err := sections.Require("coordinates")
	if err != nil {
		return nil, err
	}
	for _, line := range coordLines {
		f := strings.Fields(line)
		if len(f) != 3 {
			return nil, herrors.InvalidInputf("htree: malformed coordinate line %q", line)
		}
		c, err := parseCoord(f[0], f[1], f[2])
		if err != nil {
			return nil, err
		}
		t.AppendLeaf(c)
	}

	if trackLines, ok := sections["trackindex"]; ok {
		t.TrackIDs = make([]int64, len(trackLines))
		for i, line := range trackLines {
			v, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
			if err != nil {
				return nil, herrors.InvalidInputf("htree: malformed trackindex line %q", line)
			}
			t.TrackIDs[i] = v
		}
	}

	clusterLines, err := sections.Require("clusters")
	if err != nil {
		return nil, err
	}
	for i, line := range clusterLines {
		n, err := parseClusterLine(line, debug)
		if err != nil {
			return nil, err
		}
		wantID := ID{Internal: true, Index: i}
		if n.selfID != wantID {
			return nil, herrors.InvalidInputf("htree: cluster line %d declares id %s, expected %s", i, n.selfID, wantID)
		}
		t.Nodes = append(t.Nodes, n.node)
	}
	for i, n := range t.Nodes {
		id := ID{Internal: true, Index: i}
		for _, c := range n.Children {
			if err := t.setParent(c, id); err != nil {
				return nil, err
			}
		}
	}
	if discLines, ok := sections["discarded"]; ok {
		t.Discarded = make([]hcoord.Coord, len(discLines))
		for i, line := range discLines {
			f := strings.Fields(line)
			if len(f) != 3 {
				return nil, herrors.InvalidInputf("htree: malformed discarded line %q", line)
			}
			c, err := parseCoord(f[0], f[1], f[2])
			if err != nil {
				return nil, err
			}
			t.Discarded[i] = c
		}
	}

	return t, nil
}

func parseCoord(xs, ys, zs string) (hcoord.Coord, error) {
	x, errX := strconv.Atoi(xs)
	y, errY := strconv.Atoi(ys)
	z, errZ := strconv.Atoi(zs)
	if errX != nil || errY != nil || errZ != nil {
		return hcoord.Coord{}, herrors.InvalidInputf("htree: malformed coordinate (%q,%q,%q)", xs, ys, zs)
	}
	return hcoord.Coord{X: int32(x), Y: int32(y), Z: int32(z)}, nil
}

func parseID(s string) (ID, error) {
	if len(s) < 2 {
		return ID{}, herrors.InvalidInputf("htree: malformed full-id %q", s)
	}
	idx, err := strconv.Atoi(s[1:])
	if err != nil {
		return ID{}, herrors.InvalidInputf("htree: malformed full-id %q", s)
	}
	switch s[0] {
	case 'n':
		return ID{Internal: true, Index: idx}, nil
	case 'l':
		return ID{Internal: false, Index: idx}, nil
	default:
		return ID{}, herrors.InvalidInputf("htree: malformed full-id %q", s)
	}
}

type parsedCluster struct {
	selfID ID
	node   Node
}

func parseClusterLine(line string, debug bool) (parsedCluster, error) {
	f := strings.Fields(line)
	minFields := 4
	if debug {
		minFields = 5
	}
	if len(f) < minFields {
		return parsedCluster{}, herrors.InvalidInputf("htree: malformed cluster line %q", line)
	}

	var pc parsedCluster
	i := 0
	selfID, err := parseID(f[i])
	if err != nil {
		return parsedCluster{}, err
	}
	pc.selfID = selfID
	i++
	if debug {
		parentID, err := parseID(f[i])
		if err != nil {
			return parsedCluster{}, err
		}
		pc.node.Parent = parentID
		i++
	} else {
		pc.node.Parent = NoParent
	}

	height, err := strconv.ParseFloat(f[i], 64)
	if err != nil {
		return parsedCluster{}, herrors.InvalidInputf("htree: malformed height in cluster line %q", line)
	}
	pc.node.Height = height
	i++

	size, err := strconv.Atoi(f[i])
	if err != nil {
		return parsedCluster{}, herrors.InvalidInputf("htree: malformed size in cluster line %q", line)
	}
	pc.node.Size = size
	i++

	hlevel, err := strconv.Atoi(f[i])
	if err != nil {
		return parsedCluster{}, herrors.InvalidInputf("htree: malformed hlevel in cluster line %q", line)
	}
	pc.node.HLevel = hlevel
	i++

	for _, tok := range f[i:] {
		id, err := parseID(tok)
		if err != nil {
			return parsedCluster{}, err
		}
		pc.node.Children = append(pc.node.Children, id)
	}
	return pc, nil
}
