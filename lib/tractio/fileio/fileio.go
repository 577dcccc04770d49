// SPDX-License-Identifier: GPL-2.0-or-later

// Package fileio is the concrete tractio.Adapter implementation against
// the on-disk formats spec §6 specifies: the ROI text file (tags
// imagesize/streams/roi/trackindex) and the compact tract binary format
// (a `[bit_width][length]` header followed by the declared element
// count, optionally gzip-compressed). It does not read or write NIfTI,
// Vista or surface-projection image volumes — producing compact tracts
// from raw streamline data against a 3-D mask remains out of scope, per
// spec's Non-goals; this package only moves already-compacted tracts
// between disk and memory. Grounded on lib/distmatrix/block.go's binary
// encoding conventions (magic-free here since the bit-width field
// already discriminates the format) and lib/roitext for the text forms.
package fileio

import (
	"compress/gzip"
	"context"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mpi-cbs/hclustering/lib/hcoord"
	"github.com/mpi-cbs/hclustering/lib/herrors"
	"github.com/mpi-cbs/hclustering/lib/htree"
	"github.com/mpi-cbs/hclustering/lib/roitext"
	"github.com/mpi-cbs/hclustering/lib/tract"
	"github.com/mpi-cbs/hclustering/lib/tractio"
)

// Adapter is a tractio.Adapter backed by a directory of compact tract
// files, named after the spec §9 full-ID convention (l<index>/n<index>).
type Adapter struct {
	dir      string
	flipPerm []int // nil if FlipX is never exercised by this dataset
	gzip     bool  // whether tract files carry a .gz suffix
}

var _ tractio.Adapter = (*Adapter)(nil)

// New builds an Adapter rooted at dir. gzip controls whether tract files
// are read/written with a .gz suffix and gzip framing, per spec §6.
// flipPerm may be nil if FlipX is never called.
func New(dir string, gzip bool, flipPerm []int) *Adapter {
	return &Adapter{dir: dir, flipPerm: flipPerm, gzip: gzip}
}

func (a *Adapter) leafPath(seedIndex int) string {
	return a.tractPath(htree.ID{Internal: false, Index: seedIndex})
}

func (a *Adapter) nodePath(nodeIndex int) string {
	return a.tractPath(htree.ID{Internal: true, Index: nodeIndex})
}

func (a *Adapter) tractPath(id htree.ID) string {
	name := "tract_" + id.String()
	if a.gzip {
		name += ".gz"
	}
	return filepath.Join(a.dir, name)
}

// ReadROI parses the ROI text file at path (spec §6).
func (a *Adapter) ReadROI(_ context.Context, path string) (*tractio.ROI, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, herrors.Wrap(herrors.MissingData, "fileio: opening ROI file", err)
	}
	defer f.Close()

	sections, err := roitext.Parse(f)
	if err != nil {
		return nil, err
	}

	sizeLine, err := sections.RequireSingle("imagesize")
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(sizeLine)
	if len(fields) != 4 {
		return nil, herrors.InvalidInputf("fileio: malformed imagesize line %q", sizeLine)
	}
	dataSize, err := parseXYZ(fields[0], fields[1], fields[2])
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
		return nil, herrors.InvalidInputf("fileio: malformed streams line %q", streamsLine)
	}

	roiLines, err := sections.Require("roi")
	if err != nil {
		return nil, err
	}
	coords := make([]hcoord.Coord, len(roiLines))
	for i, line := range roiLines {
		f := strings.Fields(line)
		if len(f) != 3 {
			return nil, herrors.InvalidInputf("fileio: malformed roi line %q", line)
		}
		c, err := parseXYZ(f[0], f[1], f[2])
		if err != nil {
			return nil, err
		}
		coords[i] = c
	}

	roi := &tractio.ROI{
		Grid:        grid,
		DataSize:    dataSize,
		Streamlines: streams,
		Coords:      coords,
	}

	if trackLines, ok := sections["trackindex"]; ok {
		if len(trackLines) != len(coords) {
			return nil, herrors.InvalidInputf("fileio: trackindex has %d entries, roi has %d", len(trackLines), len(coords))
		}
		roi.TrackIDs = make([]int64, len(trackLines))
		for i, line := range trackLines {
			v, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
			if err != nil {
				return nil, herrors.InvalidInputf("fileio: malformed trackindex line %q", line)
			}
			roi.TrackIDs[i] = v
		}
	} else if grid == hcoord.GridNifti {
		return nil, herrors.InvalidInputf("fileio: ROI is in nifti grid but carries no trackindex section")
	}

	return roi, nil
}

func parseXYZ(xs, ys, zs string) (hcoord.Coord, error) {
	x, errX := strconv.Atoi(xs)
	y, errY := strconv.Atoi(ys)
	z, errZ := strconv.Atoi(zs)
	if errX != nil || errY != nil || errZ != nil {
		return hcoord.Coord{}, herrors.InvalidInputf("fileio: malformed coordinate (%q,%q,%q)", xs, ys, zs)
	}
	return hcoord.Coord{X: int32(x), Y: int32(y), Z: int32(z)}, nil
}

// readTractHeader opens path (transparently un-gzipping if a.gzip),
// parses the `[bit_width][length]` header and returns a reader positioned
// at the first element together with the declared width and length; the
// elements themselves are left for the caller to decode.
func (a *Adapter) readTractHeader(path string) (io.ReadCloser, uint32, uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, herrors.Wrap(herrors.MissingData, "fileio: opening tract file", err)
	}
	var r io.Reader = f
	var closer io.Closer = f
	if a.gzip {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, 0, 0, herrors.Wrap(herrors.InvalidInput, "fileio: opening gzip tract file", err)
		}
		r = gz
		closer = multiCloser{gz, f}
	}
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		closer.Close()
		return nil, 0, 0, herrors.Wrap(herrors.InvalidInput, "fileio: reading tract header", err)
	}
	bitWidth := binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint32(header[4:8])
	return readCloserWrap{r, closer}, bitWidth, length, nil
}

type multiCloser struct {
	gz io.Closer
	f  io.Closer
}

func (m multiCloser) Close() error {
	err1 := m.gz.Close()
	err2 := m.f.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

type readCloserWrap struct {
	io.Reader
	io.Closer
}

// ReadCompactLeaf reads seedIndex's byte tract file, already in log
// units and un-thresholded per spec §4.4.
func (a *Adapter) ReadCompactLeaf(_ context.Context, seedIndex int) (*tract.Byte, error) {
	r, bitWidth, length, err := a.readTractHeader(a.leafPath(seedIndex))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if bitWidth != 8 {
		return nil, herrors.InvalidInputf("fileio: leaf tract for seed %d declares bit width %d, expected 8", seedIndex, bitWidth)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, herrors.Wrap(herrors.InvalidInput, "fileio: reading leaf tract body", err)
	}
	t := tract.NewByte(data)
	t.MarkInLogUnits()
	return t, nil
}

// ReadCompactNode reads nodeIndex's float tract file, already in log
// units and un-thresholded per spec §4.4.
func (a *Adapter) ReadCompactNode(_ context.Context, nodeIndex int) (*tract.Float, error) {
	r, bitWidth, length, err := a.readTractHeader(a.nodePath(nodeIndex))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if bitWidth != 32 {
		return nil, herrors.InvalidInputf("fileio: node tract for node %d declares bit width %d, expected 32", nodeIndex, bitWidth)
	}
	data := make([]float32, length)
	buf := make([]byte, 4*length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, herrors.Wrap(herrors.InvalidInput, "fileio: reading node tract body", err)
	}
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i : 4*i+4]))
	}
	t := tract.NewFloat(data)
	t.MarkInLogUnits()
	return t, nil
}

// WriteCompactNode writes nodeIndex's mean tractogram to node storage.
func (a *Adapter) WriteCompactNode(_ context.Context, nodeIndex int, t *tract.Float) error {
	path := a.nodePath(nodeIndex)
	f, err := os.Create(path)
	if err != nil {
		return herrors.Wrap(herrors.MissingData, "fileio: creating node tract file", err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if a.gzip {
		gz = gzip.NewWriter(f)
		w = gz
	}

	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], 32)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(t.Data)))
	if _, err := w.Write(header); err != nil {
		return herrors.Wrap(herrors.MissingData, "fileio: writing node tract header", err)
	}
	buf := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(buf[4*i:4*i+4], math.Float32bits(v))
	}
	if _, err := w.Write(buf); err != nil {
		return herrors.Wrap(herrors.MissingData, "fileio: writing node tract body", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return herrors.Wrap(herrors.MissingData, "fileio: closing gzip node tract", err)
		}
	}
	return nil
}

// DeleteCompactNode removes nodeIndex's on-disk tract file. Missing
// files are not an error: it is valid to call this on a node that was
// never written.
func (a *Adapter) DeleteCompactNode(_ context.Context, nodeIndex int) error {
	err := os.Remove(a.nodePath(nodeIndex))
	if err != nil && !os.IsNotExist(err) {
		return herrors.Wrap(herrors.MissingData, "fileio: deleting node tract file", err)
	}
	return nil
}

// FlipX returns a copy of t with its entries permuted by the configured
// left-right flip permutation.
func (a *Adapter) FlipX(_ context.Context, t *tract.Float) (*tract.Float, error) {
	if a.flipPerm == nil {
		return nil, herrors.MissingDataf("fileio: no flip permutation configured")
	}
	if len(a.flipPerm) != len(t.Data) {
		return nil, herrors.PreconditionViolationf("fileio: flip permutation length mismatch (%d vs %d)", len(a.flipPerm), len(t.Data))
	}
	out := make([]float32, len(t.Data))
	for i, p := range a.flipPerm {
		out[i] = t.Data[p]
	}
	return tract.NewFloat(out), nil
}

// TractBytes estimates a tract's resident size for the bounded cache's
// byte-budget accounting: the raw element storage plus a fixed
// bookkeeping overhead for the backing slice header and metadata.
func (a *Adapter) TractBytes(elements int, precisionBits int) int64 {
	return int64(elements*precisionBits/8) + 64
}
