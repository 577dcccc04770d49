// SPDX-License-Identifier: GPL-2.0-or-later

package distmatrix

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/datawire/dlib/dlog"

	"github.com/mpi-cbs/hclustering/lib/hcoord"
	"github.com/mpi-cbs/hclustering/lib/herrors"
)

// IndexFilename is the conventional name of the index file within a
// distance-matrix block directory, matching the original's
// MATRIX_INDEX_FILENAME.
const IndexFilename = "roi_index.txt"

// blockFilename returns the on-disk name of block (b1,b2), b1≤b2.
func blockFilename(b1, b2 uint32) string {
	return fmt.Sprintf("dist_block_%03d_%03d", b1, b2)
}

// Store manages reading (and writing) square blocks of an on-disk
// symmetric pairwise distance matrix, one resident block at a time, per
// spec §4.3. Grounded on the original distBlock class (distBlock.cpp):
// readIndex/loadBlock/getDistance/whichBlock/getBlockRange.
type Store struct {
	dir   string
	index *Index

	mu         sync.Mutex
	loaded     bool
	blockID1   uint32
	blockID2   uint32
	block      [][]float32
	rowCoords  []hcoord.Coord // coords resident in block row dimension (block == blockID1), offset order
	colCoords  []hcoord.Coord // coords resident in block column dimension (block == blockID2), offset order
	rowOffsets map[hcoord.Coord]int
	colOffsets map[hcoord.Coord]int
}

// Open parses dir's index file and returns a Store with no block
// resident yet.
func Open(dir string) (*Store, error) {
	f, err := os.Open(filepath.Join(dir, IndexFilename))
	if err != nil {
		return nil, herrors.Wrap(herrors.MissingData, "distmatrix: opening index file", err)
	}
	defer f.Close()

	idx, err := ParseIndex(f)
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, index: idx}, nil
}

// MaxBlockID returns the largest block id referenced by the index.
func (s *Store) MaxBlockID() uint32 { return s.index.MaxBlockID() }

// NumBlocks returns the total number of (b1,b2) blocks, b1≤b2, in the
// matrix.
func (s *Store) NumBlocks() uint32 { return s.index.NumBlocks() }

// WhichBlock returns the normalised (b1,b2) block id pair, b1≤b2, that
// holds the distance cell for (c1,c2).
func (s *Store) WhichBlock(c1, c2 hcoord.Coord) (b1, b2 uint32, err error) {
	return s.index.WhichBlock(c1, c2)
}

// LoadBlock brings block (b1,b2) resident, replacing whatever block was
// previously loaded. b1 and b2 are normalised internally, matching the
// original's "reads normalise (b1,b2) to b1≤b2" contract.
func (s *Store) LoadBlock(ctx context.Context, b1, b2 uint32) error {
	if b2 < b1 {
		b1, b2 = b2, b1
	}
	if b1 > s.index.maxBlockID || b2 > s.index.maxBlockID {
		return herrors.InvalidInputf("distmatrix: block (%d,%d) out of range (max %d)", b1, b2, s.index.maxBlockID)
	}

	path := filepath.Join(s.dir, blockFilename(b1, b2))
	dlog.Debugf(ctx, "distmatrix: loading block %s", path)
	block, err := readBlockFile(path)
	if err != nil {
		return herrors.Wrap(herrors.MissingData, fmt.Sprintf("distmatrix: loading block (%d,%d)", b1, b2), err)
	}

	var rowCoords, colCoords []hcoord.Coord
	for c, loc := range s.index.byCoord {
		if loc.block == b1 {
			rowCoords = append(rowCoords, c)
		}
		if loc.block == b2 {
			colCoords = append(colCoords, c)
		}
	}
	sortByOffset := func(coords []hcoord.Coord) {
		sort.Slice(coords, func(i, j int) bool {
			return s.index.byCoord[coords[i]].offset < s.index.byCoord[coords[j]].offset
		})
	}
	sortByOffset(rowCoords)
	sortByOffset(colCoords)

	rowOffsets := make(map[hcoord.Coord]int, len(rowCoords))
	for _, c := range rowCoords {
		rowOffsets[c] = int(s.index.byCoord[c].offset)
	}
	colOffsets := make(map[hcoord.Coord]int, len(colCoords))
	for _, c := range colCoords {
		colOffsets[c] = int(s.index.byCoord[c].offset)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockID1, s.blockID2 = b1, b2
	s.block = block
	s.rowCoords, s.colCoords = rowCoords, colCoords
	s.rowOffsets, s.colOffsets = rowOffsets, colOffsets
	s.loaded = true
	return nil
}

// LoadBlockFor loads whichever block holds the distance cell for
// (c1,c2).
func (s *Store) LoadBlockFor(ctx context.Context, c1, c2 hcoord.Coord) error {
	b1, b2, err := s.WhichBlock(c1, c2)
	if err != nil {
		return err
	}
	return s.LoadBlock(ctx, b1, b2)
}

// GetDistance returns the distance value between c1 and c2 from the
// currently resident block.
func (s *Store) GetDistance(c1, c2 hcoord.Coord) (float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return 0, herrors.PreconditionViolationf("distmatrix: no block loaded")
	}
	i1, ok := s.rowOffsets[c1]
	if !ok {
		return 0, herrors.MissingDataf("distmatrix: coordinate %s not within resident block's row range", c1)
	}
	i2, ok := s.colOffsets[c2]
	if !ok {
		return 0, herrors.MissingDataf("distmatrix: coordinate %s not within resident block's column range", c2)
	}
	return s.block[i1][i2], nil
}

// BlockRange reports the coordinate extents of the currently resident
// block: (first row, last row), (first col, last col), in offset order.
func (s *Store) BlockRange() (rowFirst, rowLast, colFirst, colLast hcoord.Coord, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		err = herrors.PreconditionViolationf("distmatrix: no block loaded")
		return
	}
	rowFirst, rowLast = s.rowCoords[0], s.rowCoords[len(s.rowCoords)-1]
	colFirst, colLast = s.colCoords[0], s.colCoords[len(s.colCoords)-1]
	return
}

// RowCoords returns the coordinates resident in the currently loaded
// block's row dimension, in offset order. Used by callers that need to
// sweep every cell of a block rather than look up one pair at a time
// (the graph-linkage builder's matrix-ingestion pass, spec §4.6).
func (s *Store) RowCoords() []hcoord.Coord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]hcoord.Coord, len(s.rowCoords))
	copy(out, s.rowCoords)
	return out
}

// ColCoords is RowCoords for the block's column dimension.
func (s *Store) ColCoords() []hcoord.Coord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]hcoord.Coord, len(s.colCoords))
	copy(out, s.colCoords)
	return out
}

// Size returns the number of rows/columns in the resident block.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.block)
}

// WriteBlock persists the currently resident block to its block file
// (used by a matrix-building tool, not by the tree builders).
func (s *Store) WriteBlock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return herrors.PreconditionViolationf("distmatrix: no block loaded")
	}
	path := filepath.Join(s.dir, blockFilename(s.blockID1, s.blockID2))
	dlog.Debugf(ctx, "distmatrix: writing block %s", path)
	return writeBlockFile(path, s.block)
}

// blockFileMagic distinguishes a distance-matrix block file from other
// binary formats this module might encounter on disk.
const blockFileMagic uint32 = 0x68436c62 // "hClb"

func readBlockFile(path string) ([][]float32, error) {
	dat, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(dat) < 12 {
		return nil, fmt.Errorf("block file too short: %d bytes", len(dat))
	}
	magic := binary.LittleEndian.Uint32(dat[0:4])
	if magic != blockFileMagic {
		return nil, fmt.Errorf("block file has wrong magic number")
	}
	rows := binary.LittleEndian.Uint32(dat[4:8])
	cols := binary.LittleEndian.Uint32(dat[8:12])
	want := 12 + int(rows)*int(cols)*4
	if len(dat) != want {
		return nil, fmt.Errorf("block file size mismatch: have %d bytes, want %d for %dx%d", len(dat), want, rows, cols)
	}
	block := make([][]float32, rows)
	off := 12
	for r := range block {
		row := make([]float32, cols)
		for c := range row {
			row[c] = math.Float32frombits(binary.LittleEndian.Uint32(dat[off : off+4]))
			off += 4
		}
		block[r] = row
	}
	return block, nil
}

func writeBlockFile(path string, block [][]float32) error {
	rows := uint32(len(block))
	cols := uint32(0)
	if rows > 0 {
		cols = uint32(len(block[0]))
	}
	dat := make([]byte, 12+int(rows)*int(cols)*4)
	binary.LittleEndian.PutUint32(dat[0:4], blockFileMagic)
	binary.LittleEndian.PutUint32(dat[4:8], rows)
	binary.LittleEndian.PutUint32(dat[8:12], cols)
	off := 12
	for _, row := range block {
		for _, v := range row {
			binary.LittleEndian.PutUint32(dat[off:off+4], math.Float32bits(v))
			off += 4
		}
	}
	return os.WriteFile(path, dat, 0o644)
}
