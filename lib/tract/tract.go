// SPDX-License-Identifier: GPL-2.0-or-later

// Package tract implements the compact tractogram vector and the
// normalized-dot-product dissimilarity metric (spec §4.1). Two precisions
// are supported: Float (32-bit, node/mean tracts) and Byte (8-bit fixed
// with an implicit /255 scale, leaf tracts as read from disk).
package tract

import (
	"math"

	"github.com/mpi-cbs/hclustering/lib/herrors"
)

// meta is the lifecycle metadata shared by both tract precisions (spec
// §3 Tract vector). Any mutation other than SetNorm clears normReady,
// per the open-question resolution in spec §9.
type meta struct {
	norm          float64
	thresholded   bool
	inLogUnits    bool
	normReady     bool
	everThreshold bool // threshold() is one-shot; a second call is a no-op
}

func (m *meta) Norm() float64      { return m.norm }
func (m *meta) NormReady() bool    { return m.normReady }
func (m *meta) Thresholded() bool  { return m.thresholded }
func (m *meta) InLogUnits() bool   { return m.inLogUnits }
func (m *meta) SetNorm(n float64)  { m.norm = n; m.normReady = true }
func (m *meta) clearNorm()         { m.normReady = false }

// Float is a node-precision (32-bit float) tractogram vector.
type Float struct {
	meta
	Data []float32
}

// Byte is a leaf-precision (8-bit fixed, implicit /255 scale) tractogram
// vector, as loaded directly from disk.
type Byte struct {
	meta
	Data []uint8
}

func NewFloat(data []float32) *Float { return &Float{Data: data} }
func NewByte(data []uint8) *Byte     { return &Byte{Data: data} }

// MarkInLogUnits records that the tract's data has already been produced
// in logarithmic units by its loader (spec §4.4: leaf tracts are read
// from disk already in log units). It does not transform the data.
func (t *Float) MarkInLogUnits() { t.inLogUnits = true }
func (t *Byte) MarkInLogUnits()  { t.inLogUnits = true }

func (t *Float) Size() int { return len(t.Data) }
func (t *Byte) Size() int  { return len(t.Data) }

// ComputeNorm computes and caches the L2 norm over the current data.
// Per spec §4.1 / §9, norms are always taken over the raw stored
// magnitudes; the byte tract's /255 scale is applied only at the point a
// mixed-precision distance is computed, never when caching the norm.
func (t *Float) ComputeNorm() float64 {
	var sum float64
	for _, v := range t.Data {
		sum += float64(v) * float64(v)
	}
	n := math.Sqrt(sum)
	t.SetNorm(n)
	return n
}

func (t *Byte) ComputeNorm() float64 {
	var sum float64
	for _, v := range t.Data {
		fv := float64(v)
		sum += fv * fv
	}
	n := math.Sqrt(sum)
	t.SetNorm(n)
	return n
}

// Threshold zeroes any value below theta and marks the tract thresholded.
// It is one-shot: a second call is a no-op, matching the "one-shot"
// invariant from spec §4.1.
func (t *Float) Threshold(theta float32) {
	if t.everThreshold {
		return
	}
	for i, v := range t.Data {
		if v < theta {
			t.Data[i] = 0
		}
	}
	t.thresholded = true
	t.everThreshold = true
	t.clearNorm()
}

func (t *Byte) Threshold(theta uint8) {
	if t.everThreshold {
		return
	}
	for i, v := range t.Data {
		if v < theta {
			t.Data[i] = 0
		}
	}
	t.thresholded = true
	t.everThreshold = true
	t.clearNorm()
}

// DoLog transforms the tract doing a base-10 logarithm divided by
// logFactor. Precondition: natural units, not thresholded.
func (t *Float) DoLog(logFactor float64) error {
	if t.thresholded {
		return herrors.PreconditionViolationf("doLog: tract has been thresholded")
	}
	if t.inLogUnits {
		return herrors.PreconditionViolationf("doLog: tract is already in logarithmic units")
	}
	if logFactor == 0 {
		t.inLogUnits = true
		return nil
	}
	for i, v := range t.Data {
		if v <= 0 {
			t.Data[i] = 0
			continue
		}
		t.Data[i] = float32(math.Log10(float64(v)) / logFactor)
	}
	t.inLogUnits = true
	t.clearNorm()
	return nil
}

// UnLog is the inverse of DoLog: 10^(x*logFactor). Precondition: log
// units, not thresholded.
func (t *Float) UnLog(logFactor float64) error {
	if t.thresholded {
		return herrors.PreconditionViolationf("unLog: tract has been thresholded")
	}
	if !t.inLogUnits {
		return herrors.PreconditionViolationf("unLog: tract is not in logarithmic units")
	}
	if logFactor == 0 {
		t.inLogUnits = false
		return nil
	}
	for i, v := range t.Data {
		t.Data[i] = float32(math.Pow(10, float64(v)*logFactor))
	}
	t.inLogUnits = false
	t.clearNorm()
	return nil
}

// Add sums other's data vector into t, element-wise.
func (t *Float) Add(other *Float) error {
	if len(t.Data) != len(other.Data) {
		return herrors.PreconditionViolationf("add: tracts are not of the same size (%d vs %d)", len(t.Data), len(other.Data))
	}
	for i := uint(0); i < uint(len(t.Data)); i++ {
		t.Data[i] += other.Data[i]
	}
	t.clearNorm()
	return nil
}

// Scale multiplies every element of t by k.
func (t *Float) Scale(k float32) {
	for i := range t.Data {
		t.Data[i] *= k
	}
	t.clearNorm()
}

// Clone returns a deep copy of t, metadata included.
func (t *Float) Clone() *Float {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Float{meta: t.meta, Data: data}
}

func (t *Byte) Clone() *Byte {
	data := make([]uint8, len(t.Data))
	copy(data, t.Data)
	return &Byte{meta: t.meta, Data: data}
}

// ToFloat converts a byte tract to a float tract, applying the implicit
// /255 scale. This is a precision conversion, not a unit conversion: the
// thresholded/in-log-units flags carry over unchanged, since the
// underlying values' units don't change. The norm does not carry over
// (a byte norm and the corresponding float norm differ by the /255
// factor), so the result has no cached norm.
func (t *Byte) ToFloat() *Float {
	data := make([]float32, len(t.Data))
	for i, v := range t.Data {
		data[i] = float32(v) / 255.0
	}
	out := &Float{Data: data}
	out.thresholded = t.thresholded
	out.everThreshold = t.everThreshold
	out.inLogUnits = t.inLogUnits
	return out
}

// JoinAverage computes the size-weighted element-wise barycentre of a and
// b: (na*a + nb*b)/(na+nb). Precondition: both sides in natural units and
// un-thresholded (spec §4.1); the result is in natural units,
// un-thresholded, and has no cached norm.
func JoinAverage(a, b *Float, na, nb uint64) (*Float, error) {
	if len(a.Data) != len(b.Data) {
		return nil, herrors.PreconditionViolationf("joinAverage: tracts are not of the same size (%d vs %d)", len(a.Data), len(b.Data))
	}
	if a.thresholded || b.thresholded {
		return nil, herrors.PreconditionViolationf("joinAverage: one (or both) of the tracts has been thresholded")
	}
	if a.inLogUnits || b.inLogUnits {
		return nil, herrors.PreconditionViolationf("joinAverage: one (or both) of the tracts is in logarithmic units")
	}
	total := float64(na + nb)
	data := make([]float32, len(a.Data))
	for i := range data {
		data[i] = float32((float64(a.Data[i])*float64(na) + float64(b.Data[i])*float64(nb)) / total)
	}
	return &Float{Data: data}, nil
}

const negativeClampWarn = -1e-4
const positiveClampWarn = 1 + 1e-4

// clampDot clamps a raw normalized dot product into [0,1], matching
// compactTract::normDotProduct's rounding-excursion policy: small
// negative/over-one values are clamped silently, larger ones warn.
func clampDot(v float64, warn func(format string, args ...any)) float64 {
	switch {
	case v < 0:
		if v < negativeClampWarn {
			warn("normDotProduct: negative inner product (%v)", v)
		}
		return 0
	case v > 1:
		if v > positiveClampWarn {
			warn("normDotProduct: inner product above 1 (%v)", v)
		}
		return 1
	default:
		return v
	}
}
