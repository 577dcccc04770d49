// SPDX-License-Identifier: GPL-2.0-or-later

package tract

import (
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readyFloat(data []float32) *Float {
	t := NewFloat(data)
	t.MarkInLogUnits()
	t.Threshold(0)
	t.ComputeNorm()
	return t
}

func TestDistanceFFSymmetry(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	a := readyFloat([]float32{0.1, 0.2, 0.3, 0.4})
	b := readyFloat([]float32{0.4, 0.1, 0.0, 0.2})
	d1, err := DistanceFF(ctx, a, b)
	require.NoError(t, err)
	d2, err := DistanceFF(ctx, b, a)
	require.NoError(t, err)
	assert.InDelta(t, d1, d2, 1e-6)
}

func TestDistanceFFBounds(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	a := readyFloat([]float32{0.1, 0.2, 0.3, 0.4})
	b := readyFloat([]float32{0.4, 0.1, 0.0, 0.2})
	d, err := DistanceFF(ctx, a, b)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, d, 0.0)
	assert.LessOrEqual(t, d, 1.0)
}

func TestDistanceZeroVector(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	a := readyFloat([]float32{0, 0, 0, 0})
	b := readyFloat([]float32{0.4, 0.1, 0.0, 0.2})
	d, err := DistanceFF(ctx, a, b)
	require.NoError(t, err)
	assert.Equal(t, 1.0, d)
}

func TestThresholdIdempotent(t *testing.T) {
	t.Parallel()
	t1 := NewFloat([]float32{0.01, 0.5, 0.02, 0.9})
	t1.Threshold(0.1)
	snapshot := append([]float32(nil), t1.Data...)
	t1.Threshold(0.1) // second call must be a no-op (one-shot)
	assert.Equal(t, snapshot, t1.Data)
}

func TestLogRoundTrip(t *testing.T) {
	t.Parallel()
	logFactor := 3.0
	orig := []float32{1e-8, 1e-3, 0.5, 1.0}
	ft := NewFloat(append([]float32(nil), orig...))
	require.NoError(t, ft.DoLog(logFactor))
	require.NoError(t, ft.UnLog(logFactor))
	for i := range orig {
		assert.InDelta(t, orig[i], ft.Data[i], 1e-4)
	}
}

func TestJoinAverageBarycentre(t *testing.T) {
	t.Parallel()
	a := NewFloat([]float32{1, 2, 3})
	b := NewFloat([]float32{4, 5, 6})
	res, err := JoinAverage(a, b, 3, 1)
	require.NoError(t, err)
	want := []float32{(1*3 + 4*1) / 4.0, (2*3 + 5*1) / 4.0, (3*3 + 6*1) / 4.0}
	for i := range want {
		assert.InDelta(t, want[i], res.Data[i], 1e-6)
	}
	assert.False(t, res.Thresholded())
	assert.False(t, res.InLogUnits())
}

func TestJoinAverageRejectsThresholded(t *testing.T) {
	t.Parallel()
	a := NewFloat([]float32{1, 2, 3})
	a.Threshold(0)
	b := NewFloat([]float32{4, 5, 6})
	_, err := JoinAverage(a, b, 1, 1)
	assert.Error(t, err)
}

func TestDistanceMixedPrecision(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	f := readyFloat([]float32{0.2, 0.4, 0.6})
	b := NewByte([]uint8{200, 50, 0})
	b.MarkInLogUnits()
	b.Threshold(0)
	b.ComputeNorm()
	d, err := DistanceFB(ctx, f, b)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, d, 0.0)
	assert.LessOrEqual(t, d, 1.0)
}

func TestDistancePreconditionViolation(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	a := NewFloat([]float32{1, 2, 3}) // not thresholded, not in log units, no norm
	b := readyFloat([]float32{1, 2, 3})
	_, err := DistanceFF(ctx, a, b)
	assert.Error(t, err)
}
