// SPDX-License-Identifier: GPL-2.0-or-later

package tract

import (
	"context"

	"github.com/mpi-cbs/hclustering/lib/herrors"
)

// checkPreconditions enforces the common tractDistance preconditions from
// spec §4.1: equal length, both thresholded, both in log units, both
// norms materialised. Violations are fatal PreconditionViolation errors.
func checkPreconditions(thresholded1, thresholded2, logUnits1, logUnits2, normReady1, normReady2 bool, len1, len2 int) error {
	if len1 != len2 {
		return herrors.PreconditionViolationf("tractDistance: tracts are not of the same size (%d vs %d)", len1, len2)
	}
	if !normReady1 || !normReady2 {
		return herrors.PreconditionViolationf("tractDistance: one (or both) of the tracts has no available precomputed norm")
	}
	if !thresholded1 || !thresholded2 {
		return herrors.PreconditionViolationf("tractDistance: one (or both) of the tracts has not been thresholded")
	}
	if !logUnits1 || !logUnits2 {
		return herrors.PreconditionViolationf("tractDistance: one (or both) of the tracts is not in logarithmic units")
	}
	return nil
}

func warn(ctx context.Context, format string, args ...any) {
	herrors.Warnf(ctx, format, args...)
}

// DistanceFF computes d(x,y) = 1 - normalized-dot-product(x,y) between two
// float (node-precision) tracts.
func DistanceFF(ctx context.Context, a, b *Float) (float64, error) {
	if err := checkPreconditions(a.thresholded, b.thresholded, a.inLogUnits, b.inLogUnits, a.normReady, b.normReady, len(a.Data), len(b.Data)); err != nil {
		return 0, err
	}
	if a.norm == 0 || b.norm == 0 {
		warn(ctx, "tractDistance: at least one of the tractograms is a zero vector, inner product set to 0")
		return 1, nil
	}
	var dot float64
	for i := range a.Data {
		dot += float64(a.Data[i]) * float64(b.Data[i])
	}
	inProd := dot / (a.norm * b.norm)
	return 1 - clampDot(inProd, func(f string, args ...any) { warn(ctx, f, args...) }), nil
}

// DistanceBB computes d(x,y) between two byte (leaf-precision) tracts,
// entirely over raw byte magnitudes: no /255 scaling appears anywhere in
// this formula, matching compactTractChar::normDotProduct(const
// compactTractChar&).
func DistanceBB(ctx context.Context, a, b *Byte) (float64, error) {
	if err := checkPreconditions(a.thresholded, b.thresholded, a.inLogUnits, b.inLogUnits, a.normReady, b.normReady, len(a.Data), len(b.Data)); err != nil {
		return 0, err
	}
	if a.norm == 0 || b.norm == 0 {
		warn(ctx, "tractDistance: at least one of the tractograms is a zero vector, inner product set to 0")
		return 1, nil
	}
	var dot float64
	for i := range a.Data {
		dot += float64(a.Data[i]) * float64(b.Data[i])
	}
	inProd := dot / (a.norm * b.norm)
	return 1 - clampDot(inProd, func(f string, args ...any) { warn(ctx, f, args...) }), nil
}

// DistanceFB computes the mixed-precision distance between a float
// (node-precision) tract and a byte (leaf-precision) tract. Each byte
// lane is multiplied by the float lane and the final dot product is
// divided by 255, with the byte norm (itself stored raw, un-scaled)
// folded into the same /255 division in the denominator — matching
// compactTract::normDotProduct(const compactTractChar&) exactly.
func DistanceFB(ctx context.Context, f *Float, b *Byte) (float64, error) {
	if err := checkPreconditions(f.thresholded, b.thresholded, f.inLogUnits, b.inLogUnits, f.normReady, b.normReady, len(f.Data), len(b.Data)); err != nil {
		return 0, err
	}
	if f.norm == 0 || b.norm == 0 {
		warn(ctx, "tractDistance: at least one of the tractograms is a zero vector, inner product set to 0")
		return 1, nil
	}
	var dot float64
	for i := range f.Data {
		dot += float64(f.Data[i]) * (float64(b.Data[i]) / 255.0)
	}
	inProd := dot / (f.norm * b.norm / 255.0)
	return 1 - clampDot(inProd, func(format string, args ...any) { warn(ctx, format, args...) }), nil
}
