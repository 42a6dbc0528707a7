// Package mask builds per-pixel validity masks.
//
// Masks use the {0,1} encoding: 1 marks a usable pixel, 0 an excluded one.
// Every operation consumes the previous mask and returns a new one; inputs
// are never modified, so callers keep the chain if provenance matters.
//
// Three policies are provided:
//   - Combine: AND-reduction of independently built masks
//   - RangeOutlier: value-range test followed by a mean ± κ·σ outlier test
//     computed over the pixels that survived the range test
//   - Band: value-range test restricted to a sub-region of pixels, used to
//     mark pixels carrying a known signal feature such as a ring
package mask

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"radialq/pkg/array"
)

var (
	// ErrEmptyMask reports outlier statistics requested over zero surviving pixels.
	ErrEmptyMask = errors.New("no pixels survive the range test")

	// ErrNoMasks reports a combination of zero masks.
	ErrNoMasks = errors.New("no masks to combine")

	// ErrRegion reports a band region index outside the image.
	ErrRegion = errors.New("region index out of range")
)

// EmptyPolicy decides what RangeOutlier does when no pixel survives the
// range test and the outlier statistics are undefined.
type EmptyPolicy int

const (
	// FailOnEmpty returns ErrEmptyMask.
	FailOnEmpty EmptyPolicy = iota

	// RejectAllOnEmpty returns an all-excluded mask, as NaN statistics would.
	RejectAllOnEmpty
)

// String returns the configuration spelling of the policy.
func (p EmptyPolicy) String() string {
	switch p {
	case FailOnEmpty:
		return "fail"
	case RejectAllOnEmpty:
		return "reject"
	default:
		return fmt.Sprintf("EmptyPolicy(%d)", int(p))
	}
}

// ParseEmptyPolicy parses "fail" or "reject".
func ParseEmptyPolicy(s string) (EmptyPolicy, error) {
	switch s {
	case "", "fail":
		return FailOnEmpty, nil
	case "reject":
		return RejectAllOnEmpty, nil
	}
	return FailOnEmpty, fmt.Errorf("unknown empty-mask policy %q (want fail or reject)", s)
}

// RangeOutlierParams holds the thresholds of the range-and-outlier policy.
type RangeOutlierParams struct {
	// Lower and Upper bound the accepted reference values (exclusive)
	Lower float64
	Upper float64

	// Tolerance is κ in mean ± κ·σ
	Tolerance float64

	// OnEmpty selects the behavior when the range test rejects every pixel
	OnEmpty EmptyPolicy
}

// Stats describes the outlier statistics computed by RangeOutlier.
type Stats struct {
	Mean      float64
	Std       float64
	Lower     float64
	Upper     float64
	Survivors int
	Valid     int
}

// Combine multiplies masks pixel by pixel. For {0,1} masks this is a
// logical AND and the order of the inputs does not matter.
func Combine(masks ...*array.Array) (*array.Array, error) {
	if len(masks) == 0 {
		return nil, ErrNoMasks
	}
	if err := array.CheckShapes(masks...); err != nil {
		return nil, err
	}
	out := masks[0].Clone()
	for _, m := range masks[1:] {
		for i, v := range m.Data {
			out.Data[i] *= v
		}
	}
	return out, nil
}

// Range returns existing AND (lower < reference < upper).
func Range(reference *array.Array, lower, upper float64, existing *array.Array) (*array.Array, error) {
	if err := array.CheckShapes(reference, existing); err != nil {
		return nil, err
	}
	out := array.New(reference.Shape...)
	for i, v := range reference.Data {
		if lower < v && v < upper && existing.Data[i] != 0 {
			out.Data[i] = existing.Data[i]
		}
	}
	return out, nil
}

// RangeOutlier applies the range test, then computes the mean and
// population standard deviation of the non-zero masked reference values,
// and keeps only pixels within mean ± Tolerance·std.
func RangeOutlier(reference *array.Array, p RangeOutlierParams, existing *array.Array) (*array.Array, Stats, error) {
	base, err := Range(reference, p.Lower, p.Upper, existing)
	if err != nil {
		return nil, Stats{}, err
	}

	// Statistics over the non-zero entries of reference*base
	survivors := make([]float64, 0, base.CountNonZero())
	for i, m := range base.Data {
		if v := reference.Data[i] * m; v != 0 {
			survivors = append(survivors, v)
		}
	}

	if len(survivors) == 0 {
		if p.OnEmpty == RejectAllOnEmpty {
			nan := math.NaN()
			return array.New(reference.Shape...), Stats{Mean: nan, Std: nan, Lower: nan, Upper: nan}, nil
		}
		return nil, Stats{}, fmt.Errorf("%w: bounds (%g, %g) over %d pixels",
			ErrEmptyMask, p.Lower, p.Upper, reference.Len())
	}

	mean, std := stat.PopMeanStdDev(survivors, nil)
	st := Stats{
		Mean:      mean,
		Std:       std,
		Lower:     mean - p.Tolerance*std,
		Upper:     mean + p.Tolerance*std,
		Survivors: len(survivors),
	}

	final, err := Range(reference, st.Lower, st.Upper, base)
	if err != nil {
		return nil, Stats{}, err
	}
	st.Valid = final.CountNonZero()
	return final, st, nil
}

// Band thresholds reference inside region only: pixels listed in region
// are valid when lower < reference < upper, every other pixel stays valid.
// The result is combined with existing. Region holds flat pixel indices.
func Band(reference *array.Array, lower, upper float64, region []int, existing *array.Array) (*array.Array, error) {
	if err := array.CheckShapes(reference, existing); err != nil {
		return nil, err
	}
	band := array.OnesLike(reference)
	for _, idx := range region {
		if idx < 0 || idx >= reference.Len() {
			return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrRegion, idx, reference.Len())
		}
		v := reference.Data[idx]
		if !(lower < v && v < upper) {
			band.Data[idx] = 0
		}
	}
	return Combine(band, existing)
}

// ValidFraction returns the share of valid pixels in m.
func ValidFraction(m *array.Array) float64 {
	if m.Len() == 0 {
		return 0
	}
	return float64(m.CountNonZero()) / float64(m.Len())
}
