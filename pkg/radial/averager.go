// Package radial reduces detector images to one-dimensional radial profiles.
//
// An Averager partitions the pixels of a detector into equal-width bins of a
// per-pixel coordinate (usually the momentum transfer q). The bin assignment
// and the per-bin normalization are computed once when the Averager is built
// and reused for every image, so each call costs a single pass over the pixels.
//
// Bins are half-open [lo, hi). The pixel sitting exactly on the maximum
// coordinate lands one past the last bin, which is a construction error
// unless the caller folds it into the last bin with WithUpperEdgeClamp.
package radial

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"radialq/pkg/array"
)

// DefaultBins is the bin count used when the caller has no preference.
const DefaultBins = 101

// Epsilon is added to every bin normalization so empty bins divide to zero.
const Epsilon = 1e-100

var (
	// ErrConstruction reports an invalid bin count or bin assignment.
	ErrConstruction = errors.New("radial averager construction failed")

	// ErrDegenerateRange reports a coordinate field with zero range.
	ErrDegenerateRange = errors.New("coordinate field has zero range")
)

// Option configures an Averager.
type Option func(*settings)

type settings struct {
	clampUpperEdge bool
}

// WithUpperEdgeClamp folds pixels on the upper boundary of the last bin
// into that bin. Only assignments equal to the bin count are folded.
func WithUpperEdgeClamp() Option {
	return func(s *settings) { s.clampUpperEdge = true }
}

// Profile is a radial profile: bin centers, mask-weighted mean values and
// mask-weighted pixel counts, all of length NBins.
type Profile struct {
	Centers []float64
	Values  []float64
	Counts  []float64
}

// Averager bins images by a per-pixel coordinate. It is safe for concurrent
// use once constructed; no call mutates it.
type Averager struct {
	coords *array.Array
	mask   *array.Array
	nBins  int

	qMin     float64
	qMax     float64
	binWidth float64

	assignments   []int32
	normalization []float64
	centers       []float64
}

// New builds an Averager for the coordinate field q and mask.
//
// Parameters:
//   - q: per-pixel coordinate, finite, with a non-zero range
//   - mask: per-pixel weights of the same shape (1 = valid, 0 = excluded)
//   - nBins: number of equal-width bins over [min(q), max(q)]
//
// The mask must not be modified while the Averager is in use.
func New(q, mask *array.Array, nBins int, opts ...Option) (*Averager, error) {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}

	if q == nil || mask == nil {
		return nil, fmt.Errorf("%w: coordinate field and mask are required", ErrConstruction)
	}
	if nBins <= 0 {
		return nil, fmt.Errorf("%w: bin count must be positive, got %d", ErrConstruction, nBins)
	}
	if err := array.CheckShapes(q, mask); err != nil {
		return nil, fmt.Errorf("coordinate field and mask: %w", err)
	}
	if q.Len() == 0 {
		return nil, fmt.Errorf("%w: empty coordinate field", ErrConstruction)
	}
	if !q.AllFinite() {
		return nil, fmt.Errorf("%w: coordinate field contains non-finite values", ErrConstruction)
	}

	qMin := floats.Min(q.Data)
	qMax := floats.Max(q.Data)
	if qMax-qMin <= 0 {
		return nil, fmt.Errorf("%w: all %d pixels at %g", ErrDegenerateRange, q.Len(), qMin)
	}
	binWidth := (qMax - qMin) / float64(nBins)

	a := &Averager{
		coords:   q,
		mask:     mask,
		nBins:    nBins,
		qMin:     qMin,
		qMax:     qMax,
		binWidth: binWidth,
	}

	// Assign each pixel to a bin
	a.assignments = make([]int32, q.Len())
	maxBin := 0
	for i, v := range q.Data {
		b := int(math.Floor((v - qMin) / binWidth))
		if b == nBins && s.clampUpperEdge {
			// Upper edge of the coordinate range closes the last bin
			b = nBins - 1
		}
		if b < 0 {
			return nil, fmt.Errorf("%w: pixel %d assigned to negative bin %d", ErrConstruction, i, b)
		}
		if b > maxBin {
			maxBin = b
		}
		a.assignments[i] = int32(b)
	}
	if maxBin+1 > nBins {
		return nil, fmt.Errorf("%w: bin assignment %d exceeds %d bins", ErrConstruction, maxBin, nBins)
	}

	// Per-bin sum of mask weights
	a.normalization = make([]float64, nBins)
	for i, b := range a.assignments {
		a.normalization[b] += mask.Data[i]
	}
	for b := range a.normalization {
		a.normalization[b] += Epsilon
	}

	a.centers = make([]float64, nBins)
	for b := range a.centers {
		a.centers[b] = (float64(b)+0.5)*binWidth + qMin
	}

	return a, nil
}

// Average returns the mask-weighted mean of image in every bin.
// The image must have exactly the shape of the coordinate field.
func (a *Averager) Average(image *array.Array) ([]float64, error) {
	if image == nil {
		return nil, fmt.Errorf("%w: nil image", array.ErrShapeMismatch)
	}
	if !image.SameShape(a.coords) {
		return nil, fmt.Errorf("image and coordinate field: %w: %s vs %s",
			array.ErrShapeMismatch, image.ShapeString(), a.coords.ShapeString())
	}
	if !image.SameShape(a.mask) {
		return nil, fmt.Errorf("image and mask: %w: %s vs %s",
			array.ErrShapeMismatch, image.ShapeString(), a.mask.ShapeString())
	}

	values := make([]float64, a.nBins)
	for i, b := range a.assignments {
		values[b] += image.Data[i] * a.mask.Data[i]
	}
	floats.Div(values, a.normalization)

	if len(values) != a.nBins {
		return nil, fmt.Errorf("%w: produced %d bins, want %d", ErrConstruction, len(values), a.nBins)
	}
	return values, nil
}

// Profile averages image and pairs the result with bin centers and counts.
func (a *Averager) Profile(image *array.Array) (Profile, error) {
	values, err := a.Average(image)
	if err != nil {
		return Profile{}, err
	}
	return Profile{
		Centers: a.BinCenters(),
		Values:  values,
		Counts:  a.PixelCounts(),
	}, nil
}

// BinCenters returns the coordinate at the middle of every bin.
func (a *Averager) BinCenters() []float64 {
	return append([]float64(nil), a.centers...)
}

// PixelCounts returns the mask-weighted number of pixels in every bin,
// including the epsilon guard.
func (a *Averager) PixelCounts() []float64 {
	return append([]float64(nil), a.normalization...)
}

// BinAssignment returns a copy of the per-pixel bin index, flattened.
func (a *Averager) BinAssignment() []int32 {
	return append([]int32(nil), a.assignments...)
}

// EmptyBins returns the indices of bins with no mask weight.
func (a *Averager) EmptyBins() []int {
	var empty []int
	for b, n := range a.normalization {
		if n <= Epsilon {
			empty = append(empty, b)
		}
	}
	return empty
}

// NBins returns the number of bins.
func (a *Averager) NBins() int { return a.nBins }

// BinWidth returns the width of every bin in coordinate units.
func (a *Averager) BinWidth() float64 { return a.binWidth }

// Range returns the minimum and maximum coordinate.
func (a *Averager) Range() (min, max float64) { return a.qMin, a.qMax }
