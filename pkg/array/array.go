// Package array provides the dense per-pixel array used throughout radialq.
// An Array stores its samples in row-major order in a flat slice together
// with the shape of the detector (for example 8x512x1024 for a tiled
// area detector). Every image, coordinate field and mask is an Array.
package array

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// ErrShapeMismatch is returned whenever two arrays that must share a shape do not.
// Arrays are never broadcast or truncated to make shapes agree.
var ErrShapeMismatch = errors.New("shape mismatch")

// Array is a dense n-dimensional array of float64 samples.
type Array struct {
	// Data holds the samples in row-major order
	Data []float64

	// Shape holds the extent of every dimension; the product equals len(Data)
	Shape []int
}

// New allocates a zero-filled array with the given shape.
func New(shape ...int) *Array {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Array{
		Data:  make([]float64, n),
		Shape: append([]int(nil), shape...),
	}
}

// FromSlice wraps data with the given shape. The data slice is not copied.
// With no shape the array is one-dimensional.
func FromSlice(data []float64, shape ...int) (*Array, error) {
	if len(shape) == 0 {
		shape = []int{len(data)}
	}
	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("negative dimension %d in shape %v", d, shape)
		}
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: %d samples cannot fill shape %v", ErrShapeMismatch, len(data), shape)
	}
	return &Array{Data: data, Shape: append([]int(nil), shape...)}, nil
}

// Full returns an array of the given shape with every sample set to v.
func Full(v float64, shape ...int) *Array {
	a := New(shape...)
	for i := range a.Data {
		a.Data[i] = v
	}
	return a
}

// Ones returns an all-valid mask of the given shape.
func Ones(shape ...int) *Array {
	return Full(1, shape...)
}

// OnesLike returns an all-valid mask with the shape of a.
func OnesLike(a *Array) *Array {
	return Ones(a.Shape...)
}

// FromBools converts a boolean mask into the {0,1} encoding.
func FromBools(b []bool, shape ...int) (*Array, error) {
	data := make([]float64, len(b))
	for i, v := range b {
		if v {
			data[i] = 1
		}
	}
	return FromSlice(data, shape...)
}

// Len returns the number of samples.
func (a *Array) Len() int {
	return len(a.Data)
}

// Rank returns the number of dimensions.
func (a *Array) Rank() int {
	return len(a.Shape)
}

// Clone returns a deep copy of the array.
func (a *Array) Clone() *Array {
	return &Array{
		Data:  append([]float64(nil), a.Data...),
		Shape: append([]int(nil), a.Shape...),
	}
}

// Reshape returns a view of the same samples with a new shape.
func (a *Array) Reshape(shape ...int) (*Array, error) {
	return FromSlice(a.Data, shape...)
}

// SameShape reports whether a and b have identical shapes.
func (a *Array) SameShape(b *Array) bool {
	return a.HasShape(b.Shape)
}

// HasShape reports whether a has exactly the given shape.
func (a *Array) HasShape(shape []int) bool {
	if len(a.Shape) != len(shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != shape[i] {
			return false
		}
	}
	return true
}

// ShapeString formats the shape as "8x512x1024".
func (a *Array) ShapeString() string {
	return FormatShape(a.Shape)
}

// FormatShape formats a shape as "8x512x1024".
func FormatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, "x")
}

// ParseShape is the inverse of FormatShape.
func ParseShape(s string) ([]int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty shape")
	}
	parts := strings.Split(s, "x")
	shape := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid dimension %q in shape %q", p, s)
		}
		shape[i] = d
	}
	return shape, nil
}

// CheckShapes verifies that every array shares the shape of the first one.
// A nil array is reported as a mismatch.
func CheckShapes(arrays ...*Array) error {
	if len(arrays) == 0 {
		return nil
	}
	first := arrays[0]
	if first == nil {
		return fmt.Errorf("%w: array 0 is nil", ErrShapeMismatch)
	}
	for i, a := range arrays[1:] {
		if a == nil {
			return fmt.Errorf("%w: array %d is nil", ErrShapeMismatch, i+1)
		}
		if !first.SameShape(a) {
			return fmt.Errorf("%w: %s vs %s (array %d)", ErrShapeMismatch,
				first.ShapeString(), a.ShapeString(), i+1)
		}
	}
	return nil
}

// Mul returns the elementwise product of a and b.
func Mul(a, b *Array) (*Array, error) {
	if err := CheckShapes(a, b); err != nil {
		return nil, err
	}
	out := a.Clone()
	floats.Mul(out.Data, b.Data)
	return out, nil
}

// DivScalar returns a divided by s. It is used to turn accumulated sums
// into per-shot means.
func DivScalar(a *Array, s float64) (*Array, error) {
	if s == 0 {
		return nil, fmt.Errorf("division of %s array by zero", a.ShapeString())
	}
	out := a.Clone()
	floats.Scale(1/s, out.Data)
	return out, nil
}

// Add accumulates b into a in place.
func (a *Array) Add(b *Array) error {
	if err := CheckShapes(a, b); err != nil {
		return err
	}
	floats.Add(a.Data, b.Data)
	return nil
}

// Sum returns the sum of all samples.
func (a *Array) Sum() float64 {
	return floats.Sum(a.Data)
}

// Min returns the smallest sample. It panics on an empty array.
func (a *Array) Min() float64 {
	return floats.Min(a.Data)
}

// Max returns the largest sample. It panics on an empty array.
func (a *Array) Max() float64 {
	return floats.Max(a.Data)
}

// AllFinite reports whether no sample is NaN or infinite.
func (a *Array) AllFinite() bool {
	for _, v := range a.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// CountNonZero returns the number of samples different from zero.
// For a mask this is the number of valid pixels.
func (a *Array) CountNonZero() int {
	n := 0
	for _, v := range a.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// Equal reports whether a and b have the same shape and samples.
func Equal(a, b *Array) bool {
	return a.SameShape(b) && floats.Equal(a.Data, b.Data)
}
