// Package store persists detector arrays and mask provenance.
//
// Arrays are kept as NumPy .npy files (one array per file) or .npz
// archives (several named arrays), so masks authored with NumPy can be
// used directly. Mask provenance lives in a SQLite catalog.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sbinet/npyio"

	"radialq/pkg/array"
)

var (
	// ErrNotFound reports a missing array or catalog entry.
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedDtype reports a .npy element type that cannot become float64.
	ErrUnsupportedDtype = errors.New("unsupported npy dtype")
)

// ReadNPY decodes one .npy stream. Boolean, integer and floating point
// element types are converted to float64; the header shape is kept.
func ReadNPY(r io.Reader) (*array.Array, error) {
	rd, err := npyio.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read npy header: %w", err)
	}
	descr := rd.Header.Descr
	if descr.Fortran && len(descr.Shape) > 1 {
		return nil, fmt.Errorf("%w: fortran-ordered arrays", ErrUnsupportedDtype)
	}

	var data []float64
	switch descr.Type {
	case "<f8":
		err = rd.Read(&data)
	case "<f4":
		var v []float32
		if err = rd.Read(&v); err == nil {
			data = convert(v)
		}
	case "|b1":
		var v []bool
		if err = rd.Read(&v); err == nil {
			data = make([]float64, len(v))
			for i, b := range v {
				if b {
					data[i] = 1
				}
			}
		}
	case "|i1":
		var v []int8
		if err = rd.Read(&v); err == nil {
			data = convert(v)
		}
	case "|u1":
		var v []uint8
		if err = rd.Read(&v); err == nil {
			data = convert(v)
		}
	case "<i2":
		var v []int16
		if err = rd.Read(&v); err == nil {
			data = convert(v)
		}
	case "<u2":
		var v []uint16
		if err = rd.Read(&v); err == nil {
			data = convert(v)
		}
	case "<i4":
		var v []int32
		if err = rd.Read(&v); err == nil {
			data = convert(v)
		}
	case "<u4":
		var v []uint32
		if err = rd.Read(&v); err == nil {
			data = convert(v)
		}
	case "<i8":
		var v []int64
		if err = rd.Read(&v); err == nil {
			data = convert(v)
		}
	case "<u8":
		var v []uint64
		if err = rd.Read(&v); err == nil {
			data = convert(v)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDtype, descr.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read npy data: %w", err)
	}

	shape := descr.Shape
	if len(shape) == 0 {
		// Scalars such as shot counts
		shape = []int{len(data)}
	}
	return array.FromSlice(data, shape...)
}

type number interface {
	~float32 | ~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64
}

func convert[T number](v []T) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// WriteNPY encodes the samples of a as a flat float64 .npy stream.
// Callers restore the detector shape with array.Reshape.
func WriteNPY(w io.Writer, a *array.Array) error {
	if err := npyio.Write(w, a.Data); err != nil {
		return fmt.Errorf("failed to write npy data: %w", err)
	}
	return nil
}

// LoadNPY reads a .npy file.
func LoadNPY(path string) (*array.Array, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	defer f.Close()

	a, err := ReadNPY(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// SaveNPY writes a .npy file.
func SaveNPY(path string, a *array.Array) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteNPY(f, a); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}

// Conform returns a with the given shape. A flat array with the right
// number of samples is reshaped; anything else is a shape mismatch.
func Conform(a *array.Array, shape []int) (*array.Array, error) {
	if a.HasShape(shape) {
		return a, nil
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	if a.Rank() == 1 && a.Len() == n {
		return a.Reshape(shape...)
	}
	return nil, fmt.Errorf("%w: %s cannot be used as %s",
		array.ErrShapeMismatch, a.ShapeString(), array.FormatShape(shape))
}
