// Package geometry derives per-pixel scattering coordinates from detector
// pixel positions.
package geometry

import (
	"fmt"
	"math"

	"radialq/pkg/array"
)

// HC is Planck's constant times the speed of light in eV·Å, used to turn
// a photon energy into a wavelength.
const HC = 12400.0

// Setup describes the scattering geometry. Lengths are in micrometers,
// matching the pixel coordinates reported by the detector.
type Setup struct {
	// X0 and Y0 shift the pixel coordinates onto the beam center
	X0 float64 `yaml:"x0"`
	Y0 float64 `yaml:"y0"`

	// Z0 is the sample to detector distance
	Z0 float64 `yaml:"z0"`

	// EnergyEV is the photon energy
	EnergyEV float64 `yaml:"energyEV"`
}

// Wavelength returns the photon wavelength in Å.
func (s Setup) Wavelength() (float64, error) {
	if s.EnergyEV <= 0 {
		return 0, fmt.Errorf("photon energy must be positive, got %g eV", s.EnergyEV)
	}
	return HC / s.EnergyEV, nil
}

// Radius returns the in-plane distance of every pixel from the beam
// center, in meters.
func Radius(x, y *array.Array, x0, y0 float64) (*array.Array, error) {
	if err := array.CheckShapes(x, y); err != nil {
		return nil, fmt.Errorf("pixel coordinates: %w", err)
	}
	r := array.New(x.Shape...)
	for i := range r.Data {
		r.Data[i] = math.Hypot(x.Data[i]+x0, y.Data[i]+y0) * 1e-6
	}
	return r, nil
}

// Q returns the momentum transfer of every pixel in Å⁻¹:
// q = 4π sin(θ) / λ with 2θ = atan2(r, z0).
func (s Setup) Q(x, y *array.Array) (*array.Array, error) {
	wavelength, err := s.Wavelength()
	if err != nil {
		return nil, err
	}
	if s.Z0 <= 0 {
		return nil, fmt.Errorf("detector distance must be positive, got %g µm", s.Z0)
	}
	r, err := Radius(x, y, s.X0, s.Y0)
	if err != nil {
		return nil, err
	}

	distance := s.Z0 * 1e-6
	q := r
	for i, rr := range r.Data {
		theta := math.Atan2(rr, distance) / 2
		q.Data[i] = 4 * math.Pi * math.Sin(theta) / wavelength
	}
	return q, nil
}

// Edges returns bin edges from min(q) to max(q)+step in fixed steps.
func Edges(q *array.Array, step float64) ([]float64, error) {
	if step <= 0 {
		return nil, fmt.Errorf("bin step must be positive, got %g", step)
	}
	if q.Len() == 0 {
		return nil, fmt.Errorf("empty coordinate field")
	}
	lo, hi := q.Min(), q.Max()+step
	n := int(math.Ceil((hi - lo) / step))
	edges := make([]float64, n)
	for i := range edges {
		edges[i] = lo + float64(i)*step
	}
	return edges, nil
}

// Ring returns the flat indices of pixels with lo <= q < hi.
func Ring(q *array.Array, lo, hi float64) []int {
	var idx []int
	for i, v := range q.Data {
		if v >= lo && v < hi {
			idx = append(idx, i)
		}
	}
	return idx
}
