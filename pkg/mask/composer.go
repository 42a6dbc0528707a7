package mask

import (
	"fmt"

	"radialq/pkg/array"
)

// Kind names a reference image held by a Composer.
type Kind string

const (
	// Dark is the mean image of shots taken with the source off.
	Dark Kind = "dark"

	// Xray is the mean image of shots taken with the source on.
	Xray Kind = "xray"
)

// Composer applies the masking policies to the mean dark and xray images of
// an accumulated run. It keeps no state between calls besides the references.
type Composer struct {
	refs map[Kind]*array.Array
}

// NewComposer builds a Composer from mean reference images. Both images
// must share a shape; either may be nil when the run lacks that class of shots.
func NewComposer(dark, xray *array.Array) (*Composer, error) {
	if dark == nil && xray == nil {
		return nil, fmt.Errorf("composer needs at least one reference image")
	}
	if dark != nil && xray != nil {
		if err := array.CheckShapes(dark, xray); err != nil {
			return nil, fmt.Errorf("dark and xray references: %w", err)
		}
	}
	c := &Composer{refs: make(map[Kind]*array.Array)}
	if dark != nil {
		c.refs[Dark] = dark
	}
	if xray != nil {
		c.refs[Xray] = xray
	}
	return c, nil
}

// Reference returns the reference image of the given kind.
func (c *Composer) Reference(kind Kind) (*array.Array, error) {
	ref, ok := c.refs[kind]
	if !ok {
		return nil, fmt.Errorf("no %q reference image", kind)
	}
	return ref, nil
}

// RangeOutlier refines existing with the range-and-outlier policy on the
// reference of the given kind. A nil existing mask means all pixels valid.
func (c *Composer) RangeOutlier(kind Kind, p RangeOutlierParams, existing *array.Array) (*array.Array, Stats, error) {
	ref, err := c.Reference(kind)
	if err != nil {
		return nil, Stats{}, err
	}
	if existing == nil {
		existing = array.OnesLike(ref)
	}
	m, st, err := RangeOutlier(ref, p, existing)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("%s mask: %w", kind, err)
	}
	return m, st, nil
}

// Band refines existing with the band-selection policy on the reference
// of the given kind, restricted to region.
func (c *Composer) Band(kind Kind, lower, upper float64, region []int, existing *array.Array) (*array.Array, error) {
	ref, err := c.Reference(kind)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		existing = array.OnesLike(ref)
	}
	m, err := Band(ref, lower, upper, region, existing)
	if err != nil {
		return nil, fmt.Errorf("%s band mask: %w", kind, err)
	}
	return m, nil
}
