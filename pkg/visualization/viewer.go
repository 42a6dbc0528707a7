// Package visualization renders detector images, masks and radial profiles
// for inspection.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"radialq/pkg/array"
)

// Viewer renders a detector array as grayscale tiles. A rank-2 array is a
// single tile; for higher ranks the last two dimensions are the tile rows
// and columns and all leading dimensions are flattened into the tile index.
type Viewer struct {
	// data holds the detector values, tile after tile
	data []float64

	// dimensions of one tile and the number of tiles
	width  int
	height int
	tiles  int

	// lo and hi are the values mapped to black and white
	lo, hi float64
}

// NewViewer creates a viewer over a. Values are scaled from the minimum
// to the maximum of a.
func NewViewer(a *array.Array) (*Viewer, error) {
	if a == nil || a.Rank() < 2 {
		return nil, fmt.Errorf("viewer needs an array of rank 2 or more")
	}
	rank := a.Rank()
	v := &Viewer{
		data:   a.Data,
		height: a.Shape[rank-2],
		width:  a.Shape[rank-1],
		tiles:  1,
	}
	for _, d := range a.Shape[:rank-2] {
		v.tiles *= d
	}
	if len(v.data) > 0 {
		v.lo, v.hi = a.Min(), a.Max()
	}
	return v, nil
}

// Tiles returns the number of tiles.
func (v *Viewer) Tiles() int {
	return v.tiles
}

// SetRange overrides the values mapped to black and white.
func (v *Viewer) SetRange(lo, hi float64) {
	v.lo, v.hi = lo, hi
}

func (v *Viewer) gray(value float64) color.Gray16 {
	span := v.hi - v.lo
	if span <= 0 || math.IsNaN(value) {
		if value > v.lo {
			return color.Gray16{Y: 65535}
		}
		return color.Gray16{}
	}
	scaled := (value - v.lo) / span
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, scaled*65535)))}
}

// ExtractTile renders one tile.
func (v *Viewer) ExtractTile(tile int) (image.Image, error) {
	if tile < 0 || tile >= v.tiles {
		return nil, fmt.Errorf("tile %d out of range [0, %d)", tile, v.tiles)
	}

	img := image.NewGray16(image.Rect(0, 0, v.width, v.height))
	offset := tile * v.width * v.height
	for y := 0; y < v.height; y++ {
		for x := 0; x < v.width; x++ {
			img.SetGray16(x, y, v.gray(v.data[offset+y*v.width+x]))
		}
	}
	return img, nil
}

// Mosaic renders all tiles stacked vertically in one image.
func (v *Viewer) Mosaic() image.Image {
	img := image.NewGray16(image.Rect(0, 0, v.width, v.height*v.tiles))
	for t := 0; t < v.tiles; t++ {
		offset := t * v.width * v.height
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, t*v.height+y, v.gray(v.data[offset+y*v.width+x]))
			}
		}
	}
	return img
}

// SaveImage saves an image as PNG.
func (v *Viewer) SaveImage(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveTileSequence saves every tile as its own PNG in outputDir.
func (v *Viewer) SaveTileSequence(outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for t := 0; t < v.tiles; t++ {
		img, err := v.ExtractTile(t)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("tile_%02d.png", t))
		if err := v.SaveImage(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// SaveMaskPNG writes a mosaic of a mask or image to path.
func SaveMaskPNG(a *array.Array, path string) error {
	v, err := NewViewer(a)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return v.SaveImage(v.Mosaic(), path)
}
