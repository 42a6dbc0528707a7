package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"radialq/pkg/array"
	"radialq/pkg/geometry"
	"radialq/pkg/store"
)

// ManifestName is the event list expected in an event directory.
const ManifestName = "events.yaml"

// CoordsName is the .npz archive holding the "x" and "y" pixel coordinates.
const CoordsName = "coords.npz"

// Manifest lists the events of a recorded run.
type Manifest struct {
	Run    int             `yaml:"run"`
	Events []ManifestEntry `yaml:"events"`
}

// ManifestEntry describes one recorded event. Frame is a .npy file
// relative to the directory; an empty Frame is a dropped image.
type ManifestEntry struct {
	Frame string `yaml:"frame"`
	Aux   `yaml:",inline"`
}

// Dir replays a run recorded as .npy frames plus an events.yaml manifest.
type Dir struct {
	root     string
	manifest Manifest
	shape    []int
	pos      int
}

// OpenDir reads the manifest of a recorded run. Frames are loaded lazily
// and conformed to shape.
func OpenDir(root string, shape []int) (*Dir, error) {
	data, err := os.ReadFile(filepath.Join(root, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("failed to read event manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse event manifest: %w", err)
	}
	return &Dir{root: root, manifest: m, shape: shape}, nil
}

// Run returns the run number from the manifest.
func (d *Dir) Run() int {
	return d.manifest.Run
}

// Len returns the number of events in the manifest.
func (d *Dir) Len() int {
	return len(d.manifest.Events)
}

// CoordinateField implements Source using coords.npz.
func (d *Dir) CoordinateField(ctx context.Context, setup geometry.Setup) (*array.Array, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ds, err := store.LoadDataset(filepath.Join(d.root, CoordsName))
	if err != nil {
		return nil, err
	}
	x, err := ds.Get("x")
	if err != nil {
		return nil, err
	}
	y, err := ds.Get("y")
	if err != nil {
		return nil, err
	}
	if x, err = store.Conform(x, d.shape); err != nil {
		return nil, fmt.Errorf("x coordinates: %w", err)
	}
	if y, err = store.Conform(y, d.shape); err != nil {
		return nil, fmt.Errorf("y coordinates: %w", err)
	}
	return setup.Q(x, y)
}

// Next implements Source.
func (d *Dir) Next(ctx context.Context) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.pos >= len(d.manifest.Events) {
		return nil, ErrExhausted
	}
	entry := d.manifest.Events[d.pos]
	evt := &Event{Index: d.pos, Aux: entry.Aux}
	d.pos++

	if entry.Frame == "" {
		return evt, nil
	}
	img, err := store.LoadNPY(filepath.Join(d.root, entry.Frame))
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", evt.Index, err)
	}
	if evt.Image, err = store.Conform(img, d.shape); err != nil {
		return nil, fmt.Errorf("event %d: %w", evt.Index, err)
	}
	return evt, nil
}
