package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"radialq/pkg/array"
)

// RunName zero-pads a run number to four digits.
func RunName(run int) string {
	return fmt.Sprintf("%04d", run)
}

// MaskName names the mask derived from one run, e.g. "run418_mask_dark".
func MaskName(run int, kind string) string {
	return fmt.Sprintf("run%d_mask_%s", run, kind)
}

// CombinedName names a combined mask by its contributing runs, e.g. "Mask_418_429".
func CombinedName(runs ...int) string {
	parts := make([]string, len(runs))
	for i, r := range runs {
		parts[i] = strconv.Itoa(r)
	}
	return "Mask_" + strings.Join(parts, "_")
}

// Dir stores named arrays as .npy files in one directory.
type Dir struct {
	root string
}

// NewDir opens (and creates if needed) a directory store.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &Dir{root: root}, nil
}

// Root returns the store directory.
func (d *Dir) Root() string {
	return d.root
}

// Path returns the file backing the named array.
func (d *Dir) Path(name string) string {
	return filepath.Join(d.root, name+".npy")
}

// Save writes the named array.
func (d *Dir) Save(name string, a *array.Array) error {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid array name %q", name)
	}
	return SaveNPY(d.Path(name), a)
}

// Load reads the named array with the shape found in its header.
func (d *Dir) Load(name string) (*array.Array, error) {
	return LoadNPY(d.Path(name))
}

// LoadShaped reads the named array and conforms it to shape.
func (d *Dir) LoadShaped(name string, shape []int) (*array.Array, error) {
	a, err := d.Load(name)
	if err != nil {
		return nil, err
	}
	a, err = Conform(a, shape)
	if err != nil {
		return nil, fmt.Errorf("array %q: %w", name, err)
	}
	return a, nil
}

// Exists reports whether the named array is present.
func (d *Dir) Exists(name string) bool {
	_, err := os.Stat(d.Path(name))
	return err == nil
}

// List returns the names of all stored arrays, sorted.
func (d *Dir) List() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".npy" {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".npy"))
	}
	sort.Strings(names)
	return names, nil
}
