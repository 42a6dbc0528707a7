package store

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/sbinet/npyio/npz"

	"radialq/pkg/array"
)

// Dataset maps dataset names to arrays, e.g. "xray_front" or "dark_shots".
type Dataset map[string]*array.Array

// Names returns the dataset names in sorted order.
func (d Dataset) Names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the named array or ErrNotFound.
func (d Dataset) Get(name string) (*array.Array, error) {
	a, ok := d[name]
	if !ok {
		return nil, fmt.Errorf("%w: dataset %q (have %s)", ErrNotFound, name, strings.Join(d.Names(), ", "))
	}
	return a, nil
}

// Scalar returns the single value of a one-sample dataset such as a shot count.
func (d Dataset) Scalar(name string) (float64, error) {
	a, err := d.Get(name)
	if err != nil {
		return 0, err
	}
	if a.Len() != 1 {
		return 0, fmt.Errorf("dataset %q is not a scalar: shape %s", name, a.ShapeString())
	}
	return a.Data[0], nil
}

// LoadDataset reads every array of an .npz archive. Each archive member
// "name.npy" becomes the entry "name".
func LoadDataset(path string) (Dataset, error) {
	r, err := npz.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open dataset %s: %w", path, err)
	}
	defer r.Close()

	keys := r.Keys()
	ds := make(Dataset, len(keys))
	for _, key := range keys {
		rc, err := r.Open(key)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		a, err := ReadNPY(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%s in %s: %w", key, path, err)
		}
		ds[strings.TrimSuffix(key, ".npy")] = a
	}
	return ds, nil
}

// SaveDataset writes d as an .npz archive with one "name.npy" member per
// array, as numpy.savez does.
func SaveDataset(path string, d Dataset) error {
	w, err := npz.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create dataset %s: %w", path, err)
	}
	for _, name := range d.Names() {
		if err := w.Write(name+".npy", d[name].Data); err != nil {
			w.Close()
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish dataset %s: %w", path, err)
	}
	return nil
}
