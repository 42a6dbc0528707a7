package store

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/sbinet/npyio"
	"github.com/sbinet/npyio/npz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"radialq/internal/models"
	"radialq/pkg/array"
)

func TestNPYRoundTrip(t *testing.T) {
	a, err := array.FromSlice([]float64{1, 0, 1, 1, 0, 1}, 2, 3)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteNPY(&buf, a))

	got, err := ReadNPY(&buf)
	require.NoError(t, err)
	assert.Equal(t, a.Data, got.Data)
	// Shape is written flat and restored by Conform
	assert.Equal(t, []int{6}, got.Shape)

	shaped, err := Conform(got, []int{2, 3})
	require.NoError(t, err)
	assert.True(t, array.Equal(a, shaped))

	_, err = Conform(got, []int{4, 2})
	assert.ErrorIs(t, err, array.ErrShapeMismatch)
}

// TestReadNPYDtypes covers masks written by NumPy as bool or integer arrays
func TestReadNPYDtypes(t *testing.T) {
	testCases := []struct {
		name string
		val  any
	}{
		{"bool", []bool{true, false, true}},
		{"int32", []int32{1, 0, 1}},
		{"int64", []int64{1, 0, 1}},
		{"uint8", []uint8{1, 0, 1}},
		{"float32", []float32{1, 0, 1}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, npyio.Write(&buf, tc.val))
			got, err := ReadNPY(&buf)
			require.NoError(t, err)
			assert.Equal(t, []float64{1, 0, 1}, got.Data)
		})
	}
}

func TestDirStore(t *testing.T) {
	d, err := NewDir(filepath.Join(t.TempDir(), "masks"))
	require.NoError(t, err)

	m, _ := array.FromSlice([]float64{1, 1, 0, 1}, 2, 2)
	name := MaskName(418, "dark")
	assert.Equal(t, "run418_mask_dark", name)

	assert.False(t, d.Exists(name))
	require.NoError(t, d.Save(name, m))
	assert.True(t, d.Exists(name))

	got, err := d.LoadShaped(name, []int{2, 2})
	require.NoError(t, err)
	assert.True(t, array.Equal(m, got))

	_, err = d.Load("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, d.Save("../escape", m))

	require.NoError(t, d.Save(CombinedName(418, 429), m))
	names, err := d.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"Mask_418_429", "run418_mask_dark"}, names)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "0007", RunName(7))
	assert.Equal(t, "1234", RunName(1234))
	assert.Equal(t, "Mask_123_125", CombinedName(123, 125))
}

func TestDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run100_stats.npz")

	xray, _ := array.FromSlice([]float64{10, 20, 30, 40})
	ds := Dataset{
		"xray_front": xray,
		"xray_shots": array.Full(2, 1),
		"dark_front": array.Full(4, 4),
		"dark_shots": array.Full(4, 1),
	}
	require.NoError(t, SaveDataset(path, ds))

	got, err := LoadDataset(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"dark_front", "dark_shots", "xray_front", "xray_shots"}, got.Names())

	front, err := got.Get("xray_front")
	require.NoError(t, err)
	assert.Equal(t, xray.Data, front.Data)

	shots, err := got.Scalar("xray_shots")
	require.NoError(t, err)
	assert.Equal(t, 2.0, shots)

	_, err = got.Scalar("xray_front")
	assert.Error(t, err)
	_, err = got.Get("front_intensity")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = LoadDataset(filepath.Join(t.TempDir(), "nope.npz"))
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestDatasetNumpyLayout checks that archives use numpy.savez member names
func TestDatasetNumpyLayout(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "coords.npz")
	require.NoError(t, npz.Write(path, map[string]interface{}{
		"x.npy":    []float64{1, 2, 3},
		"mask.npy": []bool{true, false, true},
	}))
	got, err := LoadDataset(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"mask", "x"}, got.Names())
	assert.Equal(t, []float64{1, 0, 1}, got["mask"].Data)

	out := filepath.Join(dir, "saved.npz")
	require.NoError(t, SaveDataset(out, got))
	r, err := npz.Open(out)
	require.NoError(t, err)
	defer r.Close()
	assert.ElementsMatch(t, []string{"mask.npy", "x.npy"}, r.Keys())
	var x []float64
	require.NoError(t, r.Read("x.npy", &x))
	assert.Equal(t, []float64{1, 2, 3}, x)
}

func runDataset(t *testing.T, shots []float64, sum float64, gain float64) Dataset {
	t.Helper()
	intensity, err := array.FromSlice(shots)
	require.NoError(t, err)
	return Dataset{
		"front_intensity": intensity,
		"xray_front":      array.Full(sum, 2, 2),
		"xray_shots":      array.Full(float64(len(shots)), 1),
		"gain":            array.Full(gain, 2, 2),
	}
}

func TestCombineRuns(t *testing.T) {
	spec := CombineSpec{
		Concat: []string{"front_intensity"},
		Sum:    []string{"xray_front", "xray_shots"},
		Check:  []string{"gain"},
	}
	datasets := map[int]Dataset{
		429: runDataset(t, []float64{7}, 3, 1),
		418: runDataset(t, []float64{1, 2}, 10, 1),
	}

	got, err := CombineRuns(datasets, spec)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 7}, got["front_intensity"].Data)
	assert.Equal(t, []float64{418, 418, 429}, got[NameRunIndicator].Data)
	assert.Equal(t, []float64{13, 13, 13, 13}, got["xray_front"].Data)
	assert.Equal(t, []int{2, 2}, got["xray_front"].Shape)
	shots, err := got.Scalar("xray_shots")
	require.NoError(t, err)
	assert.Equal(t, 3.0, shots)
	assert.Equal(t, []float64{1, 1, 1, 1}, got["gain"].Data)

	// Inputs are left untouched
	assert.Equal(t, []float64{10, 10, 10, 10}, datasets[418]["xray_front"].Data)
}

func TestCombineRunsErrors(t *testing.T) {
	spec := CombineSpec{Sum: []string{"xray_front"}, Check: []string{"gain"}}

	_, err := CombineRuns(map[int]Dataset{
		1: runDataset(t, []float64{1}, 1, 1),
		2: runDataset(t, []float64{1}, 1, 2),
	}, spec)
	assert.ErrorIs(t, err, ErrRunMismatch)
	assert.Contains(t, err.Error(), "gain in run 2")

	mismatched := runDataset(t, []float64{1}, 1, 1)
	mismatched["xray_front"] = array.Full(1, 4)
	_, err = CombineRuns(map[int]Dataset{1: runDataset(t, []float64{1}, 1, 1), 2: mismatched}, spec)
	assert.ErrorIs(t, err, array.ErrShapeMismatch)

	missing := runDataset(t, []float64{1}, 1, 1)
	delete(missing, "gain")
	_, err = CombineRuns(map[int]Dataset{1: runDataset(t, []float64{1}, 1, 1), 2: missing}, spec)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = CombineRuns(nil, spec)
	assert.Error(t, err)
}

func TestCatalog(t *testing.T) {
	c, err := OpenCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer c.Close()

	dark := models.MaskRecord{
		Name:        MaskName(418, "dark"),
		Kind:        models.KindDark,
		Runs:        []int{418},
		Shape:       []int{8, 512, 1024},
		ValidPixels: 4000000,
		TotalPixels: 8 * 512 * 1024,
		Lower:       -30,
		Upper:       30,
		Tolerance:   3,
	}
	require.NoError(t, c.Record(dark))

	older := models.MaskRecord{
		Name:      "Mask_old",
		Kind:      models.KindCombined,
		Runs:      []int{429, 418},
		Shape:     []int{8, 512, 1024},
		CreatedAt: time.Now().Add(-time.Hour),
	}
	newer := older
	newer.Name = CombinedName(418, 429)
	newer.CreatedAt = time.Now()
	require.NoError(t, c.Record(older))
	require.NoError(t, c.Record(newer))

	got, err := c.Get(dark.Name)
	require.NoError(t, err)
	assert.Equal(t, models.KindDark, got.Kind)
	assert.Equal(t, []int{418}, got.Runs)
	assert.Equal(t, []int{8, 512, 1024}, got.Shape)
	assert.Equal(t, -30.0, got.Lower)
	assert.InDelta(t, 4000000.0/4194304.0, got.ValidFraction(), 1e-12)

	// Run order does not matter for combined masks
	combined, err := c.Lookup(429, 418)
	require.NoError(t, err)
	assert.Equal(t, "Mask_418_429", combined.Name)

	_, err = c.Lookup(1, 2)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := c.List()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// Recording the same name again replaces the row
	dark.ValidPixels = 10
	require.NoError(t, c.Record(dark))
	got, err = c.Get(dark.Name)
	require.NoError(t, err)
	assert.Equal(t, 10, got.ValidPixels)
}
