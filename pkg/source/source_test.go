package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"radialq/pkg/array"
	"radialq/pkg/geometry"
	"radialq/pkg/store"
)

var setup = geometry.Setup{Z0: 90000, EnergyEV: 9500}

func coords(t *testing.T) (*array.Array, *array.Array) {
	t.Helper()
	x, err := array.FromSlice([]float64{-100, 100, -100, 100}, 2, 2)
	require.NoError(t, err)
	y, err := array.FromSlice([]float64{-100, -100, 100, 100}, 2, 2)
	require.NoError(t, err)
	return x, y
}

func TestMemorySource(t *testing.T) {
	x, y := coords(t)
	events := []*Event{
		{Image: array.Ones(2, 2), Aux: Aux{Codes: []int{CodeXrayOn}}},
		{Image: array.Full(2, 2, 2)},
	}
	src, err := NewMemory(x, y, events)
	require.NoError(t, err)

	q, err := src.CoordinateField(context.Background(), setup)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, q.Shape)
	// Symmetric pixels share a q value
	assert.InDelta(t, q.Data[0], q.Data[3], 1e-15)

	first, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, first.Index)
	assert.True(t, first.Aux.HasCode(CodeXrayOn))

	second, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Index)
	assert.False(t, second.Aux.HasCode(CodeXrayOn))

	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)

	_, err = NewMemory(x, array.Ones(4), nil)
	assert.ErrorIs(t, err, array.ErrShapeMismatch)
}

func TestMemorySourceCancelled(t *testing.T) {
	x, y := coords(t)
	src, err := NewMemory(x, y, []*Event{{Image: array.Ones(2, 2)}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDirSource(t *testing.T) {
	root := t.TempDir()
	x, y := coords(t)
	require.NoError(t, store.SaveDataset(filepath.Join(root, CoordsName), store.Dataset{"x": x, "y": y}))

	frame, _ := array.FromSlice([]float64{1, 2, 3, 4}, 2, 2)
	require.NoError(t, store.SaveNPY(filepath.Join(root, "evt0000.npy"), frame))

	manifest := `run: 100
events:
  - frame: evt0000.npy
    diode: 1.5
    gasEnergy: 2.25
    codes: [137, 40]
  - frame: ""
    codes: [162]
`
	require.NoError(t, os.WriteFile(filepath.Join(root, ManifestName), []byte(manifest), 0644))

	src, err := OpenDir(root, []int{2, 2})
	require.NoError(t, err)
	assert.Equal(t, 100, src.Run())
	assert.Equal(t, 2, src.Len())

	q, err := src.CoordinateField(context.Background(), setup)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, q.Shape)

	evt, err := src.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, evt.Image)
	assert.Equal(t, []int{2, 2}, evt.Image.Shape)
	assert.Equal(t, frame.Data, evt.Image.Data)
	require.NotNil(t, evt.Aux.Diode)
	assert.Equal(t, 1.5, *evt.Aux.Diode)
	require.NotNil(t, evt.Aux.GasEnergy)
	assert.Equal(t, 2.25, *evt.Aux.GasEnergy)
	assert.True(t, evt.Aux.HasCode(CodeXrayOn))

	dropped, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, dropped.Image)
	assert.Nil(t, dropped.Aux.Diode)
	assert.True(t, dropped.Aux.HasCode(CodeXrayOff))

	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestOpenDirMissingManifest(t *testing.T) {
	_, err := OpenDir(t.TempDir(), []int{2, 2})
	assert.Error(t, err)
}
