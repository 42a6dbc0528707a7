// Package accumulate sums detector frames of a run into per-class totals.
//
// Events carrying the XRAY_ON timing code are summed into the xray total,
// all other events into the dark total. Shot counts are kept per class so
// the totals can be turned into mean images, and every xray shot leaves a
// small summary (frame total, beam monitor, gas detector energy).
// Several accumulators working on disjoint shards of a run can be merged.
package accumulate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"radialq/pkg/array"
	"radialq/pkg/source"
	"radialq/pkg/store"
)

// Dataset names used when sums are persisted.
const (
	NameXraySum   = "xray_front"
	NameDarkSum   = "dark_front"
	NameXrayShots = "xray_shots"
	NameDarkShots = "dark_shots"
	NameIntensity = "front_intensity"
	NameDiode     = "diode1_intensity"
	NameEnergy    = "xray_energy"
)

// SkipReason tells why an event did not contribute.
type SkipReason string

const (
	SkipNoEvent     SkipReason = "event"
	SkipNoDiode     SkipReason = "diode"
	SkipNoGasEnergy SkipReason = "fee"
	SkipNoImage     SkipReason = "img"
	SkipNoCodes     SkipReason = "evrcodes"
)

// Shot summarizes one xray event.
type Shot struct {
	Index     int
	Intensity float64
	Diode     float64
	GasEnergy float64
}

// Accumulator holds running sums for one shard of a run. It is not safe
// for concurrent use; give each worker its own and Merge them.
type Accumulator struct {
	shape   []int
	premask *array.Array

	xraySum   *array.Array
	darkSum   *array.Array
	xrayShots int
	darkShots int
	shots     []Shot
	skipped   map[SkipReason]int
}

// New returns an empty accumulator for frames of the given shape. A
// non-nil premask multiplies every frame before it is summed.
func New(shape []int, premask *array.Array) (*Accumulator, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("frame shape is required")
	}
	if premask != nil && !premask.HasShape(shape) {
		return nil, fmt.Errorf("premask: %w: %s vs %s",
			array.ErrShapeMismatch, premask.ShapeString(), array.FormatShape(shape))
	}
	return &Accumulator{
		shape:   append([]int(nil), shape...),
		premask: premask,
		xraySum: array.New(shape...),
		darkSum: array.New(shape...),
		skipped: make(map[SkipReason]int),
	}, nil
}

// Add folds one event into the sums. Events missing a reading are
// counted as skipped; a frame of the wrong shape is an error.
func (a *Accumulator) Add(evt *source.Event) error {
	switch {
	case evt == nil:
		a.skipped[SkipNoEvent]++
		return nil
	case evt.Aux.Diode == nil:
		a.skipped[SkipNoDiode]++
		return nil
	case evt.Aux.GasEnergy == nil:
		a.skipped[SkipNoGasEnergy]++
		return nil
	case evt.Image == nil:
		a.skipped[SkipNoImage]++
		return nil
	case evt.Aux.Codes == nil:
		a.skipped[SkipNoCodes]++
		return nil
	}
	if !evt.Image.HasShape(a.shape) {
		return fmt.Errorf("event %d: %w: %s vs %s", evt.Index,
			array.ErrShapeMismatch, evt.Image.ShapeString(), array.FormatShape(a.shape))
	}

	img := evt.Image
	if a.premask != nil {
		var err error
		if img, err = array.Mul(img, a.premask); err != nil {
			return fmt.Errorf("event %d: premask: %w", evt.Index, err)
		}
	}

	if evt.Aux.HasCode(source.CodeXrayOn) {
		if err := a.xraySum.Add(img); err != nil {
			return fmt.Errorf("event %d: %w", evt.Index, err)
		}
		a.xrayShots++
		a.shots = append(a.shots, Shot{
			Index:     evt.Index,
			Intensity: img.Sum(),
			Diode:     *evt.Aux.Diode,
			GasEnergy: *evt.Aux.GasEnergy,
		})
		return nil
	}
	if err := a.darkSum.Add(img); err != nil {
		return fmt.Errorf("event %d: %w", evt.Index, err)
	}
	a.darkShots++
	return nil
}

// Merge adds the sums of b into a.
func (a *Accumulator) Merge(b *Accumulator) error {
	if err := a.xraySum.Add(b.xraySum); err != nil {
		return fmt.Errorf("merge xray sums: %w", err)
	}
	if err := a.darkSum.Add(b.darkSum); err != nil {
		return fmt.Errorf("merge dark sums: %w", err)
	}
	a.xrayShots += b.xrayShots
	a.darkShots += b.darkShots
	a.shots = append(a.shots, b.shots...)
	for reason, n := range b.skipped {
		a.skipped[reason] += n
	}
	return nil
}

// Skipped returns how many events were skipped for each reason.
func (a *Accumulator) Skipped() map[SkipReason]int {
	out := make(map[SkipReason]int, len(a.skipped))
	for k, v := range a.skipped {
		out[k] = v
	}
	return out
}

// Run drains src into the accumulator. A positive max stops after that
// many events. It returns the number of events read.
func (a *Accumulator) Run(ctx context.Context, src source.Source, max int) (int, error) {
	n := 0
	for max <= 0 || n < max {
		evt, err := src.Next(ctx)
		if errors.Is(err, source.ErrExhausted) {
			break
		}
		if err != nil {
			return n, err
		}
		n++
		if err := a.Add(evt); err != nil {
			return n, err
		}
	}
	return n, nil
}

// RunSharded reads src on the calling goroutine and spreads the events
// round-robin over workers accumulators, which are merged at the end.
func RunSharded(ctx context.Context, src source.Source, shape []int, premask *array.Array, workers, max int) (*Accumulator, int, error) {
	if workers < 1 {
		workers = 1
	}
	shards := make([]*Accumulator, workers)
	queues := make([]chan *source.Event, workers)
	errs := make([]error, workers)
	for i := range shards {
		acc, err := New(shape, premask)
		if err != nil {
			return nil, 0, err
		}
		shards[i] = acc
		queues[i] = make(chan *source.Event, 16)
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := range shards {
		go func(i int) {
			defer wg.Done()
			for evt := range queues[i] {
				if errs[i] != nil {
					continue
				}
				errs[i] = shards[i].Add(evt)
			}
		}(i)
	}

	n := 0
	var readErr error
	for max <= 0 || n < max {
		evt, err := src.Next(ctx)
		if errors.Is(err, source.ErrExhausted) {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		queues[n%workers] <- evt
		n++
	}
	for _, q := range queues {
		close(q)
	}
	wg.Wait()

	if readErr != nil {
		return nil, n, readErr
	}
	for _, err := range errs {
		if err != nil {
			return nil, n, err
		}
	}

	total := shards[0]
	for _, s := range shards[1:] {
		if err := total.Merge(s); err != nil {
			return nil, n, err
		}
	}
	sort.Slice(total.shots, func(i, j int) bool { return total.shots[i].Index < total.shots[j].Index })
	return total, n, nil
}

// Sums is the final, fully reduced result of an accumulation.
type Sums struct {
	XraySum   *array.Array
	DarkSum   *array.Array
	XrayShots int
	DarkShots int
	Shots     []Shot
}

// Result returns the reduced sums. The arrays are shared with the accumulator.
func (a *Accumulator) Result() Sums {
	return Sums{
		XraySum:   a.xraySum,
		DarkSum:   a.darkSum,
		XrayShots: a.xrayShots,
		DarkShots: a.darkShots,
		Shots:     append([]Shot(nil), a.shots...),
	}
}

// MeanXray returns the xray sum divided by the xray shot count.
func (s Sums) MeanXray() (*array.Array, error) {
	if s.XrayShots == 0 {
		return nil, fmt.Errorf("no xray shots accumulated")
	}
	return array.DivScalar(s.XraySum, float64(s.XrayShots))
}

// MeanDark returns the dark sum divided by the dark shot count.
func (s Sums) MeanDark() (*array.Array, error) {
	if s.DarkShots == 0 {
		return nil, fmt.Errorf("no dark shots accumulated")
	}
	return array.DivScalar(s.DarkSum, float64(s.DarkShots))
}

// IntensityStats returns the mean and standard deviation of the per-shot
// frame totals of the xray shots.
func (s Sums) IntensityStats() (mean, std float64) {
	if len(s.Shots) == 0 {
		return 0, 0
	}
	totals := make([]float64, len(s.Shots))
	for i, sh := range s.Shots {
		totals[i] = sh.Intensity
	}
	return stat.PopMeanStdDev(totals, nil)
}

// Dataset converts the sums into named arrays for persistence.
func (s Sums) Dataset() store.Dataset {
	intensity := make([]float64, len(s.Shots))
	diode := make([]float64, len(s.Shots))
	energy := make([]float64, len(s.Shots))
	for i, sh := range s.Shots {
		intensity[i] = sh.Intensity
		diode[i] = sh.Diode
		energy[i] = sh.GasEnergy
	}
	ds := store.Dataset{
		NameXraySum:   s.XraySum,
		NameDarkSum:   s.DarkSum,
		NameXrayShots: array.Full(float64(s.XrayShots), 1),
		NameDarkShots: array.Full(float64(s.DarkShots), 1),
	}
	if len(s.Shots) > 0 {
		ds[NameIntensity], _ = array.FromSlice(intensity)
		ds[NameDiode], _ = array.FromSlice(diode)
		ds[NameEnergy], _ = array.FromSlice(energy)
	}
	return ds
}

// FromDataset rebuilds sums from persisted arrays, conforming the frame
// sums to shape. Per-shot summaries are optional.
func FromDataset(ds store.Dataset, shape []int) (Sums, error) {
	var s Sums

	xray, err := ds.Get(NameXraySum)
	if err != nil {
		return Sums{}, err
	}
	if s.XraySum, err = store.Conform(xray, shape); err != nil {
		return Sums{}, fmt.Errorf("%s: %w", NameXraySum, err)
	}
	dark, err := ds.Get(NameDarkSum)
	if err != nil {
		return Sums{}, err
	}
	if s.DarkSum, err = store.Conform(dark, shape); err != nil {
		return Sums{}, fmt.Errorf("%s: %w", NameDarkSum, err)
	}

	xrayShots, err := ds.Scalar(NameXrayShots)
	if err != nil {
		return Sums{}, err
	}
	darkShots, err := ds.Scalar(NameDarkShots)
	if err != nil {
		return Sums{}, err
	}
	s.XrayShots, s.DarkShots = int(xrayShots), int(darkShots)

	if intensity, err := ds.Get(NameIntensity); err == nil {
		s.Shots = make([]Shot, intensity.Len())
		for i, v := range intensity.Data {
			s.Shots[i] = Shot{Index: i, Intensity: v}
		}
		if diode, err := ds.Get(NameDiode); err == nil && diode.Len() == len(s.Shots) {
			for i, v := range diode.Data {
				s.Shots[i].Diode = v
			}
		}
		if energy, err := ds.Get(NameEnergy); err == nil && energy.Len() == len(s.Shots) {
			for i, v := range energy.Data {
				s.Shots[i].GasEnergy = v
			}
		}
	}
	return s, nil
}

// CombineRuns merges the persisted sums of several runs: frame sums and
// shot counts are added, per-shot summaries are concatenated in run order
// when every run has them, and the check arrays must agree between runs.
func CombineRuns(datasets map[int]store.Dataset, check []string) (store.Dataset, error) {
	spec := store.CombineSpec{
		Sum:   []string{NameXraySum, NameDarkSum, NameXrayShots, NameDarkShots},
		Check: check,
	}
	perShot := len(datasets) > 0
	for _, ds := range datasets {
		for _, name := range []string{NameIntensity, NameDiode, NameEnergy} {
			if _, ok := ds[name]; !ok {
				perShot = false
			}
		}
	}
	if perShot {
		spec.Concat = []string{NameIntensity, NameDiode, NameEnergy}
	}
	return store.CombineRuns(datasets, spec)
}
