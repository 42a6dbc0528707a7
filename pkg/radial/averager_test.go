package radial

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"radialq/pkg/array"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func mustArray(t testing.TB, data []float64, shape ...int) *array.Array {
	t.Helper()
	a, err := array.FromSlice(data, shape...)
	if err != nil {
		t.Fatalf("FromSlice: %v", err)
	}
	return a
}

// randomField builds a 2D coordinate field resembling |r| on a detector
func randomField(width, height int) *array.Array {
	q := array.New(height, width)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dx := float64(x) - float64(width)/2
			dy := float64(y) - float64(height)/2
			q.Data[y*width+x] = math.Hypot(dx, dy)
		}
	}
	return q
}

// TestFourPixelScenario checks the worked example: q = [0,1,2,3], two bins
func TestFourPixelScenario(t *testing.T) {
	q := mustArray(t, []float64{0, 1, 2, 3})
	mask := array.Ones(4)

	avg, err := New(q, mask, 2, WithUpperEdgeClamp())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if avg.BinWidth() != 1.5 {
		t.Errorf("expected bin width 1.5, got %v", avg.BinWidth())
	}
	if diff := cmp.Diff([]int32{0, 0, 1, 1}, avg.BinAssignment()); diff != "" {
		t.Errorf("bin assignment mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{2, 2}, avg.PixelCounts(), approx); diff != "" {
		t.Errorf("pixel counts mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{0.75, 2.25}, avg.BinCenters(), approx); diff != "" {
		t.Errorf("bin centers mismatch (-want +got):\n%s", diff)
	}

	values, err := avg.Average(mustArray(t, []float64{10, 20, 30, 40}))
	if err != nil {
		t.Fatalf("Average failed: %v", err)
	}
	if diff := cmp.Diff([]float64{15, 35}, values, approx); diff != "" {
		t.Errorf("bin values mismatch (-want +got):\n%s", diff)
	}
}

// TestUpperEdgeWithoutClamp verifies that the maximum pixel is rejected
// unless the clamp is requested
func TestUpperEdgeWithoutClamp(t *testing.T) {
	q := mustArray(t, []float64{0, 1, 2, 3})
	_, err := New(q, array.Ones(4), 2)
	if !errors.Is(err, ErrConstruction) {
		t.Fatalf("expected ErrConstruction, got %v", err)
	}

	// Pixels below the maximum are never moved
	avg, err := New(mustArray(t, []float64{0, 1, 2, 3, 3}), array.Ones(5), 3, WithUpperEdgeClamp())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if diff := cmp.Diff([]int32{0, 1, 2, 2, 2}, avg.BinAssignment()); diff != "" {
		t.Errorf("bin assignment mismatch (-want +got):\n%s", diff)
	}
}

func TestConstructionErrors(t *testing.T) {
	q := mustArray(t, []float64{0, 1, 2, 3})

	testCases := []struct {
		name string
		q    *array.Array
		mask *array.Array
		bins int
		want error
	}{
		{"zero bins", q, array.Ones(4), 0, ErrConstruction},
		{"negative bins", q, array.Ones(4), -3, ErrConstruction},
		{"mask shape", q, array.Ones(2, 2), 2, array.ErrShapeMismatch},
		{"nil mask", q, nil, 2, ErrConstruction},
		{"constant field", array.Full(3, 4), array.Ones(4), 2, ErrDegenerateRange},
		{"single pixel", array.Full(1, 1), array.Ones(1), 1, ErrDegenerateRange},
		{"empty field", array.New(0), array.New(0), 2, ErrConstruction},
		{"nan in field", mustArray(t, []float64{0, math.NaN(), 2, 3}), array.Ones(4), 2, ErrConstruction},
		{"inf in field", mustArray(t, []float64{0, math.Inf(1), 2, 3}), array.Ones(4), 2, ErrConstruction},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.q, tc.mask, tc.bins)
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestAverageShapeMismatch(t *testing.T) {
	q := randomField(8, 4)
	avg, err := New(q, array.OnesLike(q), 5, WithUpperEdgeClamp())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Same number of pixels, different shape: no silent reshape
	if _, err := avg.Average(array.Ones(8, 4)); !errors.Is(err, array.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for transposed image, got %v", err)
	}
	if _, err := avg.Average(array.Ones(32)); !errors.Is(err, array.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for flat image, got %v", err)
	}
	if _, err := avg.Average(nil); !errors.Is(err, array.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for nil image, got %v", err)
	}
}

// TestPixelCountsSumToMask checks that every weighted pixel lands in exactly one bin
func TestPixelCountsSumToMask(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	q := randomField(64, 48)
	mask := array.New(48, 64)
	for i := range mask.Data {
		if rng.Float64() > 0.3 {
			mask.Data[i] = 1
		}
	}

	for _, bins := range []int{1, 3, 17, 101, 500} {
		avg, err := New(q, mask, bins, WithUpperEdgeClamp())
		if err != nil {
			t.Fatalf("New(%d) failed: %v", bins, err)
		}
		total := 0.0
		for _, c := range avg.PixelCounts() {
			total += c
		}
		if math.Abs(total-mask.Sum()) > 1e-6 {
			t.Errorf("bins=%d: pixel counts sum %v, mask sum %v", bins, total, mask.Sum())
		}
		for i, b := range avg.BinAssignment() {
			if b < 0 || int(b) >= bins {
				t.Fatalf("bins=%d: pixel %d assigned to bin %d", bins, i, b)
			}
		}
	}
}

func TestBinCenters(t *testing.T) {
	q := randomField(40, 30)
	avg, err := New(q, array.OnesLike(q), 25, WithUpperEdgeClamp())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	centers := avg.BinCenters()
	if len(centers) != 25 {
		t.Fatalf("expected 25 centers, got %d", len(centers))
	}
	for i := 1; i < len(centers); i++ {
		if centers[i] <= centers[i-1] {
			t.Errorf("centers not strictly increasing at %d: %v <= %v", i, centers[i], centers[i-1])
		}
	}
	qMin, qMax := avg.Range()
	w := avg.BinWidth()
	if math.Abs(centers[0]-(qMin+0.5*w)) > 1e-9 {
		t.Errorf("first center %v, want %v", centers[0], qMin+0.5*w)
	}
	if math.Abs(centers[24]-(qMax-0.5*w)) > 1e-9 {
		t.Errorf("last center %v, want %v", centers[24], qMax-0.5*w)
	}

	// Callers cannot corrupt the cached centers
	centers[0] = -1
	if avg.BinCenters()[0] == -1 {
		t.Errorf("BinCenters exposes internal state")
	}
}

func TestConstantImage(t *testing.T) {
	q := randomField(32, 32)
	avg, err := New(q, array.OnesLike(q), 40, WithUpperEdgeClamp())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	values, err := avg.Average(array.Full(4.5, 32, 32))
	if err != nil {
		t.Fatalf("Average failed: %v", err)
	}
	empty := make(map[int]bool)
	for _, b := range avg.EmptyBins() {
		empty[b] = true
	}
	for b, v := range values {
		if empty[b] {
			if v != 0 {
				t.Errorf("empty bin %d has value %v", b, v)
			}
			continue
		}
		if math.Abs(v-4.5) > 1e-9 {
			t.Errorf("bin %d: expected 4.5, got %v", b, v)
		}
	}
}

// TestAllZeroMask verifies the epsilon guard yields zeros rather than NaN
func TestAllZeroMask(t *testing.T) {
	q := randomField(16, 16)
	avg, err := New(q, array.New(16, 16), 10, WithUpperEdgeClamp())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	values, err := avg.Average(array.Full(100, 16, 16))
	if err != nil {
		t.Fatalf("Average failed: %v", err)
	}
	for b, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) || v != 0 {
			t.Errorf("bin %d: expected 0, got %v", b, v)
		}
	}
	if len(avg.EmptyBins()) != 10 {
		t.Errorf("expected all 10 bins empty, got %v", avg.EmptyBins())
	}
}

func TestAverageIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	q := randomField(20, 20)
	img := array.New(20, 20)
	for i := range img.Data {
		img.Data[i] = rng.NormFloat64()
	}
	avg, err := New(q, array.OnesLike(q), 12, WithUpperEdgeClamp())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	first, _ := avg.Average(img)
	second, _ := avg.Average(img)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("repeated calls differ:\n%s", diff)
	}
}

// TestMaskExcludesPixels checks that masked pixels do not contribute
func TestMaskExcludesPixels(t *testing.T) {
	q := mustArray(t, []float64{0, 1, 2, 3})
	mask := mustArray(t, []float64{1, 0, 1, 1})
	avg, err := New(q, mask, 2, WithUpperEdgeClamp())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	prof, err := avg.Profile(mustArray(t, []float64{10, 1000, 30, 40}))
	if err != nil {
		t.Fatalf("Profile failed: %v", err)
	}
	if diff := cmp.Diff([]float64{10, 35}, prof.Values, approx); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{1, 2}, prof.Counts, approx); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
	if len(prof.Centers) != 2 {
		t.Errorf("expected 2 centers, got %d", len(prof.Centers))
	}
}

// TestConcurrentAverage shares one averager across goroutines
func TestConcurrentAverage(t *testing.T) {
	q := randomField(64, 64)
	avg, err := New(q, array.OnesLike(q), 30, WithUpperEdgeClamp())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	want, _ := avg.Average(q)

	var wg sync.WaitGroup
	errs := make(chan string, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := avg.Average(q)
			if err != nil {
				errs <- err.Error()
				return
			}
			if !cmp.Equal(want, got) {
				errs <- "concurrent result differs"
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

// BenchmarkAverage measures the per-frame cost on a 512x1024 tile
func BenchmarkAverage(b *testing.B) {
	q := randomField(1024, 512)
	avg, err := New(q, array.OnesLike(q), DefaultBins, WithUpperEdgeClamp())
	if err != nil {
		b.Fatalf("New failed: %v", err)
	}
	img := array.Full(1, 512, 1024)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := avg.Average(img); err != nil {
			b.Fatal(err)
		}
	}
}
