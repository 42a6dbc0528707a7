package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MaskKind identifies how a mask was produced
type MaskKind string

const (
	// KindDark is a range-and-outlier mask built from a dark run
	KindDark MaskKind = "dark"

	// KindXray is a range-and-outlier mask built from an xray (blank) run
	KindXray MaskKind = "xray"

	// KindBand marks pixels carrying a signal band (e.g. a ring)
	KindBand MaskKind = "band"

	// KindStatic is an externally authored mask (geometry, shadow, lines)
	KindStatic MaskKind = "static"

	// KindCombined is the AND of other masks
	KindCombined MaskKind = "combined"
)

// MaskRecord holds the provenance of a persisted mask
type MaskRecord struct {
	// Name is the array name in the store
	Name string

	// Kind tells how the mask was produced
	Kind MaskKind

	// Runs lists the run numbers that contributed to the mask
	Runs []int

	// Shape is the detector shape of the mask
	Shape []int

	// ValidPixels and TotalPixels give the mask coverage
	ValidPixels int
	TotalPixels int

	// Thresholds used by the range policies; zero for static and combined masks
	Lower     float64
	Upper     float64
	Tolerance float64

	CreatedAt time.Time
}

// ValidFraction returns the share of usable pixels
func (r MaskRecord) ValidFraction() float64 {
	if r.TotalPixels == 0 {
		return 0
	}
	return float64(r.ValidPixels) / float64(r.TotalPixels)
}

// RunsKey returns the canonical key for a set of run numbers: sorted,
// comma separated. Combined masks are looked up by this key.
func RunsKey(runs []int) string {
	sorted := append([]int(nil), runs...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, r := range sorted {
		parts[i] = strconv.Itoa(r)
	}
	return strings.Join(parts, ",")
}

// ParseRunsKey is the inverse of RunsKey
func ParseRunsKey(key string) ([]int, error) {
	if key == "" {
		return nil, nil
	}
	parts := strings.Split(key, ",")
	runs := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid run number %q: %w", p, err)
		}
		runs[i] = n
	}
	return runs, nil
}
