// Package pipeline runs the radialq processing chain: accumulated run
// statistics are turned into a composite validity mask, the mask and the
// momentum-transfer field build a radial averager, and the averager
// reduces the mean xray image (and optionally every event) to profiles.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"radialq/internal/models"
	"radialq/pkg/accumulate"
	"radialq/pkg/array"
	"radialq/pkg/config"
	"radialq/pkg/geometry"
	"radialq/pkg/radial"
	"radialq/pkg/source"
	"radialq/pkg/store"
)

// Params holds the inputs of one processing run.
type Params struct {
	// Config carries detector, geometry, mask and output settings
	Config *config.Config

	// DataPath is an .npz of accumulated sums as written by accumulate.
	// When empty the sums of the configured combined runs are merged, or
	// else accumulated from EventsDir.
	DataPath string

	// CoordsPath is an .npz holding either a "q" array or "x" and "y" pixel
	// coordinates. When empty the coordinate field comes from EventsDir.
	CoordsPath string

	// EventsDir is an optional recorded run; when set every event is
	// reduced to its own profile
	EventsDir string

	// Logger receives progress messages
	Logger zerolog.Logger
}

// Metrics summarizes a processing run.
type Metrics struct {
	// ValidFraction maps every produced or loaded mask to its share of valid pixels
	ValidFraction map[string]float64

	// EmptyBins lists bins that received no valid pixel
	EmptyBins []int

	// XrayShots and DarkShots are the shot counts of the accumulated sums
	XrayShots int
	DarkShots int

	// EventsProcessed counts events reduced to a profile; EventsSkipped
	// counts events without an image
	EventsProcessed int
	EventsSkipped   int

	Duration time.Duration
}

// EventProfile is the radial profile of one event.
type EventProfile struct {
	Index  int
	Values []float64
}

// namedMask is a mask together with its store name and provenance.
type namedMask struct {
	record models.MaskRecord
	data   *array.Array
	// loaded masks already live in the store
	loaded bool
}

// Processor runs the pipeline for one set of Params.
type Processor struct {
	params  *Params
	cfg     *config.Config
	session string
	log     zerolog.Logger

	store   *store.Dir
	catalog *store.Catalog

	q        *array.Array
	sums     accumulate.Sums
	masks    []namedMask
	combined namedMask
	averager *radial.Averager
	profile  radial.Profile
	events   []EventProfile

	metrics Metrics
}

// NewProcessor creates a processor. The config is validated first.
func NewProcessor(params *Params) (*Processor, error) {
	if params == nil || params.Config == nil {
		return nil, errors.New("pipeline needs a config")
	}
	if err := params.Config.Validate(); err != nil {
		return nil, err
	}
	if params.DataPath == "" && params.EventsDir == "" && len(params.Config.Runs.Combine) == 0 {
		return nil, errors.New("pipeline needs accumulated data, runs to combine or an event directory")
	}
	if params.CoordsPath == "" && params.EventsDir == "" {
		return nil, errors.New("pipeline needs a coordinate file or an event directory")
	}
	session := uuid.NewString()
	return &Processor{
		params:  params,
		cfg:     params.Config,
		session: session,
		log:     params.Logger.With().Str("session", session).Logger(),
		metrics: Metrics{ValidFraction: make(map[string]float64)},
	}, nil
}

// Process runs the complete pipeline
func (p *Processor) Process(ctx context.Context) error {
	start := time.Now()

	dir, err := store.NewDir(p.cfg.Output.Store)
	if err != nil {
		return err
	}
	p.store = dir
	if catalog := p.cfg.Output.Catalog; catalog != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(catalog), 0755); err != nil {
			return fmt.Errorf("error creating catalog directory: %w", err)
		}
	}
	p.catalog, err = store.OpenCatalog(p.cfg.Output.Catalog)
	if err != nil {
		return err
	}
	defer p.catalog.Close()

	// Step 1: accumulated sums and coordinate field
	p.log.Info().Msg("Step 1: loading accumulated sums and coordinates")
	if err := p.loadInputs(ctx); err != nil {
		return fmt.Errorf("failed to load inputs: %w", err)
	}

	// Step 2: dark, xray, band and static masks
	p.log.Info().Msg("Step 2: composing masks")
	if err := p.buildMasks(); err != nil {
		return fmt.Errorf("failed to build masks: %w", err)
	}

	// Step 3: combined mask
	p.log.Info().Msg("Step 3: combining masks")
	if err := p.combineMasks(); err != nil {
		return fmt.Errorf("failed to combine masks: %w", err)
	}

	// Step 4: persist masks and provenance
	p.log.Info().Msg("Step 4: saving masks")
	if err := p.saveMasks(); err != nil {
		return fmt.Errorf("failed to save masks: %w", err)
	}

	// Step 5: averager and run profile
	p.log.Info().Msg("Step 5: radial profile of the mean xray image")
	if err := p.buildProfile(); err != nil {
		return fmt.Errorf("failed to build profile: %w", err)
	}
	if err := p.saveOutputs(); err != nil {
		return fmt.Errorf("failed to save outputs: %w", err)
	}

	// Step 6: per-event profiles
	if p.params.EventsDir != "" {
		p.log.Info().Msg("Step 6: per-event profiles")
		src, err := source.OpenDir(p.params.EventsDir, p.cfg.Detector.Shape)
		if err != nil {
			return err
		}
		if _, err := p.ProcessEvents(ctx, src); err != nil {
			return fmt.Errorf("failed to process events: %w", err)
		}
	}

	p.metrics.Duration = time.Since(start)
	return nil
}

func (p *Processor) loadInputs(ctx context.Context) error {
	shape := p.cfg.Detector.Shape
	logger := p.log.With().Str("component", "store").Logger()

	if p.params.DataPath != "" {
		ds, err := store.LoadDataset(p.params.DataPath)
		if err != nil {
			return err
		}
		if p.sums, err = accumulate.FromDataset(ds, shape); err != nil {
			return err
		}
		logger.Debug().Str("path", p.params.DataPath).Strs("arrays", ds.Names()).Msg("loaded accumulated sums")
	} else if len(p.cfg.Runs.Combine) > 0 {
		if err := p.combineRuns(); err != nil {
			return err
		}
	} else {
		if err := p.accumulateEvents(ctx); err != nil {
			return err
		}
	}
	p.metrics.XrayShots = p.sums.XrayShots
	p.metrics.DarkShots = p.sums.DarkShots

	var err error
	if p.params.CoordsPath != "" {
		p.q, err = loadCoordinates(p.params.CoordsPath, shape, p.cfg.Geometry)
	} else {
		var src *source.Dir
		if src, err = source.OpenDir(p.params.EventsDir, shape); err == nil {
			p.q, err = src.CoordinateField(ctx, p.cfg.Geometry)
		}
	}
	if err != nil {
		return fmt.Errorf("coordinate field: %w", err)
	}
	logger.Info().
		Int("xray_shots", p.sums.XrayShots).
		Int("dark_shots", p.sums.DarkShots).
		Float64("q_min", p.q.Min()).
		Float64("q_max", p.q.Max()).
		Msg("inputs ready")
	return nil
}

// accumulateEvents sums the event directory and keeps the result next to
// the other outputs so later runs can start from it.
func (p *Processor) accumulateEvents(ctx context.Context) error {
	logger := p.log.With().Str("component", "events").Logger()
	src, err := source.OpenDir(p.params.EventsDir, p.cfg.Detector.Shape)
	if err != nil {
		return err
	}
	var premask *array.Array
	if name := p.cfg.Masks.Premask; name != "" {
		if premask, err = p.store.LoadShaped(name, p.cfg.Detector.Shape); err != nil {
			return fmt.Errorf("premask: %w", err)
		}
		logger.Debug().Str("name", name).Int("valid", premask.CountNonZero()).Msg("frames are premasked")
	}
	acc, n, err := accumulate.RunSharded(ctx, src, p.cfg.Detector.Shape, premask,
		p.workers(), p.cfg.Processing.MaxEvents)
	if err != nil {
		return err
	}
	p.sums = acc.Result()

	ev := logger.Info().Int("events", n)
	for reason, count := range acc.Skipped() {
		ev = ev.Int("skipped_"+string(reason), count)
	}
	ev.Msg("accumulated event directory")

	path := filepath.Join(p.cfg.Output.Dir, store.RunName(src.Run())+"_stats.npz")
	if err := os.MkdirAll(p.cfg.Output.Dir, 0755); err != nil {
		return err
	}
	return store.SaveDataset(path, p.sums.Dataset())
}

// combineRuns merges the saved statistics of the configured runs.
func (p *Processor) combineRuns() error {
	logger := p.log.With().Str("component", "store").Logger()
	datasets := make(map[int]store.Dataset, len(p.cfg.Runs.Combine))
	for _, run := range p.cfg.Runs.Combine {
		path := filepath.Join(p.cfg.Output.Dir, store.RunName(run)+"_stats.npz")
		ds, err := store.LoadDataset(path)
		if err != nil {
			return fmt.Errorf("run %d: %w", run, err)
		}
		datasets[run] = ds
	}
	ds, err := accumulate.CombineRuns(datasets, p.cfg.Runs.Check)
	if err != nil {
		return err
	}
	if p.sums, err = accumulate.FromDataset(ds, p.cfg.Detector.Shape); err != nil {
		return err
	}
	logger.Info().
		Ints("runs", p.cfg.Runs.Combine).
		Strs("checked", p.cfg.Runs.Check).
		Int("xray_shots", p.sums.XrayShots).
		Msg("combined run statistics")
	return nil
}

// xrayRuns returns the runs behind the xray mean image.
func (p *Processor) xrayRuns() []int {
	if p.params.DataPath == "" && len(p.cfg.Runs.Combine) > 0 {
		return sortedRuns(p.cfg.Runs.Combine...)
	}
	return []int{p.cfg.Runs.Xray}
}

// loadCoordinates reads q directly or derives it from x and y.
func loadCoordinates(path string, shape []int, setup geometry.Setup) (*array.Array, error) {
	ds, err := store.LoadDataset(path)
	if err != nil {
		return nil, err
	}
	if q, err := ds.Get("q"); err == nil {
		return store.Conform(q, shape)
	}
	x, err := ds.Get("x")
	if err != nil {
		return nil, err
	}
	y, err := ds.Get("y")
	if err != nil {
		return nil, err
	}
	if x, err = store.Conform(x, shape); err != nil {
		return nil, fmt.Errorf("x coordinates: %w", err)
	}
	if y, err = store.Conform(y, shape); err != nil {
		return nil, fmt.Errorf("y coordinates: %w", err)
	}
	return setup.Q(x, y)
}

func (p *Processor) workers() int {
	if p.cfg.Processing.NumCores < 1 {
		return 1
	}
	return p.cfg.Processing.NumCores
}

// GetMetrics returns the metrics of the last Process call.
func (p *Processor) GetMetrics() Metrics {
	m := p.metrics
	m.ValidFraction = make(map[string]float64, len(p.metrics.ValidFraction))
	for k, v := range p.metrics.ValidFraction {
		m.ValidFraction[k] = v
	}
	m.EmptyBins = append([]int(nil), p.metrics.EmptyBins...)
	return m
}

// Session returns the identifier attached to every log line of this processor.
func (p *Processor) Session() string {
	return p.session
}

// Profile returns the radial profile of the mean xray image.
func (p *Processor) Profile() radial.Profile {
	return p.profile
}

// CombinedMask returns the final mask and its store name.
func (p *Processor) CombinedMask() (*array.Array, string) {
	return p.combined.data, p.combined.record.Name
}

// EventProfiles returns the per-event profiles in event order.
func (p *Processor) EventProfiles() []EventProfile {
	return p.events
}

// Averager returns the averager built by Process.
func (p *Processor) Averager() *radial.Averager {
	return p.averager
}

func sortedRuns(runs ...int) []int {
	seen := make(map[int]bool)
	var out []int
	for _, r := range runs {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	sort.Ints(out)
	return out
}
