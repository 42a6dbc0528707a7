package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"radialq/pkg/array"
	"radialq/pkg/radial"
	"radialq/pkg/source"
	"radialq/pkg/store"
	"radialq/pkg/visualization"
)

// ReduceEvents averages every event of src with avg using workers
// goroutines that share the read-only averager. Events without an image
// are skipped and counted. A positive max stops after that many events.
// Profiles come back in event order.
func ReduceEvents(ctx context.Context, avg *radial.Averager, src source.Source, workers, max int) ([]EventProfile, int, error) {
	if avg == nil {
		return nil, 0, errors.New("no averager")
	}
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type eventResult struct {
		index  int
		values []float64
		err    error
	}
	jobs := make(chan *source.Event, workers)
	resultChan := make(chan eventResult)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for evt := range jobs {
				values, err := avg.Average(evt.Image)
				if err != nil {
					err = fmt.Errorf("event %d: %w", evt.Index, err)
				}
				select {
				case resultChan <- eventResult{index: evt.Index, values: values, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	skipped := 0
	readErr := make(chan error, 1)
	go func() {
		defer close(jobs)
		n := 0
		for max <= 0 || n < max {
			evt, err := src.Next(ctx)
			if errors.Is(err, source.ErrExhausted) {
				break
			}
			if err != nil {
				readErr <- err
				return
			}
			n++
			if evt == nil || evt.Image == nil {
				skipped++
				continue
			}
			select {
			case jobs <- evt:
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
		readErr <- nil
	}()

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	// Collect results
	var profiles []EventProfile
	var firstErr error
	for res := range resultChan {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
				cancel()
			}
			continue
		}
		profiles = append(profiles, EventProfile{Index: res.index, Values: res.values})
	}

	err := <-readErr
	if firstErr != nil {
		return nil, skipped, firstErr
	}
	if err != nil {
		return nil, skipped, err
	}

	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Index < profiles[j].Index })
	return profiles, skipped, nil
}

// ProcessEvents reduces every event of src with the averager built by
// Process and stores the profiles as one array of events by bins.
func (p *Processor) ProcessEvents(ctx context.Context, src source.Source) ([]EventProfile, error) {
	logger := p.log.With().Str("component", "events").Logger()

	profiles, skipped, err := ReduceEvents(ctx, p.averager, src, p.workers(), p.cfg.Processing.MaxEvents)
	if err != nil {
		return nil, err
	}
	p.events = profiles
	p.metrics.EventsProcessed = len(profiles)
	p.metrics.EventsSkipped = skipped
	logger.Info().Int("processed", len(profiles)).Int("skipped", skipped).Msg("event profiles done")

	if len(profiles) == 0 {
		return profiles, nil
	}
	nBins := p.averager.NBins()
	stacked := array.New(len(profiles), nBins)
	for i, ep := range profiles {
		copy(stacked.Data[i*nBins:], ep.Values)
	}
	if err := os.MkdirAll(p.cfg.Output.Dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(p.cfg.Output.Dir, store.RunName(p.cfg.Runs.Xray)+"_event_profiles.npy")
	if err := store.SaveNPY(path, stacked); err != nil {
		return nil, err
	}
	logger.Debug().Str("path", path).Msg("saved event profiles")

	if p.cfg.Output.Plots {
		p.chartEvents(profiles)
	}
	return profiles, nil
}

// maxChartedEvents bounds the number of event series in the overlay chart.
const maxChartedEvents = 8

// chartEvents overlays the first events on the run profile.
func (p *Processor) chartEvents(profiles []EventProfile) {
	series := []visualization.Series{{Label: "mean xray", Profile: p.profile}}
	for _, ep := range profiles {
		if len(series) > maxChartedEvents {
			break
		}
		series = append(series, visualization.Series{
			Label: fmt.Sprintf("event %d", ep.Index),
			Profile: radial.Profile{
				Centers: p.profile.Centers,
				Values:  ep.Values,
				Counts:  p.profile.Counts,
			},
		})
	}
	path := filepath.Join(p.cfg.Output.Dir, store.RunName(p.cfg.Runs.Xray)+"_events.html")
	title := fmt.Sprintf("%s run %d events", p.cfg.Detector.Name, p.cfg.Runs.Xray)
	if err := visualization.SaveProfilesHTML(path, series, title); err != nil {
		p.log.Warn().Str("component", "events").Err(err).Str("path", path).Msg("failed to chart event profiles")
	}
}
