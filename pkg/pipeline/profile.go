package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"radialq/pkg/radial"
	"radialq/pkg/store"
	"radialq/pkg/visualization"
)

// buildProfile builds the averager from q and the combined mask and
// reduces the mean xray image.
func (p *Processor) buildProfile() error {
	logger := p.log.With().Str("component", "radial").Logger()

	avg, err := radial.New(p.q, p.combined.data, p.cfg.Radial.NBins, p.cfg.RadialOptions()...)
	if err != nil {
		return err
	}
	p.averager = avg
	p.metrics.EmptyBins = avg.EmptyBins()

	qMin, qMax := avg.Range()
	ev := logger.Info().
		Int("bins", avg.NBins()).
		Float64("bin_width", avg.BinWidth()).
		Float64("q_min", qMin).
		Float64("q_max", qMax)
	if n := len(p.metrics.EmptyBins); n > 0 {
		ev = ev.Int("empty_bins", n)
	}
	ev.Msg("averager ready")

	mean, err := p.sums.MeanXray()
	if err != nil {
		return err
	}
	p.profile, err = avg.Profile(mean)
	return err
}

// saveOutputs writes the run profile as CSV and, when plots are enabled,
// a profile plot and a preview of the combined mask.
func (p *Processor) saveOutputs() error {
	logger := p.log.With().Str("component", "store").Logger()
	out := p.cfg.Output.Dir
	if err := os.MkdirAll(out, 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	run := store.RunName(p.cfg.Runs.Xray)

	csvPath := filepath.Join(out, run+"_profile.csv")
	if err := visualization.SaveProfileCSV(csvPath, p.profile); err != nil {
		return err
	}
	logger.Info().Str("path", csvPath).Msg("saved profile")

	if !p.cfg.Output.Plots {
		return nil
	}
	title := fmt.Sprintf("%s run %d", p.cfg.Detector.Name, p.cfg.Runs.Xray)
	plotPath := filepath.Join(out, run+"_profile.png")
	if err := visualization.PlotProfile(p.profile, title, plotPath); err != nil {
		// Plot failures are not fatal
		logger.Warn().Err(err).Str("path", plotPath).Msg("failed to plot profile")
	}
	htmlPath := filepath.Join(out, run+"_profile.html")
	series := []visualization.Series{{Label: "mean xray", Profile: p.profile}}
	if err := visualization.SaveProfilesHTML(htmlPath, series, title); err != nil {
		logger.Warn().Err(err).Str("path", htmlPath).Msg("failed to chart profile")
	}
	if p.combined.data.Rank() >= 2 {
		maskPath := filepath.Join(out, p.combined.record.Name+".png")
		if err := visualization.SaveMaskPNG(p.combined.data, maskPath); err != nil {
			logger.Warn().Err(err).Str("path", maskPath).Msg("failed to save mask preview")
		}
	}
	return nil
}
