package pipeline

import (
	"errors"
	"fmt"
	"time"

	"radialq/internal/models"
	"radialq/pkg/array"
	"radialq/pkg/config"
	"radialq/pkg/geometry"
	"radialq/pkg/mask"
	"radialq/pkg/store"
)

// buildMasks derives the dark, xray and band masks from the mean images
// and loads the configured static masks.
func (p *Processor) buildMasks() error {
	logger := p.log.With().Str("component", "mask").Logger()

	var dark, xray *array.Array
	var err error
	if p.sums.DarkShots > 0 {
		if dark, err = p.sums.MeanDark(); err != nil {
			return err
		}
	}
	if p.sums.XrayShots > 0 {
		if xray, err = p.sums.MeanXray(); err != nil {
			return err
		}
	}
	composer, err := mask.NewComposer(dark, xray)
	if err != nil {
		return err
	}
	policy := p.cfg.EmptyPolicy()

	steps := []struct {
		kind   mask.Kind
		record models.MaskKind
		runs   []int
		ref    *array.Array
		params config.RangeOutlier
	}{
		{mask.Dark, models.KindDark, []int{p.cfg.Runs.Dark}, dark, p.cfg.Masks.Dark},
		{mask.Xray, models.KindXray, p.xrayRuns(), xray, p.cfg.Masks.Xray},
	}
	for _, s := range steps {
		if s.ref == nil {
			logger.Warn().Str("kind", string(s.kind)).Msg("no shots of this kind, mask skipped")
			continue
		}
		existing, err := p.loadExisting(s.params.Existing)
		if err != nil {
			return err
		}
		m, st, err := composer.RangeOutlier(s.kind, s.params.Params(policy), existing)
		if err != nil {
			return err
		}
		logger.Info().
			Str("kind", string(s.kind)).
			Float64("mean", st.Mean).
			Float64("std", st.Std).
			Float64("lower", st.Lower).
			Float64("upper", st.Upper).
			Int("survivors", st.Survivors).
			Int("valid", st.Valid).
			Msg("range and outlier mask")

		p.addMask(models.MaskRecord{
			Name:      store.MaskName(s.runs[0], string(s.kind)),
			Kind:      s.record,
			Runs:      s.runs,
			Lower:     s.params.Lower,
			Upper:     s.params.Upper,
			Tolerance: s.params.Tolerance,
		}, m, false)
	}

	if band := p.cfg.Masks.Band; band.Enabled {
		if xray == nil {
			return errors.New("band mask needs xray shots")
		}
		region := geometry.Ring(p.q, band.QLow, band.QHigh)
		m, err := composer.Band(mask.Xray, band.Lower, band.Upper, region, nil)
		if err != nil {
			return err
		}
		logger.Info().
			Float64("q_low", band.QLow).
			Float64("q_high", band.QHigh).
			Int("region", len(region)).
			Int("valid", m.CountNonZero()).
			Msg("band mask")
		p.addMask(models.MaskRecord{
			Name:  store.MaskName(p.cfg.Runs.Xray, string(models.KindBand)),
			Kind:  models.KindBand,
			Runs:  p.xrayRuns(),
			Lower: band.Lower,
			Upper: band.Upper,
		}, m, false)
	}

	for _, name := range p.cfg.Masks.Static {
		m, err := p.store.LoadShaped(name, p.cfg.Detector.Shape)
		if err != nil {
			return fmt.Errorf("static mask: %w", err)
		}
		rec, err := p.catalog.Get(name)
		if errors.Is(err, store.ErrNotFound) {
			rec = models.MaskRecord{Name: name, Kind: models.KindStatic}
		} else if err != nil {
			return err
		}
		logger.Debug().Str("name", name).Str("kind", string(rec.Kind)).Msg("loaded static mask")
		p.addMask(rec, m, true)
	}
	return nil
}

// loadExisting returns the stored mask to refine, or nil for none.
func (p *Processor) loadExisting(name string) (*array.Array, error) {
	if name == "" {
		return nil, nil
	}
	m, err := p.store.LoadShaped(name, p.cfg.Detector.Shape)
	if err != nil {
		return nil, fmt.Errorf("existing mask: %w", err)
	}
	return m, nil
}

func (p *Processor) addMask(rec models.MaskRecord, m *array.Array, loaded bool) {
	rec.Shape = append([]int(nil), m.Shape...)
	rec.ValidPixels = m.CountNonZero()
	rec.TotalPixels = m.Len()
	p.masks = append(p.masks, namedMask{record: rec, data: m, loaded: loaded})
	p.metrics.ValidFraction[rec.Name] = mask.ValidFraction(m)
}

// combineMasks ANDs every mask into the combined mask.
func (p *Processor) combineMasks() error {
	data := make([]*array.Array, len(p.masks))
	var runs []int
	for i, m := range p.masks {
		data[i] = m.data
		if !m.loaded {
			runs = append(runs, m.record.Runs...)
		}
	}
	combined, err := mask.Combine(data...)
	if err != nil {
		return err
	}
	runs = sortedRuns(runs...)

	rec := models.MaskRecord{
		Name:        store.CombinedName(runs...),
		Kind:        models.KindCombined,
		Runs:        runs,
		Shape:       append([]int(nil), combined.Shape...),
		ValidPixels: combined.CountNonZero(),
		TotalPixels: combined.Len(),
	}
	p.combined = namedMask{record: rec, data: combined}
	p.metrics.ValidFraction[rec.Name] = mask.ValidFraction(combined)

	p.log.Info().
		Str("component", "mask").
		Str("name", rec.Name).
		Int("inputs", len(data)).
		Float64("valid_fraction", rec.ValidFraction()).
		Msg("combined mask")
	return nil
}

// saveMasks writes the derived masks and records their provenance.
// Loaded masks are already in the store and keep their records.
func (p *Processor) saveMasks() error {
	logger := p.log.With().Str("component", "store").Logger()
	now := time.Now()

	toSave := append([]namedMask(nil), p.masks...)
	toSave = append(toSave, p.combined)
	for _, m := range toSave {
		if m.loaded {
			continue
		}
		if err := p.store.Save(m.record.Name, m.data); err != nil {
			return err
		}
		rec := m.record
		rec.CreatedAt = now
		if err := p.catalog.Record(rec); err != nil {
			return err
		}
		logger.Debug().Str("name", rec.Name).Str("path", p.store.Path(rec.Name)).Msg("saved mask")
	}
	return nil
}
