// Package config provides configuration loading and management for radialq.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"radialq/pkg/geometry"
	"radialq/pkg/mask"
	"radialq/pkg/radial"
)

// RangeOutlier holds the thresholds of one range-and-outlier mask
type RangeOutlier struct {
	// Lower and Upper bound the accepted reference values (exclusive)
	Lower float64 `yaml:"lower"`
	Upper float64 `yaml:"upper"`

	// Tolerance is the number of standard deviations kept around the mean
	Tolerance float64 `yaml:"tolerance"`

	// Existing names a stored mask to refine; empty means start from all ones
	Existing string `yaml:"existing,omitempty"`
}

// Params converts the section into mask parameters.
func (r RangeOutlier) Params(onEmpty mask.EmptyPolicy) mask.RangeOutlierParams {
	return mask.RangeOutlierParams{
		Lower:     r.Lower,
		Upper:     r.Upper,
		Tolerance: r.Tolerance,
		OnEmpty:   onEmpty,
	}
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Detector layout
	Detector struct {
		// Name identifies the detector in logs and output names
		Name string `yaml:"name"`

		// Shape is the frame shape, e.g. [8, 512, 1024] for a tiled detector
		Shape []int `yaml:"shape"`
	} `yaml:"detector"`

	// Geometry used to derive momentum transfer from pixel coordinates
	Geometry geometry.Setup `yaml:"geometry"`

	// Runs to process
	Runs struct {
		// Dark is the run whose dark frames feed the dark mask
		Dark int `yaml:"dark"`

		// Xray is the run whose xray frames feed the xray mask and the profile
		Xray int `yaml:"xray"`

		// Combine lists runs whose saved statistics (<output.dir>/<run>_stats.npz)
		// are merged into one dataset when no data file is given
		Combine []int `yaml:"combine,omitempty"`

		// Check names dataset arrays that must agree between combined runs
		Check []string `yaml:"check,omitempty"`
	} `yaml:"runs"`

	// Radial binning parameters
	Radial struct {
		// NBins is the number of equal-width q bins
		NBins int `yaml:"nBins"`

		// ClampUpperEdge folds the maximum q pixel into the last bin; when
		// false that pixel makes averager construction fail
		ClampUpperEdge bool `yaml:"clampUpperEdge"`
	} `yaml:"radial"`

	// Mask composition parameters
	Masks struct {
		Dark RangeOutlier `yaml:"dark"`
		Xray RangeOutlier `yaml:"xray"`

		// Band selects pixels of a q ring by xray value; disabled unless Enabled
		Band struct {
			Enabled bool    `yaml:"enabled"`
			QLow    float64 `yaml:"qLow"`
			QHigh   float64 `yaml:"qHigh"`
			Lower   float64 `yaml:"lower"`
			Upper   float64 `yaml:"upper"`
		} `yaml:"band"`

		// Static lists stored masks that are ANDed into the combined mask
		Static []string `yaml:"static"`

		// Premask names a stored mask multiplied into every frame while
		// accumulating an event directory
		Premask string `yaml:"premask,omitempty"`

		// EmptyPolicy is "fail" or "reject"
		EmptyPolicy string `yaml:"emptyPolicy"`
	} `yaml:"masks"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`

		// MaxEvents stops event processing after that many events; 0 means all
		MaxEvents int `yaml:"maxEvents"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Dir receives profiles, plots and previews
		Dir string `yaml:"dir"`

		// Store is the directory holding mask arrays
		Store string `yaml:"store"`

		// Catalog is the SQLite file recording mask provenance
		Catalog string `yaml:"catalog"`

		// Plots enables PNG previews and profile plots
		Plots bool `yaml:"plots"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Detector.Name = "jungfrau4M"
	cfg.Detector.Shape = []int{8, 512, 1024}

	cfg.Geometry = geometry.Setup{Z0: 90000, EnergyEV: 9500}

	cfg.Radial.NBins = radial.DefaultBins
	cfg.Radial.ClampUpperEdge = true

	cfg.Masks.Dark = RangeOutlier{Lower: -5, Upper: 5, Tolerance: 3}
	cfg.Masks.Xray = RangeOutlier{Lower: 0, Upper: 100, Tolerance: 3}
	cfg.Masks.Band.QLow = 0.5
	cfg.Masks.Band.QHigh = 1.0
	cfg.Masks.Band.Lower = 0
	cfg.Masks.Band.Upper = 100
	cfg.Masks.EmptyPolicy = mask.FailOnEmpty.String()

	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	cfg.Output.Dir = "out"
	cfg.Output.Store = "masks"
	cfg.Output.Catalog = "masks/catalog.db"
	cfg.Output.Plots = true
	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks the configuration for values the processing steps
// cannot work with. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Detector.Shape) == 0 {
		errs = append(errs, errors.New("detector.shape is empty"))
	}
	for _, d := range c.Detector.Shape {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("detector.shape has non-positive dimension %d", d))
			break
		}
	}
	if c.Geometry.EnergyEV <= 0 {
		errs = append(errs, fmt.Errorf("geometry.energyEV must be positive, got %g", c.Geometry.EnergyEV))
	}
	if c.Geometry.Z0 <= 0 {
		errs = append(errs, fmt.Errorf("geometry.z0 must be positive, got %g", c.Geometry.Z0))
	}
	if c.Radial.NBins <= 0 {
		errs = append(errs, fmt.Errorf("radial.nBins must be positive, got %d", c.Radial.NBins))
	}
	for name, r := range map[string]RangeOutlier{"dark": c.Masks.Dark, "xray": c.Masks.Xray} {
		if r.Lower >= r.Upper {
			errs = append(errs, fmt.Errorf("masks.%s: lower %g is not below upper %g", name, r.Lower, r.Upper))
		}
		if r.Tolerance < 0 {
			errs = append(errs, fmt.Errorf("masks.%s: negative tolerance %g", name, r.Tolerance))
		}
	}
	if b := c.Masks.Band; b.Enabled {
		if b.QLow >= b.QHigh {
			errs = append(errs, fmt.Errorf("masks.band: qLow %g is not below qHigh %g", b.QLow, b.QHigh))
		}
		if b.Lower >= b.Upper {
			errs = append(errs, fmt.Errorf("masks.band: lower %g is not below upper %g", b.Lower, b.Upper))
		}
	}
	seen := make(map[int]bool)
	for _, run := range c.Runs.Combine {
		if run < 0 {
			errs = append(errs, fmt.Errorf("runs.combine has negative run %d", run))
		}
		if seen[run] {
			errs = append(errs, fmt.Errorf("runs.combine lists run %d twice", run))
		}
		seen[run] = true
	}
	if _, err := mask.ParseEmptyPolicy(c.Masks.EmptyPolicy); err != nil {
		errs = append(errs, fmt.Errorf("masks.emptyPolicy: %w", err))
	}
	if c.Processing.NumCores < 0 {
		errs = append(errs, fmt.Errorf("processing.numCores must not be negative, got %d", c.Processing.NumCores))
	}
	if c.Processing.MaxEvents < 0 {
		errs = append(errs, fmt.Errorf("processing.maxEvents must not be negative, got %d", c.Processing.MaxEvents))
	}
	return errors.Join(errs...)
}

// EmptyPolicy returns the parsed empty-mask policy.
func (c *Config) EmptyPolicy() mask.EmptyPolicy {
	p, _ := mask.ParseEmptyPolicy(c.Masks.EmptyPolicy)
	return p
}

// RadialOptions returns the averager options selected by the config.
func (c *Config) RadialOptions() []radial.Option {
	if c.Radial.ClampUpperEdge {
		return []radial.Option{radial.WithUpperEdgeClamp()}
	}
	return nil
}
