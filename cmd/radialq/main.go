package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"radialq/pkg/config"
	"radialq/pkg/pipeline"
)

func newLogger(out io.Writer, jsonLogs, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	if !jsonLogs {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "radialq.yaml", "YAML configuration file")
	dataPath := flag.String("data", "", "Accumulated run statistics (.npz)")
	coordsPath := flag.String("coords", "", "Pixel coordinates (.npz with q, or x and y)")
	eventsDir := flag.String("events", "", "Recorded run directory for per-event profiles")
	storeDir := flag.String("store", "", "Mask store directory (overrides config)")
	outDir := flag.String("out", "", "Output directory (overrides config)")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (overrides config)")
	jsonLogs := flag.Bool("json-logs", false, "Write logs as JSON")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file and exit")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *storeDir != "" {
		cfg.Output.Store = *storeDir
	}
	if *outDir != "" {
		cfg.Output.Dir = *outDir
	}
	if *numCores > 0 {
		cfg.Processing.NumCores = *numCores
	}

	log := newLogger(os.Stderr, *jsonLogs, cfg.Output.Verbose)

	if *dataPath == "" && *eventsDir == "" && len(cfg.Runs.Combine) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	proc, err := pipeline.NewProcessor(&pipeline.Params{
		Config:     cfg,
		DataPath:   *dataPath,
		CoordsPath: *coordsPath,
		EventsDir:  *eventsDir,
		Logger:     log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("invalid parameters")
	}

	log.Info().
		Str("detector", cfg.Detector.Name).
		Int("dark_run", cfg.Runs.Dark).
		Int("xray_run", cfg.Runs.Xray).
		Int("cores", cfg.Processing.NumCores).
		Msg("starting")
	if err := proc.Process(ctx); err != nil {
		log.Fatal().Err(err).Msg("processing failed")
	}

	metrics := proc.GetMetrics()
	_, maskName := proc.CombinedMask()
	fmt.Printf("\nProcessing completed in %.2f seconds\n", metrics.Duration.Seconds())
	fmt.Printf("Combined mask: %s (%.2f%% valid)\n", maskName, 100*metrics.ValidFraction[maskName])

	names := make([]string, 0, len(metrics.ValidFraction))
	for name := range metrics.ValidFraction {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("- %-24s %6.2f%% valid\n", name, 100*metrics.ValidFraction[name])
	}

	fmt.Printf("Shots: %d xray, %d dark\n", metrics.XrayShots, metrics.DarkShots)
	if len(metrics.EmptyBins) > 0 {
		fmt.Printf("Empty bins: %v\n", metrics.EmptyBins)
	}
	if *eventsDir != "" {
		fmt.Printf("Event profiles: %d processed, %d skipped\n", metrics.EventsProcessed, metrics.EventsSkipped)
	}
	fmt.Printf("Outputs saved to: %s\n", cfg.Output.Dir)
}
