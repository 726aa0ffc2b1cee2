package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"emfit/pkg/accel"
	"emfit/pkg/config"
	"emfit/pkg/ctf"
	"emfit/pkg/frames"
	"emfit/pkg/pipeline"
	"emfit/pkg/server"
	"emfit/pkg/simulate"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "emfit.yaml", "Path to the YAML configuration")
	createConfig := flag.Bool("create-config", false, "Write the default configuration to -config and exit")
	outputDir := flag.String("output", "", "Directory for metadata documents (overrides the configuration)")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (overrides the configuration)")
	serve := flag.Bool("serve", false, "Serve the batch status API while processing and afterwards")
	simulateDir := flag.String("simulate", "", "Write a simulated test movie into this directory and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] movie...\n\nEach movie is a directory of frames or a single TIFF, PNG or FITS frame.\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *createConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to create configuration: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *outputDir != "" {
		cfg.Output.Dir = *outputDir
	}
	if *numCores > 0 {
		cfg.Processing.NumCores = *numCores
	}
	if cfg.Processing.NumCores > 0 {
		runtime.GOMAXPROCS(cfg.Processing.NumCores)
	}

	if *simulateDir != "" {
		if err := writeSimulatedMovie(cfg, *simulateDir); err != nil {
			log.Fatalf("Simulation failed: %v", err)
		}
		return
	}

	items := flag.Args()
	if len(items) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	fmt.Println("================================")
	fmt.Println("EMFIT: CTF AND MOTION FIELD ESTIMATION")
	fmt.Println("================================")
	if cfg.Output.Verbose {
		for _, d := range accel.DetectDevices(cfg.Processing.Devices, cfg.MemoryBudget()) {
			fmt.Printf("Using %s\n", d)
		}
	}

	params := &pipeline.Params{
		Items:        items,
		OutputDir:    cfg.Output.Dir,
		Devices:      cfg.Processing.Devices,
		MemoryBudget: cfg.MemoryBudget(),
		PixelSize:    cfg.Processing.PixelSize,
		DoCTF:        cfg.Processing.DoCTF,
		DoMotion:     cfg.Processing.DoMotion,
		CTF:          cfg.CTFOptions(),
		Motion:       cfg.MotionOptions(),
	}
	processor := pipeline.NewProcessor(params)
	fmt.Printf("Batch %s\n", processor.ID())

	if *serve {
		srv := server.New(processor)
		go func() {
			fmt.Printf("Status API listening on %s\n", cfg.Server.Address)
			if err := srv.Run(cfg.Server.Address); err != nil {
				log.Fatalf("Status API failed: %v", err)
			}
		}()
	}

	events := processor.Subscribe()
	logged := make(chan struct{})
	go func() {
		defer close(logged)
		for ev := range events {
			switch {
			case ev.Status == pipeline.StatusFailed:
				log.Printf("%s: failed: %s", ev.Item, ev.Message)
			case ev.Status == pipeline.StatusDone:
				log.Printf("%s: done", ev.Item)
			case cfg.Output.Verbose:
				log.Printf("%s: %s: %s", ev.Item, ev.Stage, ev.Message)
			}
		}
	}()

	fmt.Printf("Processing %d items on %d devices...\n", len(items), max(1, cfg.Processing.Devices))
	startTime := time.Now()
	processErr := processor.Process()
	<-logged
	processingTime := time.Since(startTime)

	counts := processor.Summary()
	fmt.Printf("\nProcessing finished in %.2f seconds\n", processingTime.Seconds())
	fmt.Printf("- Done: %d\n", counts[pipeline.StatusDone])
	fmt.Printf("- Failed: %d\n", counts[pipeline.StatusFailed])
	fmt.Printf("Metadata written to: %s\n", cfg.Output.Dir)

	if *serve {
		fmt.Println("\nBatch complete; the status API keeps serving until interrupted")
		select {}
	}
	if processErr != nil {
		log.Fatalf("Processing failed: %v", processErr)
	}
}

// writeSimulatedMovie renders a drifting movie with the configured optics so
// a configuration can be tried end to end without real data
func writeSimulatedMovie(cfg *config.Config, dir string) error {
	truth := ctf.DefaultParameters()
	truth.PixelSize = cfg.Processing.PixelSize
	truth.Cs = cfg.CTF.Cs
	truth.Voltage = cfg.CTF.Voltage
	truth.Amplitude = cfg.CTF.Amplitude
	truth.Defocus = (cfg.CTF.DefocusMin + cfg.CTF.DefocusMax) / 2

	stack := simulate.Movie(simulate.MovieOptions{
		Name:   filepath.Base(dir),
		Width:  1024,
		Height: 1024,
		Frames: 10,
		Truth:  truth,
		Drift: func(t float64) accel.Shift {
			return accel.Shift{X: 4 * t, Y: -2 * t}
		},
		Noise: 0.5,
		Seed:  1,
	})
	if err := frames.Save(stack, dir); err != nil {
		return err
	}
	fmt.Printf("Simulated movie with defocus %.2f µm written to: %s\n", truth.Defocus, dir)
	return nil
}
