// Package config provides configuration loading and management for emfit.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"emfit/pkg/accel"
	"emfit/pkg/ctffit"
	"emfit/pkg/field"
	"emfit/pkg/motion"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`

		// Devices is the number of items processed at once, one device each
		Devices int `yaml:"devices"`

		// MemoryBudgetMB bounds the buffers of all devices together; 0 uses
		// half of physical memory
		MemoryBudgetMB int `yaml:"memoryBudgetMB"`

		// PixelSize is the pixel size of the frames in Å
		PixelSize float64 `yaml:"pixelSize"`

		// DoCTF and DoMotion select the fits run on every item
		DoCTF    bool `yaml:"doCTF"`
		DoMotion bool `yaml:"doMotion"`
	} `yaml:"processing"`

	// CTF fitting parameters
	CTF struct {
		// Cs is the spherical aberration in mm
		Cs float64 `yaml:"cs"`

		// Voltage is the acceleration voltage in kV
		Voltage float64 `yaml:"voltage"`

		// Amplitude is the amplitude contrast fraction
		Amplitude float64 `yaml:"amplitude"`

		// MinResolution and MaxResolution (Å) bound the fitted frequencies
		MinResolution float64 `yaml:"minResolution"`
		MaxResolution float64 `yaml:"maxResolution"`

		// TileSize, TileGrid and Overlap control the spectra tiling
		TileSize int        `yaml:"tileSize"`
		TileGrid field.Dims `yaml:"tileGrid,flow"`
		Overlap  float64    `yaml:"overlap"`

		// DefocusGrid is the resolution of the defocus field
		DefocusGrid field.Dims `yaml:"defocusGrid,flow"`

		// DefocusMin, DefocusMax and DefocusStep bound the coarse search in µm
		DefocusMin  float64 `yaml:"defocusMin"`
		DefocusMax  float64 `yaml:"defocusMax"`
		DefocusStep float64 `yaml:"defocusStep"`

		DoAstigmatism bool `yaml:"doAstigmatism"`
		DoPhase       bool `yaml:"doPhase"`

		// OutlierSigma excludes tiles scoring below mean − OutlierSigma·stddev
		OutlierSigma float64 `yaml:"outlierSigma"`

		// GradientStep is the central-difference step of the refinement
		GradientStep float64 `yaml:"gradientStep"`

		RefinementPasses int `yaml:"refinementPasses"`
		FinalIterations  int `yaml:"finalIterations"`
		BackgroundKnots  int `yaml:"backgroundKnots"`
		ProfileBins      int `yaml:"profileBins"`
		MaxIterations    int `yaml:"maxIterations"`
	} `yaml:"ctf"`

	// Motion fitting parameters
	Motion struct {
		// TileSize, TileGrid and Overlap place the compared tiles
		TileSize int        `yaml:"tileSize"`
		TileGrid field.Dims `yaml:"tileGrid,flow"`
		Overlap  float64    `yaml:"overlap"`

		// Grid is the resolution of the motion fields
		Grid field.Dims `yaml:"grid,flow"`

		// MinResolution and MaxResolution (Å) bound the compared frequencies
		MinResolution float64 `yaml:"minResolution"`
		MaxResolution float64 `yaml:"maxResolution"`

		// Bands is the number of coarse-to-fine frequency bands
		Bands int `yaml:"bands"`

		NuisanceStep  float64 `yaml:"nuisanceStep"`
		MaxIterations int     `yaml:"maxIterations"`
	} `yaml:"motion"`

	// Output parameters
	Output struct {
		// Dir is where metadata documents are written
		Dir string `yaml:"dir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// Server parameters
	Server struct {
		// Address is the listen address of the status API
		Address string `yaml:"address"`
	} `yaml:"server"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	ctfDefaults := ctffit.DefaultOptions()
	motionDefaults := motion.DefaultOptions()

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.Devices = 1
	cfg.Processing.PixelSize = 1.0
	cfg.Processing.DoCTF = true
	cfg.Processing.DoMotion = true

	// Set default CTF parameters
	cfg.CTF.Cs = ctfDefaults.Start.Cs
	cfg.CTF.Voltage = ctfDefaults.Start.Voltage
	cfg.CTF.Amplitude = ctfDefaults.Start.Amplitude
	cfg.CTF.MinResolution = 1 / ctfDefaults.Band.Min
	cfg.CTF.MaxResolution = 1 / ctfDefaults.Band.Max
	cfg.CTF.TileSize = ctfDefaults.Layout.TileSize
	cfg.CTF.TileGrid = ctfDefaults.Layout.Grid
	cfg.CTF.Overlap = ctfDefaults.Layout.Overlap
	cfg.CTF.DefocusGrid = ctfDefaults.DefocusGrid
	cfg.CTF.DefocusMin = ctfDefaults.Search.DefocusMin
	cfg.CTF.DefocusMax = ctfDefaults.Search.DefocusMax
	cfg.CTF.DefocusStep = ctfDefaults.Search.DefocusStep
	cfg.CTF.DoAstigmatism = true
	cfg.CTF.DoPhase = false
	cfg.CTF.OutlierSigma = ctfDefaults.OutlierSigma
	cfg.CTF.GradientStep = ctfDefaults.DefocusStep
	cfg.CTF.RefinementPasses = ctfDefaults.RefinementPasses
	cfg.CTF.FinalIterations = ctfDefaults.FinalIterations
	cfg.CTF.BackgroundKnots = ctfDefaults.BackgroundKnots
	cfg.CTF.ProfileBins = ctfDefaults.ProfileBins
	cfg.CTF.MaxIterations = ctfDefaults.MaxIterations

	// Set default motion parameters
	cfg.Motion.TileSize = motionDefaults.Layout.TileSize
	cfg.Motion.TileGrid = motionDefaults.Layout.Grid
	cfg.Motion.Overlap = motionDefaults.Layout.Overlap
	cfg.Motion.Grid = motionDefaults.Grid
	cfg.Motion.MinResolution = 1 / motionDefaults.Annulus.Band.Min
	cfg.Motion.MaxResolution = 1 / motionDefaults.Annulus.Band.Max
	cfg.Motion.Bands = motionDefaults.Bands
	cfg.Motion.NuisanceStep = motionDefaults.NuisanceStep
	cfg.Motion.MaxIterations = motionDefaults.MaxIterations

	// Set default output parameters
	cfg.Output.Dir = "metadata"
	cfg.Output.Verbose = true

	cfg.Server.Address = ":8080"

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

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
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

// CTFOptions translates the ctf section into fitting options
func (c *Config) CTFOptions() ctffit.Options {
	opts := ctffit.DefaultOptions()
	opts.Start.PixelSize = c.Processing.PixelSize
	opts.Start.Cs = c.CTF.Cs
	opts.Start.Voltage = c.CTF.Voltage
	opts.Start.Amplitude = c.CTF.Amplitude
	opts.Band = accel.Band{Min: 1 / c.CTF.MinResolution, Max: 1 / c.CTF.MaxResolution}
	opts.Layout = accel.TileLayout{Grid: c.CTF.TileGrid, TileSize: c.CTF.TileSize, Overlap: c.CTF.Overlap}
	opts.DefocusGrid = c.CTF.DefocusGrid
	opts.Search.DefocusMin = c.CTF.DefocusMin
	opts.Search.DefocusMax = c.CTF.DefocusMax
	opts.Search.DefocusStep = c.CTF.DefocusStep
	opts.DoAstigmatism = c.CTF.DoAstigmatism
	opts.DoPhase = c.CTF.DoPhase
	opts.OutlierSigma = c.CTF.OutlierSigma
	opts.DefocusStep = c.CTF.GradientStep
	opts.AstigmatismStep = c.CTF.GradientStep
	opts.PhaseStep = c.CTF.GradientStep
	opts.RefinementPasses = c.CTF.RefinementPasses
	opts.FinalIterations = c.CTF.FinalIterations
	opts.BackgroundKnots = c.CTF.BackgroundKnots
	opts.ProfileBins = c.CTF.ProfileBins
	opts.MaxIterations = c.CTF.MaxIterations
	return opts
}

// MotionOptions translates the motion section into fitting options
func (c *Config) MotionOptions() motion.Options {
	opts := motion.DefaultOptions()
	opts.Layout = accel.TileLayout{Grid: c.Motion.TileGrid, TileSize: c.Motion.TileSize, Overlap: c.Motion.Overlap}
	opts.Grid = c.Motion.Grid
	opts.Annulus = accel.Annulus{
		Band:      accel.Band{Min: 1 / c.Motion.MinResolution, Max: 1 / c.Motion.MaxResolution},
		PixelSize: c.Processing.PixelSize,
	}
	opts.Bands = c.Motion.Bands
	opts.NuisanceStep = c.Motion.NuisanceStep
	opts.MaxIterations = c.Motion.MaxIterations
	return opts
}

// MemoryBudget returns the configured buffer budget in bytes, 0 for automatic
func (c *Config) MemoryBudget() int64 {
	return int64(c.Processing.MemoryBudgetMB) << 20
}
