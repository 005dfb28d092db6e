// Package config holds the xtalrefine settings: nominal cell, beam,
// detector, indexing and output. They are read from YAML, with defaults for
// anything the file leaves out.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"xtalrefine/internal/models"
	"xtalrefine/pkg/cell"
	"xtalrefine/pkg/indexing"
	"xtalrefine/pkg/pattern"
	"xtalrefine/pkg/predict"
	"xtalrefine/pkg/simulate"
	"xtalrefine/pkg/templates"
)

const deg = math.Pi / 180

// Config is the full set of settings for a run
type Config struct {
	// Beam conditions used when a pattern file does not give them
	Beam struct {
		// PhotonEnergy in eV
		PhotonEnergy float64 `yaml:"photonEnergy"`

		// Bandwidth is the fractional FWHM bandwidth
		Bandwidth float64 `yaml:"bandwidth"`

		// Divergence in radians
		Divergence float64 `yaml:"divergence"`

		// ProfileRadius is the starting reciprocal lattice point radius, m^-1
		ProfileRadius float64 `yaml:"profileRadius"`
	} `yaml:"beam"`

	// Cell is the nominal unit cell
	Cell struct {
		// Lengths in Angstroms
		A float64 `yaml:"a"`
		B float64 `yaml:"b"`
		C float64 `yaml:"c"`

		// Angles in degrees
		Alpha float64 `yaml:"alpha"`
		Beta  float64 `yaml:"beta"`
		Gamma float64 `yaml:"gamma"`

		PointGroup string `yaml:"pointGroup"`
	} `yaml:"cell"`

	Detector models.Detector `yaml:"detector"`

	Refinement struct {
		// PartialityModel is "unity" or "scsphere"
		PartialityModel string `yaml:"partialityModel"`

		// NumWorkers is how many patterns are processed at once
		NumWorkers int `yaml:"numWorkers"`

		// KeepRejected records crystals which failed refinement
		KeepRejected bool `yaml:"keepRejected"`
	} `yaml:"refinement"`

	Indexing struct {
		// Method is "none", "external" or "template"
		Method string `yaml:"method"`

		// Command runs the external indexer
		Command []string `yaml:"command,omitempty"`

		// Template grid steps in degrees
		OmegaStep float64 `yaml:"omegaStep"`
		PhiStep   float64 `yaml:"phiStep"`
		RotStep   float64 `yaml:"rotStep"`

		// ScoreMode is "intensity" or "distance"
		ScoreMode string `yaml:"scoreMode"`

		IntegrationHalfWidth int     `yaml:"integrationHalfWidth"`
		Threshold            float64 `yaml:"threshold"`
		MaxDistance          float64 `yaml:"maxDistance"`
		MaxTemplates         int     `yaml:"maxTemplates"`
	} `yaml:"indexing"`

	Simulation struct {
		PeakIntensity  float64 `yaml:"peakIntensity"`
		SpotSigma      float64 `yaml:"spotSigma"`
		Background     float64 `yaml:"background"`
		Noise          bool    `yaml:"noise"`
		PositionJitter float64 `yaml:"positionJitter"`
		Seed           uint64  `yaml:"seed"`
	} `yaml:"simulation"`

	// Where results go
	Output struct {
		// Database is the SQLite file results are stored in
		Database string `yaml:"database"`

		// ReflectionsDir receives one Parquet file per refined crystal
		ReflectionsDir string `yaml:"reflectionsDir"`

		// RenderDir receives overlay images and residual plots, if set
		RenderDir string `yaml:"renderDir"`

		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Beam.PhotonEnergy = 9300
	cfg.Beam.Bandwidth = 1e-3
	cfg.Beam.ProfileRadius = 5e6

	cfg.Cell.A, cfg.Cell.B, cfg.Cell.C = 79.1, 79.1, 38.0
	cfg.Cell.Alpha, cfg.Cell.Beta, cfg.Cell.Gamma = 90, 90, 90
	cfg.Cell.PointGroup = "4/mmm"

	// One 1024x1024 panel of 75 um pixels centred on the beam
	cfg.Detector.Panels = []models.Panel{{
		Name:  "p0",
		MaxFS: 1023, MaxSS: 1023,
		Res: 1 / 75e-6,
		CnX: -512, CnY: -512,
		FsX: 1, SsY: 1,
		Clen: 0.1,
	}}

	cfg.Refinement.PartialityModel = "scsphere"
	cfg.Refinement.NumWorkers = runtime.NumCPU()

	topts := templates.DefaultOptions()
	cfg.Indexing.Method = "none"
	cfg.Indexing.OmegaStep = topts.OmegaStep / deg
	cfg.Indexing.PhiStep = topts.PhiStep / deg
	cfg.Indexing.RotStep = topts.RotStep / deg
	cfg.Indexing.ScoreMode = topts.Mode.String()
	cfg.Indexing.IntegrationHalfWidth = topts.HalfWidth
	cfg.Indexing.Threshold = topts.Threshold
	cfg.Indexing.MaxDistance = topts.MaxDistance
	cfg.Indexing.MaxTemplates = 1000000

	sopts := simulate.DefaultOptions()
	cfg.Simulation.PeakIntensity = sopts.PeakIntensity
	cfg.Simulation.SpotSigma = sopts.SpotSigma
	cfg.Simulation.Background = sopts.Background
	cfg.Simulation.Seed = sopts.Seed

	cfg.Output.Database = "xtalrefine.db"
	cfg.Output.ReflectionsDir = "reflections"

	return cfg
}

// LoadConfig reads configPath over the defaults. A missing file gives the
// defaults unchanged.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// A detector in the file replaces the default one rather than merging
	// panel by panel
	cfg.Detector.Panels = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if len(cfg.Detector.Panels) == 0 {
		cfg.Detector.Panels = DefaultConfig().Detector.Panels
	}
	cfg.Detector.UpdateExtents()

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

// UnitCell builds the nominal cell.
func (c *Config) UnitCell() (*cell.UnitCell, error) {
	u, err := cell.NewFromParameters(
		c.Cell.A*1e-10, c.Cell.B*1e-10, c.Cell.C*1e-10,
		c.Cell.Alpha*deg, c.Cell.Beta*deg, c.Cell.Gamma*deg)
	if err != nil {
		return nil, fmt.Errorf("invalid cell: %w", err)
	}
	u.SetPointGroup(c.Cell.PointGroup)
	return u, nil
}

// TemplateOptions converts the indexing section to template options.
func (c *Config) TemplateOptions() (templates.Options, error) {
	opts := templates.DefaultOptions()
	mode, err := templates.ParseScoreMode(c.Indexing.ScoreMode)
	if err != nil {
		return opts, err
	}
	opts.Mode = mode
	opts.OmegaStep = c.Indexing.OmegaStep * deg
	opts.PhiStep = c.Indexing.PhiStep * deg
	opts.RotStep = c.Indexing.RotStep * deg
	opts.HalfWidth = c.Indexing.IntegrationHalfWidth
	opts.Threshold = c.Indexing.Threshold
	opts.MaxDistance = c.Indexing.MaxDistance
	opts.MaxTemplates = c.Indexing.MaxTemplates
	opts.ProfileRadius = c.Beam.ProfileRadius
	return opts, nil
}

// SimulationOptions converts the simulation section.
func (c *Config) SimulationOptions() simulate.Options {
	return simulate.Options{
		ProfileRadius:  c.Beam.ProfileRadius,
		PeakIntensity:  c.Simulation.PeakIntensity,
		SpotSigma:      c.Simulation.SpotSigma,
		Background:     c.Simulation.Background,
		Noise:          c.Simulation.Noise,
		PositionJitter: c.Simulation.PositionJitter,
		Render:         true,
		Seed:           c.Simulation.Seed,
	}
}

// Method parses the indexing method.
func (c *Config) Method() (indexing.Method, error) {
	return indexing.ParseMethod(c.Indexing.Method)
}

// PartialityModel parses the partiality model.
func (c *Config) PartialityModel() (predict.Model, error) {
	return predict.ParseModel(c.Refinement.PartialityModel)
}

// Reference returns an image with the configured beam and detector and no
// data. It stands in for a pattern when generating templates or simulating.
func (c *Config) Reference() *models.Image {
	det := c.Detector
	det.Panels = append([]models.Panel(nil), c.Detector.Panels...)
	det.UpdateExtents()
	return &models.Image{
		Lambda:     pattern.PhotonEnergyToWavelength(c.Beam.PhotonEnergy),
		Bandwidth:  c.Beam.Bandwidth,
		Divergence: c.Beam.Divergence,
		Det:        &det,
	}
}
