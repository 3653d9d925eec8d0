// Package config provides configuration loading and management for voxelreg.
// It handles loading configuration from YAML files and provides default
// values matched to the registration pipelines.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Metric parameters shared by both pipelines.
	Metric struct {
		// Bins is the joint-histogram resolution per intensity axis.
		Bins int `yaml:"bins"`

		// SampleFraction is the fraction of fixed-volume voxels drawn as
		// metric sample points at each level.
		SampleFraction float64 `yaml:"sampleFraction"`

		// Seed makes the sparse metric sampling deterministic.
		Seed int64 `yaml:"seed"`

		// Workers bounds the parallel metric accumulation goroutines.
		Workers int `yaml:"workers"`
	} `yaml:"metric"`

	// Optimizer parameters shared by both pipelines.
	Optimizer struct {
		// GradientTolerance stops a level once the gradient infinity norm
		// falls below it.
		GradientTolerance float64 `yaml:"gradientTolerance"`

		// MaxIterations caps quasi-Newton iterations per level.
		MaxIterations int `yaml:"maxIterations"`

		// MaxEvaluations caps metric evaluations per level.
		MaxEvaluations int `yaml:"maxEvaluations"`

		// History is the limited-memory BFGS history depth.
		History int `yaml:"history"`
	} `yaml:"optimizer"`

	// Rigid parameters for the initial-alignment stage.
	Rigid struct {
		// Levels is the pyramid depth.
		Levels int `yaml:"levels"`

		// RotationScale and TranslationScale reconcile the radian-valued
		// rotation parameters with the millimetre-valued translations: each
		// acts as a curvature prior, so a larger scale makes the optimizer
		// step that parameter group more cautiously. Their ratio materially
		// affects step acceptance, which is why they are configuration
		// rather than constants.
		RotationScale    float64 `yaml:"rotationScale"`
		TranslationScale float64 `yaml:"translationScale"`
	} `yaml:"rigid"`

	// Deformable parameters for the non-rigid stage.
	Deformable struct {
		// Levels is the pyramid depth.
		Levels int `yaml:"levels"`

		// FinestMesh is the B-spline lattice resolution (cells per axis) at
		// the finest level; coarser levels halve it.
		FinestMesh int `yaml:"finestMesh"`

		// Bounded selects the box-constrained optimizer variant.
		Bounded bool `yaml:"bounded"`

		// BoundMagnitude limits each control-point displacement component
		// to ±BoundMagnitude mm when Bounded is set. Zero leaves every
		// parameter unconstrained.
		BoundMagnitude float64 `yaml:"boundMagnitude"`
	} `yaml:"deformable"`

	// Output parameters.
	Output struct {
		// Verbose controls per-level progress output.
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Metric.Bins = 50
	cfg.Metric.SampleFraction = 0.2
	cfg.Metric.Seed = 1
	cfg.Metric.Workers = runtime.NumCPU()

	cfg.Optimizer.GradientTolerance = 1e-5
	cfg.Optimizer.MaxIterations = 100
	cfg.Optimizer.MaxEvaluations = 500
	cfg.Optimizer.History = 8

	cfg.Rigid.Levels = 3
	cfg.Rigid.RotationScale = 1.0
	// Millimetre translations need far larger steps than radian rotations;
	// down-weighting their curvature by 1000 evens out the search.
	cfg.Rigid.TranslationScale = 0.001

	cfg.Deformable.Levels = 2
	cfg.Deformable.FinestMesh = 4
	cfg.Deformable.Bounded = false
	cfg.Deformable.BoundMagnitude = 0

	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

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

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
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

// CreateDefaultConfigFile creates a default configuration file at the
// specified path.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
