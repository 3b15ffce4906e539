// Package config provides unified configuration loading for cellsim.
// It supports loading from YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nvandessel/cellsim/internal/simulation"
	"github.com/nvandessel/cellsim/internal/storage"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the config file Load looks for in the working directory.
const DefaultFile = "cellsim.yaml"

// ErrInvalid is wrapped by every ValidationError.
var ErrInvalid = errors.New("invalid configuration")

// ValidationError names the configuration key that failed validation.
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Key, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

// SimConfig contains all cellsim run settings.
type SimConfig struct {
	NumCells            int     `json:"num_cells" yaml:"num_cells"`
	SimulationTime      float64 `json:"simulation_time" yaml:"simulation_time"`
	IntegrationStepSize float64 `json:"integration_step_size" yaml:"integration_step_size"`

	// SampleCells emits one extra single-column file per cell.
	SampleCells bool `json:"sample_cells" yaml:"sample_cells"`

	// NSnapshots of 0 keeps every time point after t0; n > 0 draws one
	// column from each of n windows.
	NSnapshots int `json:"n_snapshots" yaml:"n_snapshots"`

	// NClusters > 1 clusters trajectories when NSnapshots is 0.
	NClusters int `json:"n_clusters" yaml:"n_clusters"`

	DoParallel bool `json:"do_parallel" yaml:"do_parallel"`

	// Workers caps the pool when DoParallel is set. 0 means one per CPU.
	Workers int `json:"workers" yaml:"workers"`

	WriteProtein        bool `json:"write_protein" yaml:"write_protein"`
	NormalizeTrajectory bool `json:"normalize_trajectory" yaml:"normalize_trajectory"`

	// OutPrefix is the output directory. Supports ${VAR}.
	OutPrefix string `json:"outprefix" yaml:"outprefix"`

	// Model names a registered model. ModelPath, if set, points to a YAML
	// file overriding its specification.
	Model     string `json:"model" yaml:"model"`
	ModelPath string `json:"model_path,omitempty" yaml:"model_path,omitempty"`
	ICsPath   string `json:"ics_path,omitempty" yaml:"ics_path,omitempty"`

	// MaxAttempts bounds the degeneracy retries per cell. 0 is unbounded.
	MaxAttempts int    `json:"max_attempts" yaml:"max_attempts"`
	SeedOffset  uint64 `json:"seed_offset" yaml:"seed_offset"`
	ClusterSeed uint64 `json:"cluster_seed" yaml:"cluster_seed"`

	// Resume skips cells the ledger records as complete for this config.
	Resume bool `json:"resume" yaml:"resume"`

	Storage storage.Config `json:"storage" yaml:"storage"`
	Logging LoggingConfig  `json:"logging" yaml:"logging"`
	Outputs OutputsConfig  `json:"outputs" yaml:"outputs"`
}

// LoggingConfig configures cellsim's logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "debug", or "trace".
	// "debug" and "trace" also write per-cell events to events.jsonl.
	Level string `json:"level" yaml:"level"`
}

// OutputsConfig toggles the optional artifacts written next to
// ExpressionData.csv.
type OutputsConfig struct {
	Arrow   bool `json:"arrow" yaml:"arrow"`
	Plot    bool `json:"plot" yaml:"plot"`
	Metrics bool `json:"metrics" yaml:"metrics"`
}

// Default returns a SimConfig with sensible defaults.
func Default() *SimConfig {
	return &SimConfig{
		NumCells:            100,
		SimulationTime:      20,
		IntegrationStepSize: 0.01,
		NSnapshots:          0,
		NClusters:           1,
		OutPrefix:           "cellsim-out",
		Model:               "toggle",
		MaxAttempts:         simulation.DefaultMaxAttempts,
		SeedOffset:          simulation.DefaultSeedOffset,
		Storage:             storage.Config{Driver: storage.DriverFilesystem},
		Logging:             LoggingConfig{Level: "info"},
	}
}

// Load loads configuration from path, or from ./cellsim.yaml when path is
// empty and that file exists, then applies environment variable overrides.
// Order: defaults -> file -> environment variables
func Load(path string) (*SimConfig, error) {
	config := Default()

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
		config = fileConfig
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}
	config.expandPaths()
	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file. Keys missing
// from the file keep their defaults.
func LoadFromFile(path string) (*SimConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	config.expandPaths()
	return config, nil
}

// GridPoints returns the number of time points the config's grid will have.
func (c *SimConfig) GridPoints() int {
	if c.SimulationTime <= 0 || c.IntegrationStepSize <= 0 {
		return 0
	}
	return int(c.SimulationTime / c.IntegrationStepSize)
}

// DatabasePath returns the ledger database location under OutPrefix.
func (c *SimConfig) DatabasePath() string {
	return filepath.Join(c.OutPrefix, "cellsim.db")
}

// Validate checks that the configuration is valid.
func (c *SimConfig) Validate() error {
	if c.NumCells < 1 {
		return &ValidationError{Key: "num_cells", Reason: fmt.Sprintf("must be >= 1, got %d", c.NumCells)}
	}
	if c.NSnapshots < 0 {
		return &ValidationError{Key: "n_snapshots", Reason: fmt.Sprintf("must be >= 0, got %d", c.NSnapshots)}
	}
	if c.SimulationTime <= 0 {
		return &ValidationError{Key: "simulation_time", Reason: fmt.Sprintf("must be positive, got %g", c.SimulationTime)}
	}
	if c.IntegrationStepSize <= 0 {
		return &ValidationError{Key: "integration_step_size", Reason: fmt.Sprintf("must be positive, got %g", c.IntegrationStepSize)}
	}
	if n := c.GridPoints(); n < 2 {
		return &ValidationError{Key: "integration_step_size",
			Reason: fmt.Sprintf("grid of %g/%g has %d points, need at least 2", c.SimulationTime, c.IntegrationStepSize, n)}
	} else if n < c.NSnapshots+1 {
		return &ValidationError{Key: "n_snapshots",
			Reason: fmt.Sprintf("%d snapshots need at least %d time points, grid has %d", c.NSnapshots, c.NSnapshots+1, n)}
	}
	if c.NClusters < 1 {
		return &ValidationError{Key: "n_clusters", Reason: fmt.Sprintf("must be >= 1, got %d", c.NClusters)}
	}
	if c.MaxAttempts < 0 {
		return &ValidationError{Key: "max_attempts", Reason: fmt.Sprintf("must be >= 0, got %d", c.MaxAttempts)}
	}
	if c.Workers < 0 {
		return &ValidationError{Key: "workers", Reason: fmt.Sprintf("must be >= 0, got %d", c.Workers)}
	}
	if c.Model == "" && c.ModelPath == "" {
		return &ValidationError{Key: "model", Reason: "a model name or model_path is required"}
	}
	if c.OutPrefix == "" {
		return &ValidationError{Key: "outprefix", Reason: "must not be empty"}
	}

	validDriver := c.Storage.Driver == ""
	for _, d := range storage.Drivers() {
		if c.Storage.Driver == d {
			validDriver = true
		}
	}
	if !validDriver {
		return &ValidationError{Key: "storage.driver", Reason: fmt.Sprintf("unknown driver %q (valid: fs, s3)", c.Storage.Driver)}
	}
	if c.Storage.Driver == storage.DriverMemory {
		return &ValidationError{Key: "storage.driver", Reason: "memory storage is discarded when the run exits (use fs or s3)"}
	}
	if c.Storage.Driver == storage.DriverS3 && c.Storage.S3.Bucket == "" {
		return &ValidationError{Key: "storage.s3.bucket", Reason: "required for the s3 driver"}
	}

	validLevels := map[string]bool{"info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return &ValidationError{Key: "logging.level", Reason: fmt.Sprintf("invalid log level: %s (valid: info, debug, trace, or empty for default)", c.Logging.Level)}
	}

	return nil
}

// Settings returns the per-cell simulation settings the config selects.
func (c *SimConfig) Settings(overrides map[string]float64) simulation.Settings {
	return simulation.Settings{
		Stochastic:          true,
		MaxAttempts:         c.MaxAttempts,
		SeedOffset:          c.SeedOffset,
		SampleCells:         c.SampleCells,
		WriteProtein:        c.WriteProtein,
		NormalizeTrajectory: c.NormalizeTrajectory,
		Overrides:           overrides,
	}
}

// applyEnvOverrides applies CELLSIM_* environment variable overrides.
// Malformed numbers and booleans are reported rather than ignored.
func applyEnvOverrides(config *SimConfig) error {
	ints := []struct {
		env string
		dst *int
	}{
		{"CELLSIM_NUM_CELLS", &config.NumCells},
		{"CELLSIM_N_SNAPSHOTS", &config.NSnapshots},
		{"CELLSIM_N_CLUSTERS", &config.NClusters},
		{"CELLSIM_WORKERS", &config.Workers},
		{"CELLSIM_MAX_ATTEMPTS", &config.MaxAttempts},
	}
	for _, o := range ints {
		if v := os.Getenv(o.env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", o.env, err)
			}
			*o.dst = n
		}
	}

	floatVars := []struct {
		env string
		dst *float64
	}{
		{"CELLSIM_SIMULATION_TIME", &config.SimulationTime},
		{"CELLSIM_INTEGRATION_STEP_SIZE", &config.IntegrationStepSize},
	}
	for _, o := range floatVars {
		if v := os.Getenv(o.env); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", o.env, err)
			}
			*o.dst = f
		}
	}

	bools := []struct {
		env string
		dst *bool
	}{
		{"CELLSIM_DO_PARALLEL", &config.DoParallel},
		{"CELLSIM_SAMPLE_CELLS", &config.SampleCells},
		{"CELLSIM_WRITE_PROTEIN", &config.WriteProtein},
		{"CELLSIM_RESUME", &config.Resume},
	}
	for _, o := range bools {
		if v := os.Getenv(o.env); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", o.env, err)
			}
			*o.dst = b
		}
	}

	if v := os.Getenv("CELLSIM_OUTPREFIX"); v != "" {
		config.OutPrefix = v
	}
	if v := os.Getenv("CELLSIM_MODEL"); v != "" {
		config.Model = v
	}
	if v := os.Getenv("CELLSIM_STORAGE_DRIVER"); v != "" {
		config.Storage.Driver = storage.Driver(v)
	}
	if v := os.Getenv("CELLSIM_S3_BUCKET"); v != "" {
		config.Storage.S3.Bucket = v
	}
	if v := os.Getenv("CELLSIM_S3_ENDPOINT"); v != "" {
		config.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("CELLSIM_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	return nil
}

func (c *SimConfig) expandPaths() {
	c.OutPrefix = expandEnvVars(c.OutPrefix)
	c.ModelPath = expandEnvVars(c.ModelPath)
	c.ICsPath = expandEnvVars(c.ICsPath)
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
