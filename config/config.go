package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/Noofbiz/starcast/datasets"
)

// HistOpts controls how the star distribution charts are drawn.
type HistOpts struct {
	// PredTitle and RealTitle label the predicted and real star charts.
	PredTitle string `json:"pred_title"`
	RealTitle string `json:"real_title"`
	// Bins is the number of star buckets (1..Bins).
	Bins int `json:"bins"`
	// Color is a hex RGB string such as "#3366cc".
	Color string `json:"color"`
}

// Config captures the runtime knobs for a training run. It is built once at
// startup and passed to each component.
type Config struct {
	DataPath       string   `json:"data_path"`
	IDColumn       string   `json:"id_column"`
	FeatureColumns []string `json:"feature_columns"`
	TargetColumns  []string `json:"target_columns"`

	BatchSize    int     `json:"batch_size"`
	Epochs       int     `json:"epochs"`
	LearningRate float64 `json:"learning_rate"`
	ClipNorm     float64 `json:"clip_norm"`
	HiddenSize   int     `json:"hidden_size"`
	ModelName    string  `json:"model_name"`
	Seed         int64   `json:"seed"`

	GPU        bool `json:"gpu"`
	NumWorkers int  `json:"num_workers"`
	PinMemory  bool `json:"pin_memory"`

	CheckpointDir string `json:"checkpoint_dir"`
	HalfPrecision bool   `json:"half_precision"`

	DashboardAddr string `json:"dashboard_addr"`
	PlotDir       string `json:"plot_dir"`

	LogEvery          int      `json:"log_every"`
	SmoothingDecay    float64  `json:"smoothing_decay"`
	InitialSmoothLoss float64  `json:"initial_smooth_loss"`
	Hist              HistOpts `json:"hist"`
}

// Default returns the settings used when nothing is overridden.
func Default() *Config {
	return &Config{
		IDColumn:          datasets.DefaultIDColumn,
		TargetColumns:     append([]string(nil), datasets.DefaultTargetColumns...),
		BatchSize:         32,
		Epochs:            10,
		LearningRate:      1e-3,
		ClipNorm:          5,
		HiddenSize:        64,
		ModelName:         "starrnn",
		NumWorkers:        1,
		CheckpointDir:     ".",
		DashboardAddr:     ":8097",
		LogEvery:          10,
		SmoothingDecay:    0.99,
		InitialSmoothLoss: 7,
		Hist: HistOpts{
			PredTitle: "Predicted stars",
			RealTitle: "Real stars",
			Bins:      5,
			Color:     "#3366cc",
		},
	}
}

// Load reads a JSON config on top of Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Overrides captures CLI supplied values. Zero values leave the config
// untouched; the boolean fields are pointers so an explicit false is kept.
type Overrides struct {
	DataPath      string
	BatchSize     int
	Epochs        int
	LearningRate  float64
	HiddenSize    int
	Seed          int64
	NumWorkers    int
	LogEvery      int
	CheckpointDir string
	DashboardAddr string
	PlotDir       string
	GPU           *bool
	PinMemory     *bool
	HalfPrecision *bool
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataPath != "" {
		c.DataPath = o.DataPath
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.HiddenSize > 0 {
		c.HiddenSize = o.HiddenSize
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.CheckpointDir != "" {
		c.CheckpointDir = o.CheckpointDir
	}
	if o.DashboardAddr != "" {
		c.DashboardAddr = o.DashboardAddr
	}
	if o.PlotDir != "" {
		c.PlotDir = o.PlotDir
	}
	if o.GPU != nil {
		c.GPU = *o.GPU
	}
	if o.PinMemory != nil {
		c.PinMemory = *o.PinMemory
	}
	if o.HalfPrecision != nil {
		c.HalfPrecision = *o.HalfPrecision
	}
}

// Validate verifies the config is runnable and fills derived defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.DataPath == "" {
		return errors.New("data_path must be set")
	}
	if len(c.FeatureColumns) == 0 {
		return errors.New("feature_columns must list at least one column")
	}
	if len(c.TargetColumns) == 0 {
		return errors.New("target_columns must list at least one column")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.HiddenSize <= 0 {
		return fmt.Errorf("hidden_size must be > 0 (got %d)", c.HiddenSize)
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("num_workers must be >= 0 (got %d)", c.NumWorkers)
	}
	if c.SmoothingDecay <= 0 || c.SmoothingDecay >= 1 {
		return fmt.Errorf("smoothing_decay must be in (0, 1) (got %g)", c.SmoothingDecay)
	}
	if c.Hist.Bins <= 0 {
		return fmt.Errorf("hist.bins must be > 0 (got %d)", c.Hist.Bins)
	}
	if c.ModelName == "" {
		c.ModelName = "starrnn"
	}
	if c.CheckpointDir == "" {
		c.CheckpointDir = "."
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 10
	}
	return nil
}

// JSON returns the indented JSON form of the config.
func (c *Config) JSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}
