package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAndOverrides(t *testing.T) {
	path := writeConfig(t, `{
  "data_path": "data/reviews",
  "feature_columns": ["e0", "e1"],
  "batch_size": 16,
  "gpu": true,
  "hist": {"pred_title": "Pred", "real_title": "Real", "bins": 5, "color": "#000000"}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.BatchSize != 16 || !cfg.GPU || cfg.DataPath != "data/reviews" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Epochs != 10 || cfg.SmoothingDecay != 0.99 {
		t.Fatalf("defaults not kept: epochs=%d decay=%g", cfg.Epochs, cfg.SmoothingDecay)
	}

	off := false
	cfg.ApplyOverrides(Overrides{Epochs: 3, GPU: &off, LearningRate: 0.01})
	if cfg.Epochs != 3 || cfg.GPU || cfg.LearningRate != 0.01 || cfg.BatchSize != 16 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `{"batch_sz": 3}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := Default()
		c.DataPath = "x"
		c.FeatureColumns = []string{"e0"}
		return c
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	bad := map[string]func(c *Config){
		"no data":     func(c *Config) { c.DataPath = "" },
		"no features": func(c *Config) { c.FeatureColumns = nil },
		"batch":       func(c *Config) { c.BatchSize = 0 },
		"epochs":      func(c *Config) { c.Epochs = -1 },
		"lr":          func(c *Config) { c.LearningRate = 0 },
		"decay":       func(c *Config) { c.SmoothingDecay = 1 },
		"bins":        func(c *Config) { c.Hist.Bins = 0 },
	}
	for name, mutate := range bad {
		c := base()
		mutate(c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}

	c := base()
	c.LogEvery = 0
	c.ModelName = ""
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if c.LogEvery != 10 || c.ModelName != "starrnn" {
		t.Fatalf("derived defaults not filled: %+v", c)
	}
}
