package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"treeline/internal/config"
	"treeline/internal/model"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := config.Default("atlas")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Weights.High != 1.2 {
		t.Fatalf("default weights not loaded: %+v", cfg.Weights)
	}
	g := cfg.Geometry()
	if g.HorizontalSpacing != 280 || g.VerticalSpacing != 140 {
		t.Fatalf("default spacing not loaded: %+v", g)
	}
	if g.Sizes[model.LevelSubtask].Width >= g.Sizes[model.LevelFeature].Width {
		t.Fatalf("level sizes not decreasing")
	}
}

func TestNegativeWeightRejected(t *testing.T) {
	yml := strings.Replace(config.GenerateDefault("atlas"), "low: 0.5", "low: -0.5", 1)
	if _, err := config.FromYAML([]byte(yml)); err == nil {
		t.Fatalf("expected negative weight rejection")
	}
}

func TestNonDecreasingSizesRejected(t *testing.T) {
	yml := strings.Replace(config.GenerateDefault("atlas"), "width: 140", "width: 999", 1)
	if _, err := config.FromYAML([]byte(yml)); err == nil {
		t.Fatalf("expected size ordering rejection")
	}
}

func TestMissingProductIDRejected(t *testing.T) {
	var cfg config.Config
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected product id requirement")
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	workspace := t.TempDir()
	if _, err := config.Load(workspace); err == nil {
		t.Fatalf("expected error for missing treeline.yml")
	}
	if cfg, err := config.LoadOptional(workspace); err != nil || cfg != nil {
		t.Fatalf("missing file should be nil,nil, got %v %v", cfg, err)
	}

	path := filepath.Join(workspace, "treeline.yml")
	if err := os.WriteFile(path, []byte(config.GenerateDefault("atlas")), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Product.ID != "atlas" {
		t.Fatalf("loaded wrong product: %+v", cfg.Product)
	}
	opt, err := config.LoadOptional(workspace)
	if err != nil || opt == nil || opt.Product.ID != "atlas" {
		t.Fatalf("optional load failed: %v %v", opt, err)
	}
}

func TestPriorityWeightsMapping(t *testing.T) {
	cfg := config.Default("atlas")
	w := cfg.PriorityWeights()
	if w[model.PriorityCritical] != 1.5 || w[model.PriorityLow] != 0.5 {
		t.Fatalf("weights mapping wrong: %+v", w)
	}
}
