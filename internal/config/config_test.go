package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("proj-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Project.ID != "proj-1" || cfg.Project.DefaultBudget != 100000 {
		t.Fatalf("project defaults: %+v", cfg.Project)
	}
	if cfg.Thresholds.StaticPercent != 90 {
		t.Fatalf("static percent %v", cfg.Thresholds.StaticPercent)
	}
}

func TestValidateBounds(t *testing.T) {
	cfg := Default("proj-1")
	cfg.Thresholds.StaticPercent = 120
	if err := cfg.Validate(); err == nil {
		t.Fatalf("static percent above 100 accepted")
	}
	cfg = Default("proj-1")
	cfg.Thresholds.MinPercent = 96
	if err := cfg.Validate(); err == nil {
		t.Fatalf("min above max accepted")
	}
	cfg = Default("proj-1")
	cfg.Thresholds.PerProject = map[string]float64{"other": 0}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("zero per-project threshold accepted")
	}
	cfg = Default("proj-1")
	cfg.Checkpoints.MaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("zero checkpoint attempts accepted")
	}
}

func TestThresholdForPerProjectOverride(t *testing.T) {
	cfg := Default("proj-1")
	cfg.Thresholds.PerProject = map[string]float64{"special": 80}
	if got := cfg.ThresholdFor("special"); got != 80 {
		t.Fatalf("override: %v", got)
	}
	if got := cfg.ThresholdFor("proj-1"); got != 90 {
		t.Fatalf("fallback: %v", got)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("missing file: cfg=%v err=%v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "governor.yml"), []byte(GenerateDefault("proj-1")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg == nil || cfg.Project.ID != "proj-1" {
		t.Fatalf("loaded: %+v", cfg)
	}
	if _, err := FromYAML([]byte("thresholds: {static_percent: -1}")); err == nil {
		t.Fatalf("invalid yaml config accepted")
	}
}
