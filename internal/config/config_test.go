package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsValidate(t *testing.T) {
	t.Setenv("MIRADOR_REMEDIATOR_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Decision.MaxActive != 3 || cfg.Executor.EvaluationCountdown != 100 {
		t.Fatalf("unexpected defaults: %+v", cfg.Decision)
	}
	if cfg.Decision.ApprovalMode != ApprovalModeAny {
		t.Fatalf("expected approval mode any, got %s", cfg.Decision.ApprovalMode)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remediator.yaml")
	body := []byte("decision:\n  maxActive: 5\n  approvalMode: all\nexecutor:\n  evaluationCountdown: 40\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MIRADOR_REMEDIATOR_COOLDOWN", "90s")
	t.Setenv("MIRADOR_REMEDIATOR_KAFKA_BROKERS", "a:9092, b:9092")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Decision.MaxActive != 5 || cfg.Decision.ApprovalMode != ApprovalModeAll {
		t.Fatalf("file values not applied: %+v", cfg.Decision)
	}
	if cfg.Executor.EvaluationCountdown != 40 {
		t.Fatalf("expected countdown 40, got %d", cfg.Executor.EvaluationCountdown)
	}
	if cfg.Decision.Cooldown != 90*time.Second {
		t.Fatalf("expected env cooldown, got %v", cfg.Decision.Cooldown)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.Memory.WindowCapacity != 1000 {
		t.Fatalf("expected untouched default window capacity")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidateRejectsInvalidValues(t *testing.T) {
	cases := map[string]func(*Config){
		"nan severity":     func(c *Config) { c.Decision.ApprovalSeverity = math.NaN() },
		"zero cap":         func(c *Config) { c.Decision.MaxActive = 0 },
		"bad mode":         func(c *Config) { c.Decision.ApprovalMode = "some" },
		"inf latency":      func(c *Config) { c.Detector.LatencyThresholdMs = math.Inf(1) },
		"rate above one":   func(c *Config) { c.Detector.RetryRate = 1.5 },
		"http without url": func(c *Config) { c.Effects.Driver = "http" },
		"unknown driver":   func(c *Config) { c.Effects.Driver = "smtp" },
		"zero window":      func(c *Config) { c.Memory.WindowCapacity = 0 },
	}
	for name, mutate := range cases {
		cfg := defaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
}

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "remediator.yaml"))
	if err != nil {
		t.Fatalf("load sample config: %v", err)
	}
	if cfg.Effects.Driver != "http" || cfg.Decision.Cooldown != 5*time.Minute || !cfg.Cache.Enabled {
		t.Fatalf("unexpected sample config: %+v", cfg)
	}
	if cfg.Decision.BaseConfidence["adjust_retry_strategy"] != 0.85 {
		t.Fatalf("unexpected base confidence: %+v", cfg.Decision.BaseConfidence)
	}
}
