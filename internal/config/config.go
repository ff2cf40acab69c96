package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig marks configuration that fails validation. It is fatal at startup.
var ErrInvalidConfig = errors.New("invalid config")

// Config captures every setting required to boot the remediation loop.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Memory   MemoryConfig   `yaml:"memory"`
	Detector DetectorConfig `yaml:"detector"`
	Decision DecisionConfig `yaml:"decision"`
	Executor ExecutorConfig `yaml:"executor"`
	Calendar CalendarConfig `yaml:"calendar"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Effects  EffectsConfig  `yaml:"effects"`
	Cache    CacheConfig    `yaml:"cache"`
	Loop     LoopConfig     `yaml:"loop"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MemoryConfig bounds the event window and the retained histories.
type MemoryConfig struct {
	WindowCapacity  int `yaml:"windowCapacity"`
	DetectionWindow int `yaml:"detectionWindow"`
	HistoryLimit    int `yaml:"historyLimit"`
}

// DetectorConfig holds the per-rule thresholds and minimum sample sizes.
type DetectorConfig struct {
	DegradationFailureRate float64 `yaml:"degradationFailureRate"`
	DegradationMinFailures int     `yaml:"degradationMinFailures"`
	LatencyThresholdMs     float64 `yaml:"latencyThresholdMs"`
	LatencyMinSamples      int     `yaml:"latencyMinSamples"`
	RetryRate              float64 `yaml:"retryRate"`
	RetryMinHighRetries    int     `yaml:"retryMinHighRetries"`
	HighRetryCount         int     `yaml:"highRetryCount"`
	FatigueFailureRate     float64 `yaml:"fatigueFailureRate"`
	FatigueMinFailures     int     `yaml:"fatigueMinFailures"`
}

// ApprovalMode selects how the severity and confidence gates combine.
type ApprovalMode string

const (
	ApprovalModeAny ApprovalMode = "any"
	ApprovalModeAll ApprovalMode = "all"
)

// DecisionConfig tunes gating and confidence.
type DecisionConfig struct {
	MaxActive        int                `yaml:"maxActive"`
	Cooldown         time.Duration      `yaml:"cooldown"`
	ApprovalSeverity float64            `yaml:"approvalSeverity"`
	MinConfidence    float64            `yaml:"minConfidence"`
	ApprovalMode     ApprovalMode       `yaml:"approvalMode"`
	LearningWeight   float64            `yaml:"learningWeight"`
	RerouteSeverity  float64            `yaml:"rerouteSeverity"`
	FallbackSeverity float64            `yaml:"fallbackSeverity"`
	BaseConfidence   map[string]float64 `yaml:"baseConfidence"`
}

// ExecutorConfig tunes evaluation and rollback.
type ExecutorConfig struct {
	EvaluationCountdown int           `yaml:"evaluationCountdown"`
	EvaluationTimeout   time.Duration `yaml:"evaluationTimeout"`
	MinEvaluationSample int           `yaml:"minEvaluationSample"`
	RollbackImprovement float64       `yaml:"rollbackImprovement"`
	RollbackLatencyRise float64       `yaml:"rollbackLatencyRise"`
	SuccessThreshold    float64       `yaml:"successThreshold"`
	SuccessLatencyMs    float64       `yaml:"successLatencyMs"`
	// PendingTTL is measured in stream time; zero keeps pending actions until resolved.
	PendingTTL time.Duration `yaml:"pendingTTL"`
}

// CalendarConfig points at the optional dated-threshold file.
type CalendarConfig struct {
	Path string `yaml:"path"`
}

// KafkaConfig configures the event source and the command publisher.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	EventsTopic  string        `yaml:"eventsTopic"`
	GroupID      string        `yaml:"groupId"`
	EffectsTopic string        `yaml:"effectsTopic"`
	BatchSize    int           `yaml:"batchSize"`
	DrainWindow  time.Duration `yaml:"drainWindow"`
}

// EffectsConfig selects and configures the action-effect adapter.
type EffectsConfig struct {
	Driver     string        `yaml:"driver"`
	BaseURL    string        `yaml:"baseURL"`
	ApplyPath  string        `yaml:"applyPath"`
	RevertPath string        `yaml:"revertPath"`
	Timeout    time.Duration `yaml:"timeout"`
}

// CacheConfig controls the Redis-backed report store and ownership lease.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	ReportKey    string        `yaml:"reportKey"`
	ReportTTL    time.Duration `yaml:"reportTTL"`
	LeaseKey     string        `yaml:"leaseKey"`
	LeaseTTL     time.Duration `yaml:"leaseTTL"`
}

// LoopConfig paces the control loop when the source returns empty batches.
type LoopConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Load initialises Config from a YAML file and optional environment overrides, then validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_REMEDIATOR_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Memory: MemoryConfig{
			WindowCapacity:  1000,
			DetectionWindow: 200,
			HistoryLimit:    1000,
		},
		Detector: DetectorConfig{
			DegradationFailureRate: 0.15,
			DegradationMinFailures: 5,
			LatencyThresholdMs:     2000,
			LatencyMinSamples:      10,
			RetryRate:              0.30,
			RetryMinHighRetries:    3,
			HighRetryCount:         2,
			FatigueFailureRate:     0.25,
			FatigueMinFailures:     8,
		},
		Decision: DecisionConfig{
			MaxActive:        3,
			Cooldown:         5 * time.Minute,
			ApprovalSeverity: 0.6,
			MinConfidence:    0.70,
			ApprovalMode:     ApprovalModeAny,
			LearningWeight:   0.3,
			RerouteSeverity:  0.3,
			FallbackSeverity: 0.75,
			BaseConfidence: map[string]float64{
				"reroute_payment":        0.75,
				"adjust_retry_strategy":  0.85,
				"enable_fallback_method": 0.70,
				"alert_operations":       0.75,
				"suppress_failing_path":  0.60,
			},
		},
		Executor: ExecutorConfig{
			EvaluationCountdown: 100,
			EvaluationTimeout:   15 * time.Minute,
			MinEvaluationSample: 10,
			RollbackImprovement: -0.10,
			RollbackLatencyRise: 0.50,
			SuccessThreshold:    0.05,
			SuccessLatencyMs:    200,
			PendingTTL:          30 * time.Minute,
		},
		Calendar: CalendarConfig{Path: "configs/calendar.yaml"},
		Kafka: KafkaConfig{
			EventsTopic:  "payments.events",
			GroupID:      "mirador-remediator",
			EffectsTopic: "payments.remediation.commands",
			BatchSize:    500,
			DrainWindow:  2 * time.Second,
		},
		Effects: EffectsConfig{
			Driver:     "log",
			ApplyPath:  "/api/v1/remediations/apply",
			RevertPath: "/api/v1/remediations/revert",
			Timeout:    5 * time.Second,
		},
		Cache: CacheConfig{
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			ReportKey:    "mirador:remediator:report",
			ReportTTL:    10 * time.Minute,
			LeaseKey:     "mirador:remediator:owner",
			LeaseTTL:     30 * time.Second,
		},
		Loop: LoopConfig{Interval: time.Second},
	}
}

// Validate rejects out-of-range or non-finite settings.
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}
	unit := func(name string, v float64) {
		check(finite(v) && v >= 0 && v <= 1, "%s must be within [0,1], got %v", name, v)
	}

	check(c.Memory.WindowCapacity > 0, "memory.windowCapacity must be positive")
	check(c.Memory.DetectionWindow > 0, "memory.detectionWindow must be positive")
	check(c.Memory.HistoryLimit > 0, "memory.historyLimit must be positive")

	d := c.Detector
	unit("detector.degradationFailureRate", d.DegradationFailureRate)
	unit("detector.retryRate", d.RetryRate)
	unit("detector.fatigueFailureRate", d.FatigueFailureRate)
	check(finite(d.LatencyThresholdMs) && d.LatencyThresholdMs > 0, "detector.latencyThresholdMs must be positive")
	check(d.DegradationMinFailures > 0 && d.LatencyMinSamples > 0 && d.RetryMinHighRetries > 0 && d.FatigueMinFailures > 0,
		"detector minimum sample sizes must be positive")
	check(d.HighRetryCount > 0, "detector.highRetryCount must be positive")

	dc := c.Decision
	check(dc.MaxActive > 0, "decision.maxActive must be positive")
	check(dc.Cooldown >= 0, "decision.cooldown must not be negative")
	unit("decision.approvalSeverity", dc.ApprovalSeverity)
	unit("decision.minConfidence", dc.MinConfidence)
	unit("decision.rerouteSeverity", dc.RerouteSeverity)
	unit("decision.fallbackSeverity", dc.FallbackSeverity)
	check(finite(dc.LearningWeight) && dc.LearningWeight >= 0, "decision.learningWeight must be finite and non-negative")
	check(dc.ApprovalMode == ApprovalModeAny || dc.ApprovalMode == ApprovalModeAll,
		"decision.approvalMode must be %q or %q", ApprovalModeAny, ApprovalModeAll)
	for name, v := range dc.BaseConfidence {
		unit("decision.baseConfidence."+name, v)
	}

	e := c.Executor
	check(e.EvaluationCountdown > 0, "executor.evaluationCountdown must be positive")
	check(e.EvaluationTimeout >= 0, "executor.evaluationTimeout must not be negative")
	check(e.MinEvaluationSample > 0, "executor.minEvaluationSample must be positive")
	check(finite(e.RollbackImprovement) && e.RollbackImprovement <= 0, "executor.rollbackImprovement must be finite and not positive")
	check(finite(e.RollbackLatencyRise) && e.RollbackLatencyRise > 0, "executor.rollbackLatencyRise must be positive")
	check(finite(e.SuccessThreshold) && e.SuccessThreshold >= 0, "executor.successThreshold must be finite and non-negative")
	check(finite(e.SuccessLatencyMs) && e.SuccessLatencyMs > 0, "executor.successLatencyMs must be positive")
	check(e.PendingTTL >= 0, "executor.pendingTTL must not be negative")

	switch c.Effects.Driver {
	case "log", "kafka":
	case "http":
		check(c.Effects.BaseURL != "", "effects.baseURL is required for the http driver")
	default:
		problems = append(problems, fmt.Sprintf("effects.driver %q is not one of log|http|kafka", c.Effects.Driver))
	}

	if c.Cache.Enabled {
		check(c.Cache.Addr != "", "cache.addr is required when the cache is enabled")
		check(c.Cache.LeaseTTL > 0, "cache.leaseTTL must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}

	setString("MIRADOR_REMEDIATOR_SERVER_ADDRESS", &cfg.Server.Address)
	setString("MIRADOR_REMEDIATOR_METRICS_ADDRESS", &cfg.Server.MetricsAddress)
	setString("MIRADOR_REMEDIATOR_LOG_LEVEL", &cfg.Logging.Level)
	if v := os.Getenv("MIRADOR_REMEDIATOR_LOG_FORMAT"); v != "" {
		cfg.Logging.JSON = strings.EqualFold(v, "json")
	}

	setInt("MIRADOR_REMEDIATOR_WINDOW_CAPACITY", &cfg.Memory.WindowCapacity)
	setInt("MIRADOR_REMEDIATOR_DETECTION_WINDOW", &cfg.Memory.DetectionWindow)

	setInt("MIRADOR_REMEDIATOR_MAX_ACTIVE", &cfg.Decision.MaxActive)
	setDuration("MIRADOR_REMEDIATOR_COOLDOWN", &cfg.Decision.Cooldown)
	setFloat("MIRADOR_REMEDIATOR_APPROVAL_SEVERITY", &cfg.Decision.ApprovalSeverity)
	setFloat("MIRADOR_REMEDIATOR_MIN_CONFIDENCE", &cfg.Decision.MinConfidence)
	if v := os.Getenv("MIRADOR_REMEDIATOR_APPROVAL_MODE"); v != "" {
		cfg.Decision.ApprovalMode = ApprovalMode(strings.ToLower(v))
	}

	setInt("MIRADOR_REMEDIATOR_EVALUATION_COUNTDOWN", &cfg.Executor.EvaluationCountdown)
	setDuration("MIRADOR_REMEDIATOR_EVALUATION_TIMEOUT", &cfg.Executor.EvaluationTimeout)
	setDuration("MIRADOR_REMEDIATOR_PENDING_TTL", &cfg.Executor.PendingTTL)

	setString("MIRADOR_REMEDIATOR_CALENDAR_PATH", &cfg.Calendar.Path)

	if v := os.Getenv("MIRADOR_REMEDIATOR_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	setString("MIRADOR_REMEDIATOR_KAFKA_EVENTS_TOPIC", &cfg.Kafka.EventsTopic)
	setString("MIRADOR_REMEDIATOR_KAFKA_GROUP_ID", &cfg.Kafka.GroupID)
	setString("MIRADOR_REMEDIATOR_KAFKA_EFFECTS_TOPIC", &cfg.Kafka.EffectsTopic)

	setString("MIRADOR_REMEDIATOR_EFFECTS_DRIVER", &cfg.Effects.Driver)
	setString("MIRADOR_REMEDIATOR_EFFECTS_BASE_URL", &cfg.Effects.BaseURL)

	setBool("MIRADOR_REMEDIATOR_CACHE_ENABLED", &cfg.Cache.Enabled)
	setString("MIRADOR_REMEDIATOR_CACHE_ADDR", &cfg.Cache.Addr)
	setString("MIRADOR_REMEDIATOR_CACHE_USERNAME", &cfg.Cache.Username)
	setString("MIRADOR_REMEDIATOR_CACHE_PASSWORD", &cfg.Cache.Password)
	setInt("MIRADOR_REMEDIATOR_CACHE_DB", &cfg.Cache.DB)
	setDuration("MIRADOR_REMEDIATOR_LEASE_TTL", &cfg.Cache.LeaseTTL)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
