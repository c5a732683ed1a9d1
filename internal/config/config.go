// Package config provides layered configuration for the spark core.
//
// Configuration can be loaded from multiple sources (in order of
// precedence):
//  1. Environment variables (highest priority)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
//
// Tuneables is the subset of configuration the auto-tuner is allowed
// to adjust at runtime; everything else is operator-only.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete core configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	DataDir     string            `yaml:"data_dir"`
	BridgeCycle BridgeCycleConfig `yaml:"bridge_cycle"`
	Tuneables   Tuneables         `yaml:"tuneables"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig identifies this process for logging/heartbeats.
type ServerConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// BridgeCycleConfig controls the periodic worker (spec §4.9).
type BridgeCycleConfig struct {
	IntervalSeconds      int  `yaml:"interval_seconds"`
	ReadBatchSize        int  `yaml:"read_batch_size"`
	CompactEveryNCycles  int  `yaml:"compact_every_n_cycles"`
	StrictTrace          bool `yaml:"strict_trace"`
	EmbeddingDisabled    bool `yaml:"embedding_disabled"`
}

// Tuneables is the set of live parameters the auto-tuner may adjust
// (spec §4.10's "recommendation domain"). Every field here must be
// changeable within the auto-tuner's safety rules: at most 3 per
// cycle, at most 30% of the current value per change.
type Tuneables struct {
	MinRankScore         float64 `yaml:"min_rank_score"`
	MaxAdviceItems        int     `yaml:"max_advice_items"`
	PromotionThreshold    float64 `yaml:"promotion_threshold"`
	MinValidations        int     `yaml:"min_validations"`
	DistillationInterval  int     `yaml:"distillation_interval_cycles"`
	QualityThreshold      float64 `yaml:"quality_threshold"`

	// Per-source advisor boosts (spec §4.8/§4.10).
	SourceBoosts map[string]float64 `yaml:"source_boosts"`
}

// LoggingConfig controls log verbosity and destination.
type LoggingConfig struct {
	Debug bool   `yaml:"debug"`
	Dir   string `yaml:"dir"`
}

// Default returns the default configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Server: ServerConfig{
			Name:        "spark",
			Version:     "0.1.0",
			Environment: "development",
		},
		DataDir: filepath.Join(home, ".spark"),
		BridgeCycle: BridgeCycleConfig{
			IntervalSeconds:     60,
			ReadBatchSize:       40,
			CompactEveryNCycles: 20,
			StrictTrace:         false,
			EmbeddingDisabled:   false,
		},
		Tuneables: Tuneables{
			MinRankScore:         0.35,
			MaxAdviceItems:       5,
			PromotionThreshold:   0.7,
			MinValidations:       2,
			DistillationInterval: 10,
			QualityThreshold:     0.4,
			SourceBoosts: map[string]float64{
				"cognitive":     0.0,
				"distillation":  0.1,
				"insight-bank":  0.0,
				"trigger":       0.2,
				"promoted":      0.15,
			},
		},
		Logging: LoggingConfig{
			Debug: false,
			Dir:   "",
		},
	}
}

// Load builds the configuration from defaults, an optional file, and
// environment variables, in that order of increasing precedence.
func Load(filePath string) (*Config, error) {
	cfg := Default()

	if filePath != "" {
		if err := cfg.mergeFromFile(filePath); err != nil {
			return nil, fmt.Errorf("config: failed to load file: %w", err)
		}
	}

	cfg.mergeFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) mergeFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// mergeFromEnv applies SPARK_<SECTION>_<KEY> overrides, mirroring the
// teacher's UT_<SECTION>_<KEY> convention.
func (c *Config) mergeFromEnv() {
	if v := os.Getenv("SPARK_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SPARK_SERVER_NAME"); v != "" {
		c.Server.Name = v
	}
	if v := os.Getenv("SPARK_SERVER_ENVIRONMENT"); v != "" {
		c.Server.Environment = v
	}
	if v := os.Getenv("SPARK_BRIDGE_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BridgeCycle.IntervalSeconds = n
		}
	}
	if v := os.Getenv("SPARK_BRIDGE_READ_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BridgeCycle.ReadBatchSize = n
		}
	}
	if v := os.Getenv("SPARK_STRICT_TRACE"); v != "" {
		c.BridgeCycle.StrictTrace = parseBool(v)
	}
	if v := os.Getenv("SPARK_EMBEDDING_DISABLED"); v != "" {
		c.BridgeCycle.EmbeddingDisabled = parseBool(v)
	}
	if v := os.Getenv("SPARK_DEBUG"); v != "" {
		c.Logging.Debug = parseBool(v)
	}
	if v := os.Getenv("SPARK_LOG_DIR"); v != "" {
		c.Logging.Dir = v
	}
}

// Validate checks invariants the rest of the core relies on.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.BridgeCycle.IntervalSeconds < 10 {
		return fmt.Errorf("bridge_cycle.interval_seconds must be >= 10 (spec minimum)")
	}
	if c.BridgeCycle.ReadBatchSize < 1 {
		return fmt.Errorf("bridge_cycle.read_batch_size must be >= 1")
	}
	if c.Tuneables.MaxAdviceItems < 1 {
		return fmt.Errorf("tuneables.max_advice_items must be >= 1")
	}
	if c.Tuneables.MinRankScore < 0 || c.Tuneables.MinRankScore > 1 {
		return fmt.Errorf("tuneables.min_rank_score must be in [0,1]")
	}
	if c.Tuneables.PromotionThreshold < 0 || c.Tuneables.PromotionThreshold > 1 {
		return fmt.Errorf("tuneables.promotion_threshold must be in [0,1]")
	}
	if c.Tuneables.QualityThreshold < 0 || c.Tuneables.QualityThreshold > 1 {
		return fmt.Errorf("tuneables.quality_threshold must be in [0,1]")
	}
	if c.Tuneables.MinValidations < 0 {
		return fmt.Errorf("tuneables.min_validations cannot be negative")
	}
	if c.Tuneables.DistillationInterval < 1 {
		return fmt.Errorf("tuneables.distillation_interval_cycles must be >= 1")
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on" || s == "enabled"
}

// SaveToFile persists the configuration as YAML (used by the auto-tuner
// to write a snapshot before changing tuneables, and by `spark tune`
// to persist the result).
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: failed to serialize: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: failed to write file: %w", err)
	}
	return nil
}
