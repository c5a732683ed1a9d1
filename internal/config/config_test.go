package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Name != "spark" {
		t.Errorf("Expected server name 'spark', got '%s'", cfg.Server.Name)
	}
	if cfg.Server.Environment != "development" {
		t.Errorf("Expected environment 'development', got '%s'", cfg.Server.Environment)
	}
	if cfg.DataDir == "" {
		t.Error("Expected a non-empty default data dir")
	}
	if cfg.BridgeCycle.IntervalSeconds != 60 {
		t.Errorf("Expected default bridge interval 60, got %d", cfg.BridgeCycle.IntervalSeconds)
	}
	if cfg.Tuneables.MaxAdviceItems != 5 {
		t.Errorf("Expected default max_advice_items 5, got %d", cfg.Tuneables.MaxAdviceItems)
	}
	if len(cfg.Tuneables.SourceBoosts) == 0 {
		t.Error("Expected default source boosts to be populated")
	}
}

func TestLoadNoFile(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Server.Name != "spark" {
		t.Errorf("Expected default server name, got '%s'", cfg.Server.Name)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	defer clearEnv(t)

	os.Setenv("SPARK_SERVER_NAME", "test-spark")
	os.Setenv("SPARK_SERVER_ENVIRONMENT", "production")
	os.Setenv("SPARK_BRIDGE_INTERVAL_SECONDS", "90")
	os.Setenv("SPARK_STRICT_TRACE", "true")
	os.Setenv("SPARK_DEBUG", "yes")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Name != "test-spark" {
		t.Errorf("Expected server name 'test-spark', got '%s'", cfg.Server.Name)
	}
	if cfg.Server.Environment != "production" {
		t.Errorf("Expected environment 'production', got '%s'", cfg.Server.Environment)
	}
	if cfg.BridgeCycle.IntervalSeconds != 90 {
		t.Errorf("Expected interval 90, got %d", cfg.BridgeCycle.IntervalSeconds)
	}
	if !cfg.BridgeCycle.StrictTrace {
		t.Error("Expected strict_trace to be enabled")
	}
	if !cfg.Logging.Debug {
		t.Error("Expected debug logging to be enabled")
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configYAML := `
server:
  name: file-spark
  environment: staging
bridge_cycle:
  interval_seconds: 120
  read_batch_size: 80
tuneables:
  max_advice_items: 8
  min_rank_score: 0.5
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Name != "file-spark" {
		t.Errorf("Expected server name 'file-spark', got '%s'", cfg.Server.Name)
	}
	if cfg.Server.Environment != "staging" {
		t.Errorf("Expected environment 'staging', got '%s'", cfg.Server.Environment)
	}
	if cfg.BridgeCycle.IntervalSeconds != 120 {
		t.Errorf("Expected interval 120, got %d", cfg.BridgeCycle.IntervalSeconds)
	}
	if cfg.Tuneables.MaxAdviceItems != 8 {
		t.Errorf("Expected max_advice_items 8, got %d", cfg.Tuneables.MaxAdviceItems)
	}
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	clearEnv(t)
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configYAML := `
server:
  name: file-spark
  environment: staging
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	os.Setenv("SPARK_SERVER_NAME", "env-spark")
	defer clearEnv(t)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Name != "env-spark" {
		t.Errorf("Expected server name 'env-spark' (env override), got '%s'", cfg.Server.Name)
	}
	if cfg.Server.Environment != "staging" {
		t.Errorf("Expected environment 'staging' (from file), got '%s'", cfg.Server.Environment)
	}
}

func TestValidate(t *testing.T) {
	base := Default()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid default config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "empty data dir",
			mutate:  func(c *Config) { c.DataDir = "" },
			wantErr: true,
			errMsg:  "data_dir cannot be empty",
		},
		{
			name:    "interval below minimum",
			mutate:  func(c *Config) { c.BridgeCycle.IntervalSeconds = 5 },
			wantErr: true,
			errMsg:  "interval_seconds must be >= 10",
		},
		{
			name:    "zero max advice items",
			mutate:  func(c *Config) { c.Tuneables.MaxAdviceItems = 0 },
			wantErr: true,
			errMsg:  "max_advice_items must be >= 1",
		},
		{
			name:    "min rank score out of range",
			mutate:  func(c *Config) { c.Tuneables.MinRankScore = 1.5 },
			wantErr: true,
			errMsg:  "min_rank_score must be in [0,1]",
		},
		{
			name:    "negative min validations",
			mutate:  func(c *Config) { c.Tuneables.MinValidations = -1 },
			wantErr: true,
			errMsg:  "min_validations cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, should contain %q", err, tt.errMsg)
			}
		})
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"true", true},
		{"TRUE", true},
		{"1", true},
		{"yes", true},
		{"on", true},
		{"enabled", true},
		{"false", false},
		{"0", false},
		{"no", false},
		{"", false},
		{"invalid", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if result := parseBool(tt.input); result != tt.expected {
				t.Errorf("parseBool(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestSaveToFileRoundTrip(t *testing.T) {
	cfg := Default()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "saved-config.yaml")

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() failed: %v", err)
	}

	clearEnv(t)
	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() after save failed: %v", err)
	}
	if loaded.Server.Name != cfg.Server.Name {
		t.Errorf("Loaded config doesn't match saved config: %s != %s", loaded.Server.Name, cfg.Server.Name)
	}
	if loaded.Tuneables.MaxAdviceItems != cfg.Tuneables.MaxAdviceItems {
		t.Errorf("Loaded tuneables don't match: %d != %d", loaded.Tuneables.MaxAdviceItems, cfg.Tuneables.MaxAdviceItems)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"SPARK_DATA_DIR",
		"SPARK_SERVER_NAME",
		"SPARK_SERVER_ENVIRONMENT",
		"SPARK_BRIDGE_INTERVAL_SECONDS",
		"SPARK_BRIDGE_READ_BATCH_SIZE",
		"SPARK_STRICT_TRACE",
		"SPARK_EMBEDDING_DISABLED",
		"SPARK_DEBUG",
		"SPARK_LOG_DIR",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}
