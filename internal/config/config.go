/*
PURPOSE:
  Defines the configuration structure and loading logic for Prompt Harness.
  Adheres to "Config IS Code" philosophy.

REQUIREMENTS:
  User-specified:
  - Allow configuration of the model provider, storage location and the
    retention / iteration bounds of the harness.

  Implementation-discovered:
  - Needs to support YAML parsing.
  - Needs to support Environment variables overrides (PROMPT_HARNESS_...).

ARCHITECTURE INTEGRATION:
  - Used by: internal/cli, internal/engine
  - Dependencies: gopkg.in/yaml.v3

ERROR HANDLING:
  - Returns explicit error if config file is invalid.
  - Missing default config files fall back to defaults.

IMPLEMENTATION RULES:
  - Config struct tags should support yaml.
  - Defaults should be sensible (24h retention, 50 results, 5m cleanup).

USAGE:
  cfg, err := config.Load("prompt_harness.yaml")

RELATED FILES:
  - internal/cli/root.go

MAINTENANCE:
  - Update when adding new tuning parameters.
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names accepted in Config.Provider.
const (
	ProviderBedrock = "bedrock"
	ProviderOllama  = "ollama"
)

// Storage backends accepted in StorageConfig.Backend.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config represents the full configuration for Prompt Harness.
type Config struct {
	Provider string        `yaml:"provider"`
	Bedrock  BedrockConfig `yaml:"bedrock"`
	Ollama   OllamaConfig  `yaml:"ollama"`

	DefaultModel string `yaml:"default_model"`

	Storage   StorageConfig   `yaml:"storage"`
	Streaming StreamingConfig `yaml:"streaming"`
	Tools     ToolsConfig     `yaml:"tools"`

	SessionTimeout     time.Duration `yaml:"session_timeout"`
	DeterminismRuns    int           `yaml:"determinism_runs"`
	DeterminismWorkers int           `yaml:"determinism_workers"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text | json
}

// BedrockConfig configures the AWS Bedrock collaborator.
type BedrockConfig struct {
	Region  string `yaml:"region"`
	Profile string `yaml:"profile"`
}

// OllamaConfig configures the Ollama collaborator.
type OllamaConfig struct {
	URL           string        `yaml:"url"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	LoadTimeout   time.Duration `yaml:"load_timeout"`
	StreamTimeout time.Duration `yaml:"stream_timeout"`
	KeepAlive     string        `yaml:"keep_alive"`
}

// StorageConfig configures the durable store and retention.
type StorageConfig struct {
	Backend         string        `yaml:"backend"`
	Dir             string        `yaml:"dir"`
	QuotaBytes      int64         `yaml:"quota_bytes"` // 0 = unlimited
	MaxResults      int           `yaml:"max_results"`
	MaxAge          time.Duration `yaml:"max_age"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// StreamingConfig tunes chunk publication.
type StreamingConfig struct {
	CoalesceWindow time.Duration `yaml:"coalesce_window"`
	MaxPending     int           `yaml:"max_pending"` // bytes buffered before a forced flush
}

// ToolsConfig configures tool-execution mode.
type ToolsConfig struct {
	MaxIterations  int               `yaml:"max_iterations"`
	CancelTimeout  time.Duration     `yaml:"cancel_timeout"`
	PollInterval   time.Duration     `yaml:"poll_interval"`
	Endpoints      map[string]string `yaml:"endpoints"` // tool name -> URL
	Definitions    []ToolDefinition  `yaml:"definitions"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
}

// ToolDefinition is a tool advertised to the model.
type ToolDefinition struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	InputSchema map[string]any `yaml:"input_schema" json:"input_schema"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderBedrock,
		Bedrock: BedrockConfig{
			Region: "us-east-1",
		},
		Ollama: OllamaConfig{
			URL:           "http://localhost:11434",
			MaxRetries:    3,
			RetryDelay:    2 * time.Second,
			LoadTimeout:   120 * time.Second,
			StreamTimeout: 60 * time.Second,
			KeepAlive:     "5m",
		},
		DefaultModel: "anthropic.claude-3-haiku-20240307-v1:0",
		Storage: StorageConfig{
			Backend:         BackendFile,
			Dir:             defaultStorageDir(),
			MaxResults:      50,
			MaxAge:          24 * time.Hour,
			CleanupInterval: 5 * time.Minute,
		},
		Streaming: StreamingConfig{
			CoalesceWindow: 50 * time.Millisecond,
			MaxPending:     4096,
		},
		Tools: ToolsConfig{
			MaxIterations:  5,
			CancelTimeout:  5 * time.Second,
			PollInterval:   time.Second,
			RequestTimeout: 30 * time.Second,
		},
		SessionTimeout:     24 * time.Hour,
		DeterminismRuns:    5,
		DeterminismWorkers: 2,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

func defaultStorageDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".prompt-harness"
	}
	return dir + string(os.PathSeparator) + "prompt-harness"
}

// Load reads configuration from a file.
// If path is specified, it attempts to load that file.
// If path is empty, it searches for default files in order.
// If no file found, returns default config.
// Environment overrides are applied last in every case.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	var data []byte
	var err error

	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
	} else {
		defaults := []string{"prompt_harness.yaml", "harness.yaml"}
		for _, name := range defaults {
			data, err = os.ReadFile(name)
			if err == nil {
				path = name
				break
			}
		}
	}

	if data != nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PROMPT_HARNESS_PROVIDER"); v != "" {
		c.Provider = v
	}
	if v := os.Getenv("PROMPT_HARNESS_REGION"); v != "" {
		c.Bedrock.Region = v
	}
	if v := os.Getenv("PROMPT_HARNESS_OLLAMA_URL"); v != "" {
		c.Ollama.URL = v
	}
	if v := os.Getenv("PROMPT_HARNESS_MODEL"); v != "" {
		c.DefaultModel = v
	}
	if v := os.Getenv("PROMPT_HARNESS_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("PROMPT_HARNESS_STORAGE_DIR"); v != "" {
		c.Storage.Dir = v
	}
	if v := os.Getenv("PROMPT_HARNESS_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("PROMPT_HARNESS_MAX_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PROMPT_HARNESS_MAX_ITERATIONS %q: %w", v, err)
		}
		c.Tools.MaxIterations = n
	}
	return nil
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderBedrock, ProviderOllama:
	default:
		return fmt.Errorf("unknown provider %q (want %s or %s)", c.Provider, ProviderBedrock, ProviderOllama)
	}
	switch c.Storage.Backend {
	case BackendFile, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.MaxResults <= 0 {
		return fmt.Errorf("storage.max_results must be positive, got %d", c.Storage.MaxResults)
	}
	if c.Storage.MaxAge <= 0 {
		return fmt.Errorf("storage.max_age must be positive, got %s", c.Storage.MaxAge)
	}
	if c.Tools.MaxIterations <= 0 {
		return fmt.Errorf("tools.max_iterations must be positive, got %d", c.Tools.MaxIterations)
	}
	return nil
}
