package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models flowline.yml. Every scheduling, retry, breaker and quality
// tunable lives here; nothing is hard-coded in the components.
type Config struct {
	Workspace struct {
		ID string `yaml:"id"`
	} `yaml:"workspace"`
	Scheduler struct {
		Workers            int     `yaml:"workers"`
		WorkspaceFraction  float64 `yaml:"workspace_fraction"`
		TaskTimeoutSeconds int     `yaml:"task_timeout_seconds"`
	} `yaml:"scheduler"`
	Retry struct {
		MaxRetries      int `yaml:"max_retries"`
		BackoffBaseMS   int `yaml:"backoff_base_ms"`
		BackoffCapMS    int `yaml:"backoff_cap_ms"`
		EventRetriesMax int `yaml:"event_retries_max"`
	} `yaml:"retry"`
	Breaker struct {
		Threshold     int `yaml:"threshold"`
		WindowSeconds int `yaml:"window_seconds"`
	} `yaml:"breaker"`
	Quality struct {
		ConfidenceThreshold float64     `yaml:"confidence_threshold"`
		Signatures          []Signature `yaml:"signatures"`
	} `yaml:"quality"`
}

// Signature is one entry of the failure-signature registry. ErrorKind is
// matched against the execution's tagged error kind; Verdict is the fixed
// classification for the match.
type Signature struct {
	Name       string  `yaml:"name"`
	ErrorKind  string  `yaml:"error_kind"`
	Verdict    string  `yaml:"verdict" enum:"rejected_retriable,rejected_terminal,needs_review"`
	Retriable  bool    `yaml:"retriable"`
	Confidence float64 `yaml:"confidence"`
}

// TaskTimeout returns the per-task execution timeout.
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.Scheduler.TaskTimeoutSeconds) * time.Second
}

// BackoffBase returns the delayed-retry base duration.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Retry.BackoffBaseMS) * time.Millisecond
}

// BackoffCap returns the maximum delayed-retry backoff.
func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.Retry.BackoffCapMS) * time.Millisecond
}

// BreakerWindow returns the rolling window for consecutive-failure counting.
func (c *Config) BreakerWindow() time.Duration {
	return time.Duration(c.Breaker.WindowSeconds) * time.Second
}

// WorkspaceCeiling computes the per-workspace concurrency ceiling from the
// global pool size and the configured fraction. Always at least 1.
func (c *Config) WorkspaceCeiling() int {
	n := int(float64(c.Scheduler.Workers) * c.Scheduler.WorkspaceFraction)
	if n < 1 {
		n = 1
	}
	return n
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workspace.ID == "" {
		return fmt.Errorf("config.workspace.id is required")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("config.scheduler.workers must be positive")
	}
	if c.Scheduler.WorkspaceFraction <= 0 || c.Scheduler.WorkspaceFraction > 1 {
		return fmt.Errorf("config.scheduler.workspace_fraction must be in (0,1]")
	}
	if c.Scheduler.TaskTimeoutSeconds <= 0 {
		return fmt.Errorf("config.scheduler.task_timeout_seconds must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config.retry.max_retries must not be negative")
	}
	if c.Retry.BackoffBaseMS <= 0 || c.Retry.BackoffCapMS < c.Retry.BackoffBaseMS {
		return fmt.Errorf("config.retry backoff base/cap invalid")
	}
	if c.Breaker.Threshold <= 0 || c.Breaker.WindowSeconds <= 0 {
		return fmt.Errorf("config.breaker threshold and window_seconds must be positive")
	}
	if c.Quality.ConfidenceThreshold <= 0 || c.Quality.ConfidenceThreshold > 1 {
		return fmt.Errorf("config.quality.confidence_threshold must be in (0,1]")
	}
	for _, s := range c.Quality.Signatures {
		if s.Name == "" || s.ErrorKind == "" {
			return fmt.Errorf("quality signature missing name or error_kind")
		}
		switch s.Verdict {
		case "rejected_retriable", "rejected_terminal", "needs_review":
		default:
			return fmt.Errorf("signature %s has unknown verdict %s", s.Name, s.Verdict)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "flowline.yml")
}

// Load reads and validates config from the workspace directory.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with fl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a workspace.
func Default(workspaceID string) *Config {
	var cfg Config
	cfg.Workspace.ID = workspaceID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, workspaceID))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(workspaceID string) string {
	return fmt.Sprintf(defaultTemplate, workspaceID)
}

const defaultTemplate = `workspace:
  id: %s

scheduler:
  workers: 8
  workspace_fraction: 0.5
  task_timeout_seconds: 30

retry:
  max_retries: 3
  backoff_base_ms: 500
  backoff_cap_ms: 60000
  event_retries_max: 3

breaker:
  threshold: 5
  window_seconds: 600

quality:
  confidence_threshold: 0.7
  signatures:
    - name: rate-limited
      error_kind: rate_limit
      verdict: rejected_retriable
      retriable: true
      confidence: 0.95
    - name: timed-out
      error_kind: timeout
      verdict: rejected_retriable
      retriable: true
      confidence: 0.9
    - name: network-flap
      error_kind: network
      verdict: rejected_retriable
      retriable: true
      confidence: 0.85
    - name: malformed-output
      error_kind: validation
      verdict: rejected_terminal
      retriable: false
      confidence: 0.9
    - name: missing-dependency
      error_kind: dependency_missing
      verdict: rejected_terminal
      retriable: false
      confidence: 0.8
    - name: resource-ceiling
      error_kind: resource_exhaustion
      verdict: rejected_retriable
      retriable: true
      confidence: 0.9
`
