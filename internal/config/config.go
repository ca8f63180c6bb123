package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models governor.yml. It is resolved once at startup, validated,
// and passed by pointer into component constructors; nothing mutates it
// after that.
type Config struct {
	Project struct {
		ID            string `yaml:"id"`
		DefaultBudget int64  `yaml:"default_budget"`
	} `yaml:"project"`
	Thresholds struct {
		// Static checkpoint trigger in percent; also the adaptive
		// mode's starting value.
		StaticPercent float64            `yaml:"static_percent"`
		Adaptive      bool               `yaml:"adaptive"`
		MinPercent    float64            `yaml:"min_percent"`
		MaxPercent    float64            `yaml:"max_percent"`
		PerProject    map[string]float64 `yaml:"per_project"`
	} `yaml:"thresholds"`
	Checkpoints struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"checkpoints"`
	Scheduler struct {
		AdmissionsPerMinute int `yaml:"admissions_per_minute"`
		BucketCapacity      int `yaml:"bucket_capacity"`
	} `yaml:"scheduler"`
	Bus struct {
		MaxRetries        int `yaml:"max_retries"`
		BackoffBaseMillis int `yaml:"backoff_base_millis"`
		ExpirySeconds     int `yaml:"expiry_seconds"`
	} `yaml:"bus"`
	Agents struct {
		HeartbeatStaleSeconds int `yaml:"heartbeat_stale_seconds"`
	} `yaml:"agents"`
	Errors struct {
		EscalationThreshold int `yaml:"escalation_threshold"`
		EscalationWindowSec int `yaml:"escalation_window_seconds"`
	} `yaml:"errors"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tg project create", path)
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

// Validate ensures the config meets required structure and bounds.
func (c *Config) Validate() error {
	if c.Project.DefaultBudget < 0 {
		return fmt.Errorf("config.project.default_budget must be >= 0")
	}
	if c.Thresholds.StaticPercent <= 0 || c.Thresholds.StaticPercent > 100 {
		return fmt.Errorf("config.thresholds.static_percent must be in (0,100]")
	}
	if c.Thresholds.MinPercent <= 0 || c.Thresholds.MaxPercent > 100 || c.Thresholds.MinPercent > c.Thresholds.MaxPercent {
		return fmt.Errorf("config.thresholds min/max percent invalid")
	}
	for id, pct := range c.Thresholds.PerProject {
		if id == "" {
			return fmt.Errorf("config.thresholds.per_project has empty project id")
		}
		if pct <= 0 || pct > 100 {
			return fmt.Errorf("config.thresholds.per_project[%s] must be in (0,100]", id)
		}
	}
	if c.Checkpoints.MaxAttempts < 1 {
		return fmt.Errorf("config.checkpoints.max_attempts must be >= 1")
	}
	if c.Scheduler.AdmissionsPerMinute < 1 {
		return fmt.Errorf("config.scheduler.admissions_per_minute must be >= 1")
	}
	if c.Scheduler.BucketCapacity < 1 {
		return fmt.Errorf("config.scheduler.bucket_capacity must be >= 1")
	}
	if c.Bus.MaxRetries < 0 {
		return fmt.Errorf("config.bus.max_retries must be >= 0")
	}
	if c.Bus.BackoffBaseMillis < 1 {
		return fmt.Errorf("config.bus.backoff_base_millis must be >= 1")
	}
	if c.Bus.ExpirySeconds < 1 {
		return fmt.Errorf("config.bus.expiry_seconds must be >= 1")
	}
	if c.Agents.HeartbeatStaleSeconds < 1 {
		return fmt.Errorf("config.agents.heartbeat_stale_seconds must be >= 1")
	}
	if c.Errors.EscalationThreshold < 1 {
		return fmt.Errorf("config.errors.escalation_threshold must be >= 1")
	}
	if c.Errors.EscalationWindowSec < 1 {
		return fmt.Errorf("config.errors.escalation_window_seconds must be >= 1")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "governor.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
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

// ThresholdFor resolves the static threshold percent for a project.
func (c *Config) ThresholdFor(projectID string) float64 {
	if pct, ok := c.Thresholds.PerProject[projectID]; ok {
		return pct
	}
	return c.Thresholds.StaticPercent
}

const defaultTemplate = `project:
  id: %s
  default_budget: 100000

thresholds:
  static_percent: 90
  adaptive: false
  min_percent: 70
  max_percent: 95
  per_project: {}

checkpoints:
  max_attempts: 3

scheduler:
  admissions_per_minute: 10
  bucket_capacity: 10

bus:
  max_retries: 3
  backoff_base_millis: 1000
  expiry_seconds: 3600

agents:
  heartbeat_stale_seconds: 300

errors:
  escalation_threshold: 5
  escalation_window_seconds: 3600
`
