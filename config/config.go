// Package config loads the coordinator configuration from YAML, with
// defaults suited to a single-node deployment. The two bearer tokens can be
// supplied (or overridden) through MESHQ_WORKER_TOKEN and MESHQ_ADMIN_TOKEN
// so they stay out of config files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is time.Duration with YAML support ("600s", "2m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full coordinator configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	Database string `yaml:"database"`
	DataDir  string `yaml:"data_dir"` // uploads/ and outputs/ live here

	WorkerToken string `yaml:"worker_token"`
	AdminToken  string `yaml:"admin_token"`

	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
	MaxPendingJobs int   `yaml:"max_pending_jobs"`
	UploadsPerDay  int   `yaml:"uploads_per_day"`

	JobTimeout          Duration `yaml:"job_timeout"`
	ReapInterval        Duration `yaml:"reap_interval"`
	DispatchInterval    Duration `yaml:"dispatch_interval"`
	ListenerIdleTimeout Duration `yaml:"listener_idle_timeout"`

	// DefaultSettings is merged under client-supplied generation settings.
	DefaultSettings map[string]any `yaml:"default_settings"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:   ":8000",
		Database: "data/meshq.db",
		DataDir:  "data",

		MaxUploadBytes: 20 << 20,
		MaxPendingJobs: 50,
		UploadsPerDay:  20,

		JobTimeout:          Duration(600 * time.Second),
		ReapInterval:        Duration(120 * time.Second),
		DispatchInterval:    Duration(2 * time.Second),
		ListenerIdleTimeout: Duration(60 * time.Second),

		DefaultSettings: map[string]any{
			"steps":      50,
			"guidance":   5.0,
			"octree_res": 384,
			"seed":       42,
			"height_mm":  100,
		},
	}
}

// Load reads path over the defaults. An empty path keeps pure defaults.
// Env tokens win over file tokens.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if v := os.Getenv("MESHQ_WORKER_TOKEN"); v != "" {
		cfg.WorkerToken = v
	}
	if v := os.Getenv("MESHQ_ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.WorkerToken == "" {
		return fmt.Errorf("config: worker_token is required (or MESHQ_WORKER_TOKEN)")
	}
	if c.AdminToken == "" {
		return fmt.Errorf("config: admin_token is required (or MESHQ_ADMIN_TOKEN)")
	}
	if c.MaxPendingJobs < 1 {
		return fmt.Errorf("config: max_pending_jobs must be positive")
	}
	if c.JobTimeout.Std() <= 0 || c.ReapInterval.Std() <= 0 || c.DispatchInterval.Std() <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	return nil
}
