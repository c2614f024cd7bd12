package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vk/burstci/internal/scheduler"
)

// Worker is one entry of an explicit worker list.
type Worker struct {
	ID     string   `yaml:"id"`
	Labels []string `yaml:"labels"`
}

// Config holds all the necessary configuration for an App instance to run.
// The yaml tags describe the --config file; command-line flags take
// precedence over it.
type Config struct {
	WorkflowPath string `yaml:"workflow"`

	// Trigger.
	Event  string            `yaml:"event"`
	Ref    string            `yaml:"ref"`
	SHA    string            `yaml:"sha"`
	Actor  string            `yaml:"actor"`
	Inputs map[string]string `yaml:"inputs"`

	Secrets map[string]string `yaml:"secrets"`

	// Workers wins over WorkerCount and WorkerLabels when set.
	Workers      []Worker `yaml:"workers"`
	WorkerCount  int      `yaml:"worker_count"`
	WorkerLabels []string `yaml:"worker_labels"`
	Parallelism  int      `yaml:"parallelism"`

	WorkspaceRoot string `yaml:"workspace"`
	KeepWorkspace bool   `yaml:"keep_workspace"`
	CacheDir      string `yaml:"cache_dir"`
	ArtifactDir   string `yaml:"artifact_dir"`

	LogFormat       string `yaml:"log_format"`
	LogLevel        string `yaml:"log_level"`
	HealthcheckPort int    `yaml:"healthcheck_port"`
	EventsURL       string `yaml:"events_url"`
	SnapshotPath    string `yaml:"snapshot"`

	Watch bool `yaml:"watch"`
}

// LoadConfigFile decodes a YAML config file. Unknown keys are rejected.
func LoadConfigFile(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// NewConfig applies defaults and validates cfg.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.WorkflowPath == "" {
		return nil, errors.New("workflow path is required")
	}
	if cfg.Event == "" {
		cfg.Event = "push"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = filepath.Join(os.TempDir(), "burstci")
	}

	var errs []error
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("invalid log format %q: must be 'text' or 'json'", cfg.LogFormat))
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if cfg.WorkerCount < 0 {
		errs = append(errs, fmt.Errorf("worker count must not be negative, got %d", cfg.WorkerCount))
	}
	if cfg.Parallelism < 0 {
		errs = append(errs, fmt.Errorf("parallelism must not be negative, got %d", cfg.Parallelism))
	}
	if cfg.HealthcheckPort < 0 || cfg.HealthcheckPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid healthcheck port %d", cfg.HealthcheckPort))
	}
	seen := map[string]bool{}
	for i, w := range cfg.Workers {
		switch {
		case w.ID == "":
			errs = append(errs, fmt.Errorf("workers[%d]: id is required", i))
		case seen[w.ID]:
			errs = append(errs, fmt.Errorf("workers[%d]: duplicate id %q", i, w.ID))
		}
		seen[w.ID] = true
	}
	for name := range cfg.Secrets {
		if name == "" {
			errs = append(errs, errors.New("secret with empty name"))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if len(cfg.Workers) == 0 && cfg.WorkerCount == 0 {
		cfg.WorkerCount = 1
	}
	return &cfg, nil
}

// SchedulerWorkers returns the worker pool the config describes.
func (c *Config) SchedulerWorkers() []scheduler.Worker {
	if len(c.Workers) > 0 {
		out := make([]scheduler.Worker, len(c.Workers))
		for i, w := range c.Workers {
			out[i] = scheduler.Worker{ID: w.ID, Labels: w.Labels}
		}
		return out
	}
	out := make([]scheduler.Worker, c.WorkerCount)
	for i := range out {
		out[i] = scheduler.Worker{ID: fmt.Sprintf("worker-%d", i+1), Labels: c.WorkerLabels}
	}
	return out
}
