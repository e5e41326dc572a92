// Package config loads the daemon configuration from YAML. Missing fields
// keep their built-in defaults.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/autoremedy/internal/capability"
	"github.com/ppiankov/autoremedy/internal/notify"
	"github.com/ppiankov/autoremedy/internal/redact"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// RateConfig limits webhook ingestion per source.
type RateConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Config holds every daemon setting.
type Config struct {
	Listen          string        `yaml:"listen"`
	Concurrency     int           `yaml:"concurrency"`
	QueueSize       int           `yaml:"queue_size"`
	MaxEventRetries int           `yaml:"max_event_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	EscalationSweep string        `yaml:"escalation_sweep"`
	RulesFile       string        `yaml:"rules_file"`
	InboxDir        string        `yaml:"inbox_dir"`
	AuditLog        string        `yaml:"audit_log"`

	Store      StoreConfig             `yaml:"store"`
	Log        LogConfig               `yaml:"log"`
	IngestRate RateConfig              `yaml:"ingest_rate"`
	Notifiers  []notify.Webhook        `yaml:"notifiers"`
	Scripts    capability.ScriptConfig `yaml:"scripts"`
	Tickets    capability.TicketConfig `yaml:"tickets"`
	Redact     redact.Config           `yaml:"redact"`
}

// DefaultPath returns ~/.autoremedy/config.yaml, or "" when the home
// directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".autoremedy", "config.yaml")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:          "127.0.0.1:8085",
		Concurrency:     5,
		QueueSize:       200,
		MaxEventRetries: 3,
		RetryBackoff:    2 * time.Second,
		EscalationSweep: "@every 30s",
		Store:           StoreConfig{Driver: DriverMemory},
		Log:             LogConfig{Level: "info", Format: "json"},
		IngestRate:      RateConfig{PerSecond: 20, Burst: 40},
		Scripts:         capability.ScriptConfig{Timeout: 5 * time.Minute},
		Tickets:         capability.TicketConfig{Timeout: 10 * time.Second},
	}
}

// Load reads configuration from path. Empty path falls back to
// DefaultPath. A missing file returns defaults; invalid YAML is an error.
func Load(path string) (*Config, error) {
	cfg, _, err := LoadWithHash(path)
	return cfg, err
}

// LoadWithHash loads configuration and returns the SHA-256 of the raw
// file. When no file exists the hash is that of empty input.
func LoadWithHash(path string) (*Config, string, error) {
	if path == "" {
		path = DefaultPath()
	}

	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
	}

	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	cfg := Default()
	if len(data) == 0 {
		return cfg, hash, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, hash, nil
}

// Validate rejects settings the daemon cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("queue_size must be at least 1, got %d", c.QueueSize))
	}
	if c.MaxEventRetries < 0 {
		errs = append(errs, fmt.Errorf("max_event_retries must not be negative, got %d", c.MaxEventRetries))
	}
	for i, w := range c.Notifiers {
		if w.URL == "" {
			errs = append(errs, fmt.Errorf("notifiers[%d]: url is required", i))
		}
		if len(w.Channels) == 0 {
			errs = append(errs, fmt.Errorf("notifiers[%d]: at least one channel is required", i))
		}
	}
	if _, err := redact.New(c.Redact); err != nil {
		errs = append(errs, fmt.Errorf("redact: %w", err))
	}
	return errors.Join(errs...)
}

// DefaultYAML returns a commented configuration for `autoremedy init`.
func DefaultYAML() string {
	return `# autoremedy configuration
# Generated by: autoremedy init

# HTTP listener for webhooks, queries and /metrics.
listen: 127.0.0.1:8085

# Worker pool. Events beyond queue_size wait for a free slot.
concurrency: 5
queue_size: 200

# Events whose processing fails on a store error are retried this many
# times, retry_backoff apart, before they are marked failed.
max_event_retries: 3
retry_backoff: 2s

# How often open escalations are checked for auto-advance (cron spec).
escalation_sweep: "@every 30s"

# Rules and escalation chains, reloaded when the file changes.
rules_file: ~/.autoremedy/rules.yaml

# Drop <source>--<name>.json files here to ingest them without HTTP.
# inbox_dir: ~/.autoremedy/inbox

# Hash-chained audit trail of executions and escalations.
audit_log: ~/.autoremedy/audit.jsonl

store:
  driver: memory    # memory | sqlite
  # path: ~/.autoremedy/autoremedy.db

log:
  level: info       # debug | info | warn | error
  format: json      # json | console

# Per-source token bucket for POST /webhooks/{source}.
ingest_rate:
  per_second: 20
  burst: 40

# Outbound webhooks. Channels route notify actions by channel name;
# "escalation" receives every escalation, "escalation:<assignee>" one
# assignee, "*" everything.
notifiers: []
#  - name: ops-slack
#    url: https://hooks.slack.com/services/XXX
#    format: slack          # generic | slack | pagerduty | teams
#    channels: ["ops", "escalation"]

# Local remediation scripts for run_script and the device actions.
scripts:
  # dir: ~/.autoremedy/scripts
  # shell: ["/bin/sh"]
  timeout: 5m

# HTTP bridge in front of the PSA for ticket actions.
tickets:
  # url: https://psa-bridge.internal
  # headers:
  #   Authorization: Bearer XXX
  timeout: 10s

# Credentials are masked in stored event attributes, script output and
# audit details. Keys are matched case-insensitively.
redact:
  disabled: false
  keys: []
  patterns: []
#  - name: license
#    regex: "LIC-[0-9]{6}"
`
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
