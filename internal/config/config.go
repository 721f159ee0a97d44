// Package config loads the global Manuscript configuration stored at
// ~/.manuscript/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/manuscript/internal/errors"
)

// EnvDataDir overrides data_dir from the file
const EnvDataDir = "MANUSCRIPT_DATA_DIR"

// Config is the global configuration
type Config struct {
	DataDir string        `yaml:"data_dir"`
	Logging LoggingConfig `yaml:"logging"`
	Batch   BatchConfig   `yaml:"batch"`
	SSH     SSHConfig     `yaml:"ssh"`
	Server  ServerConfig  `yaml:"server"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "text"
}

// BatchConfig bounds the scheduler poll loop
type BatchConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollAttempts int           `yaml:"max_poll_attempts"`
	// BackgroundPoll polls submitted jobs outside the request in server mode
	BackgroundPoll bool `yaml:"background_poll"`
}

type SSHConfig struct {
	// KnownHosts enables host key verification when set
	KnownHosts     string        `yaml:"known_hosts,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	// ProbeHosts are host[:port] entries checked by the readiness probe
	ProbeHosts []string `yaml:"probe_hosts,omitempty"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		DataDir: "~/.manuscript/data",
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Batch: BatchConfig{
			PollInterval:    5 * time.Second,
			MaxPollAttempts: 12,
			BackgroundPoll:  true,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

// DefaultPath returns ~/.manuscript/config.yaml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".manuscript", "config.yaml"), nil
}

// Load reads path over the defaults. A missing file yields the defaults.
// The data directory environment override is applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.NewFileUnmarshalError(path, "YAML", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "failed to read config", err)
	}

	if dir := os.Getenv(EnvDataDir); dir != "" {
		cfg.DataDir = dir
	}
	cfg.DataDir = ExpandHome(cfg.DataDir)
	cfg.SSH.KnownHosts = ExpandHome(cfg.SSH.KnownHosts)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path, creating the directory
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return errors.Wrap(errors.ErrCodeDirectoryFailed, "failed to create config directory", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(errors.ErrCodeFileMarshal, "failed to marshal config", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "failed to write config", err)
	}
	return nil
}

// Validate rejects values the runners cannot work with
func (c *Config) Validate() error {
	var problems []string
	if c.DataDir == "" {
		problems = append(problems, "data_dir must not be empty")
	}
	if c.Batch.MaxPollAttempts < 1 {
		problems = append(problems, "batch.max_poll_attempts must be at least 1")
	}
	if c.Batch.PollInterval < 0 {
		problems = append(problems, "batch.poll_interval must not be negative")
	}
	if c.SSH.ConnectTimeout < 0 {
		problems = append(problems, "ssh.connect_timeout must not be negative")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q must be json or text", c.Logging.Format))
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.New(errors.ErrCodeConfigInvalid, "invalid configuration").WithSuggestions(problems...)
}

// ExpandHome replaces a leading ~/ with the user's home directory
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
