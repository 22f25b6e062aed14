package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	// RuntimeDir holds per-project socket, PID, and lock files.
	RuntimeDir string `toml:"runtime_dir"`
	// LogDir holds daemon logs and the task history database.
	LogDir string `toml:"log_dir"`
}

// Daemon contains dispatch timing configuration.
type Daemon struct {
	// ExecutionBudgetMinutes is how long a worker may hold a task before the
	// sweeper reclaims it. Default: 30.
	ExecutionBudgetMinutes int `toml:"execution_budget_minutes"`
	// SweepIntervalSeconds is the period of the timeout sweeper. Default: 60.
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
	// DisconnectGraceSeconds is how long a disconnected worker record is kept
	// waiting for a reconnect before it is deleted. Default: 30.
	DisconnectGraceSeconds int `toml:"disconnect_grace_seconds"`
	// DefaultPollTimeoutMS applies when poll_task omits timeout_ms. Default: 30000.
	DefaultPollTimeoutMS int `toml:"default_poll_timeout_ms"`
	// ShutdownGraceSeconds bounds the wait for in-flight requests at shutdown.
	// Default: 5.
	ShutdownGraceSeconds int `toml:"shutdown_grace_seconds"`
}

// History contains task journal configuration.
type History struct {
	Enabled       bool `toml:"enabled"`
	RetentionDays int  `toml:"retention_days"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for shuttle.
type Config struct {
	Paths   Paths   `toml:"paths"`
	Daemon  Daemon  `toml:"daemon"`
	History History `toml:"history"`
	Logging Logging `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/shuttle/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded, and the returned bool reports whether
// a file was actually read (false means defaults only).
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

func (c *Config) normalize() error {
	for _, field := range []*string{&c.Paths.RuntimeDir, &c.Paths.LogDir} {
		expanded, err := expandPath(*field)
		if err != nil {
			return err
		}
		*field = expanded
	}
	return nil
}

// Validate checks configuration values for internal consistency.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Paths.RuntimeDir) == "" {
		return errors.New("config: paths.runtime_dir is required")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("config: paths.log_dir is required")
	}
	if c.Daemon.ExecutionBudgetMinutes <= 0 {
		return errors.New("config: daemon.execution_budget_minutes must be positive")
	}
	if c.Daemon.SweepIntervalSeconds <= 0 {
		return errors.New("config: daemon.sweep_interval_seconds must be positive")
	}
	if c.Daemon.DisconnectGraceSeconds <= 0 {
		return errors.New("config: daemon.disconnect_grace_seconds must be positive")
	}
	if c.Daemon.DefaultPollTimeoutMS <= 0 {
		return errors.New("config: daemon.default_poll_timeout_ms must be positive")
	}
	if c.Daemon.ShutdownGraceSeconds <= 0 {
		return errors.New("config: daemon.shutdown_grace_seconds must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		return fmt.Errorf("config: logging.format %q is not supported", c.Logging.Format)
	}
	return nil
}

// EnsureDirectories creates the runtime and log directories if missing.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.RuntimeDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	trimmed := strings.TrimSpace(pathValue)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if trimmed == "~" {
			return home, nil
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", trimmed, err)
	}
	return abs, nil
}

// ExpandPath expands a leading ~ and returns an absolute path.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes the embedded sample configuration to path.
func CreateSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists at %s", expanded)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(expanded, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
