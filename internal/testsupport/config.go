// Package testsupport provides shared helpers for package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"shuttle/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test
// and timings short enough for fast tests.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.RuntimeDir = filepath.Join(base, "run")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Daemon.ShutdownGraceSeconds = 1
	cfg.Daemon.DisconnectGraceSeconds = 1

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WithExecutionBudgetMinutes overrides the sweep budget on the test config.
func WithExecutionBudgetMinutes(minutes int) ConfigOption {
	return func(c *config.Config) {
		c.Daemon.ExecutionBudgetMinutes = minutes
	}
}

// WithHistoryDisabled turns off the task journal.
func WithHistoryDisabled() ConfigOption {
	return func(c *config.Config) {
		c.History.Enabled = false
	}
}
