package config

import "time"

const (
	defaultRuntimeDir             = "~/.local/share/shuttle/run"
	defaultLogDir                 = "~/.local/share/shuttle/logs"
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
	defaultExecutionBudgetMinutes = 30
	defaultSweepIntervalSeconds   = 60
	defaultDisconnectGraceSeconds = 30
	defaultPollTimeoutMS          = 30000
	defaultShutdownGraceSeconds   = 5
	defaultHistoryRetentionDays   = 30
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			RuntimeDir: defaultRuntimeDir,
			LogDir:     defaultLogDir,
		},
		Daemon: Daemon{
			ExecutionBudgetMinutes: defaultExecutionBudgetMinutes,
			SweepIntervalSeconds:   defaultSweepIntervalSeconds,
			DisconnectGraceSeconds: defaultDisconnectGraceSeconds,
			DefaultPollTimeoutMS:   defaultPollTimeoutMS,
			ShutdownGraceSeconds:   defaultShutdownGraceSeconds,
		},
		History: History{
			Enabled:       true,
			RetentionDays: defaultHistoryRetentionDays,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}

// ExecutionBudget returns the task execution budget as a duration.
func (c *Config) ExecutionBudget() time.Duration {
	return time.Duration(c.Daemon.ExecutionBudgetMinutes) * time.Minute
}

// SweepInterval returns the sweeper period as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Daemon.SweepIntervalSeconds) * time.Second
}

// DisconnectGrace returns the worker disconnect grace window as a duration.
func (c *Config) DisconnectGrace() time.Duration {
	return time.Duration(c.Daemon.DisconnectGraceSeconds) * time.Second
}

// DefaultPollTimeout returns the fallback long-poll timeout as a duration.
func (c *Config) DefaultPollTimeout() time.Duration {
	return time.Duration(c.Daemon.DefaultPollTimeoutMS) * time.Millisecond
}

// ShutdownGrace returns the shutdown drain window as a duration.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Daemon.ShutdownGraceSeconds) * time.Second
}
