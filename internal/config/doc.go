// Package config loads and validates shuttle's TOML configuration.
//
// Configuration is resolved from an explicit --config path or the default
// ~/.config/shuttle/config.toml. Missing files are not an error: defaults
// apply, so the daemon runs usefully with zero configuration.
package config
