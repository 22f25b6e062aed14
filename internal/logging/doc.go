// Package logging provides slog construction with console and JSON handlers
// plus attribute helpers shared by the daemon and CLI.
package logging
