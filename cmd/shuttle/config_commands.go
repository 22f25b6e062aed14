package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"shuttle/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage shuttle configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ctx.configPath()
			if path == "" {
				var err error
				path, err = config.DefaultConfigPath()
				if err != nil {
					return err
				}
			}
			if err := config.CreateSample(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample configuration to %s\n", path)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, resolvedPath, usedFile, err := config.Load(ctx.configPath())
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()

			source := "defaults"
			if usedFile {
				source = resolvedPath
			}
			fmt.Fprintf(stdout, "Source: %s\n\n", source)

			rows := [][]string{
				{"runtime_dir", cfg.Paths.RuntimeDir},
				{"log_dir", cfg.Paths.LogDir},
				{"execution_budget_minutes", fmt.Sprintf("%d", cfg.Daemon.ExecutionBudgetMinutes)},
				{"sweep_interval_seconds", fmt.Sprintf("%d", cfg.Daemon.SweepIntervalSeconds)},
				{"disconnect_grace_seconds", fmt.Sprintf("%d", cfg.Daemon.DisconnectGraceSeconds)},
				{"default_poll_timeout_ms", fmt.Sprintf("%d", cfg.Daemon.DefaultPollTimeoutMS)},
				{"shutdown_grace_seconds", fmt.Sprintf("%d", cfg.Daemon.ShutdownGraceSeconds)},
				{"history.enabled", yesNo(cfg.History.Enabled)},
				{"history.retention_days", fmt.Sprintf("%d", cfg.History.RetentionDays)},
				{"logging.format", cfg.Logging.Format},
				{"logging.level", strings.ToLower(cfg.Logging.Level)},
			}
			fmt.Fprintln(stdout, renderTable(
				[]string{"Setting", "Value"},
				rows,
				[]columnAlignment{alignLeft, alignLeft},
			))
			return nil
		},
	}

	configCmd.AddCommand(initCmd, showCmd)
	return configCmd
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
