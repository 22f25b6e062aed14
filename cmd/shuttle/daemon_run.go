package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"shuttle/internal/daemon"
	"shuttle/internal/logging"
)

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the shuttle daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonProcess(cmd, ctx)
		},
	}
}

func runDaemonProcess(cmd *cobra.Command, ctx *commandContext) error {
	signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	d, err := daemon.New(cfg, workingDirectory(), logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	if err := d.Run(signalCtx); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			return fmt.Errorf("daemon already running for this project (socket %s)", d.SocketPath())
		}
		return err
	}
	return nil
}
