package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"shuttle/internal/daemon"
	"shuttle/internal/daemonctl"
	"shuttle/internal/ipc"
	"shuttle/internal/protocol"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the shuttle daemon for this project",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}

			result, err := daemonctl.EnsureStarted(
				ctx.socketPath(),
				exe,
				daemonctl.LaunchOptions{ConfigPath: ctx.configPath(), Workdir: workingDirectory()},
				10*time.Second,
			)
			if err != nil {
				return err
			}

			if result.Launched {
				fmt.Fprintln(stdout, "Daemon not running, launching...")
			}
			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintln(stdout, "Daemon started")
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Daemon already running")
			}
			return nil
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the shuttle daemon (terminates the process)",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(ctx.socketPath(), 5*time.Second)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill && result.PID > 0 {
				fmt.Fprintf(stdout, "Stopping daemon process (pid %d)...\n", result.PID)
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and worker status",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			socket := ctx.socketPath()

			fmt.Fprintf(stdout, "Socket: %s\n", socket)
			if pid, ok := daemon.ReadPIDFile(daemon.PIDPath(socket)); ok {
				fmt.Fprintf(stdout, "PID:    %d\n", pid)
			}

			return ctx.withClient(func(client *ipc.Client) error {
				status, err := client.GetStatus()
				if err != nil {
					return err
				}
				fmt.Fprintln(stdout, "Daemon: running")
				fmt.Fprintf(stdout, "Queued tasks: %d\n", status.QueuedTasks)
				fmt.Fprintf(stdout, "Polling workers: %d\n", status.PollingWorkers)
				fmt.Fprintln(stdout)

				if len(status.Workers) == 0 {
					fmt.Fprintln(stdout, "No workers registered")
					return nil
				}
				fmt.Fprintln(stdout, renderWorkerTable(status.Workers, shouldColorize(stdout)))
				return nil
			})
		},
	}

	stopAllCmd := &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every shuttle daemon on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			cfg := ctx.configValue()
			if cfg == nil {
				return errors.New("configuration unavailable")
			}

			results, err := daemonctl.StopAll(cfg.Paths.RuntimeDir, 5*time.Second)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Fprintln(stdout, "No daemons running")
				return nil
			}

			var failed int
			for _, r := range results {
				if r.Err != nil {
					failed++
					fmt.Fprintf(stdout, "%s: %v\n", r.SocketPath, r.Err)
					continue
				}
				fmt.Fprintf(stdout, "%s: stopped\n", r.SocketPath)
			}
			if failed > 0 {
				return fmt.Errorf("%d daemon(s) failed to stop", failed)
			}
			return nil
		},
	}

	return []*cobra.Command{startCmd, stopCmd, statusCmd, stopAllCmd}
}

func renderWorkerTable(workers []protocol.Worker, colorize bool) string {
	rows := make([][]string, 0, len(workers))
	now := time.Now()
	for _, w := range workers {
		task := w.CurrentTask
		if task == "" {
			task = "-"
		}
		elapsed := "-"
		if w.TaskStartedAt != nil {
			elapsed = now.Sub(*w.TaskStartedAt).Round(time.Second).String()
		}
		rows = append(rows, []string{
			w.Name,
			colorizeStatus(w.Status, colorize),
			task,
			elapsed,
			w.LastActivity.Local().Format("15:04:05"),
		})
	}
	return renderTable(
		[]string{"Worker", "Status", "Task", "Elapsed", "Last Activity"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}

func formatQueuePosition(i int) string {
	return strconv.Itoa(i + 1)
}
