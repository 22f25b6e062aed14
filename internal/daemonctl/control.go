// Package daemonctl orchestrates daemon processes from the CLI side:
// launching, readiness waits, graceful stop with force-kill fallback, and
// cross-project stop-all.
package daemonctl

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"shuttle/internal/daemon"
	"shuttle/internal/ipc"
)

// ErrDaemonNotRunning indicates daemon IPC is unavailable.
var ErrDaemonNotRunning = errors.New("daemon not running")

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	ConfigPath string
	Workdir    string
}

// StartState describes the outcome of EnsureStarted.
type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State    StartState
	Launched bool
}

// Launch starts a detached `shuttle daemon` process.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return errors.New("resolve executable: executable path is empty")
	}

	args := []string{"daemon"}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}

	proc := exec.Command(executablePath, args...)
	if dir := strings.TrimSpace(opts.Workdir); dir != "" {
		proc.Dir = dir
	}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// WaitForClient waits for IPC socket availability and returns a connected client.
func WaitForClient(socketPath string, timeout time.Duration) (*ipc.Client, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := ipc.Dial(socketPath)
		if err == nil {
			return client, nil
		}
		lastErr = err
		time.Sleep(200 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout waiting for daemon")
	}
	return nil, fmt.Errorf("daemon failed to start: %w", lastErr)
}

// EnsureStarted launches the daemon when it is not answering and waits for
// the socket to come up.
func EnsureStarted(socketPath, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	if client, err := ipc.Dial(socketPath); err == nil {
		_ = client.Close()
		return StartResult{State: StartStateAlreadyRunning}, nil
	}

	if err := Launch(executablePath, opts); err != nil {
		return StartResult{}, err
	}
	client, err := WaitForClient(socketPath, waitTimeout)
	if err != nil {
		return StartResult{}, err
	}
	_ = client.Close()
	return StartResult{State: StartStateStarted, Launched: true}, nil
}

// WaitForShutdown waits for the daemon socket to stop answering.
func WaitForShutdown(socketPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		client, err := ipc.Dial(socketPath)
		if err != nil {
			return nil
		}
		_ = client.Close()
		time.Sleep(200 * time.Millisecond)
	}
	return errors.New("daemon still answering after shutdown request")
}

// StopResult captures daemon stop/termination outcome.
type StopResult struct {
	StopAcknowledged bool
	ForcedKill       bool
	PID              int
}

// StopAndTerminate requests a graceful shutdown and force-kills the process
// if the socket is still answering after gracePeriod.
func StopAndTerminate(socketPath string, gracePeriod time.Duration) (StopResult, error) {
	client, err := ipc.Dial(socketPath)
	if err != nil {
		if isDaemonUnavailable(err) {
			return StopResult{}, ErrDaemonNotRunning
		}
		return StopResult{}, err
	}

	resp, err := client.Shutdown()
	_ = client.Close()
	if err != nil {
		return StopResult{}, err
	}
	result := StopResult{StopAcknowledged: resp.Stopping}

	if WaitForShutdown(socketPath, gracePeriod) == nil {
		return result, nil
	}

	pidPath := daemon.PIDPath(socketPath)
	pid, killErr := ForceKillProcess(pidPath, daemon.LockPath(socketPath))
	if killErr != nil {
		return result, fmt.Errorf("failed to stop daemon process: %w", killErr)
	}
	_ = os.Remove(socketPath)
	result.ForcedKill = true
	result.PID = pid
	return result, nil
}

// ForceKillProcess sends SIGKILL to the recorded daemon process and cleans
// up its pid and lock files.
func ForceKillProcess(pidPath, lockPath string) (int, error) {
	pid, ok := daemon.ReadPIDFile(pidPath)
	if !ok {
		return 0, fmt.Errorf("unable to determine daemon pid (pid file: %s)", pidPath)
	}
	if pid == os.Getpid() {
		return 0, fmt.Errorf("refusing to kill current process (pid %d)", pid)
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return 0, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("remove pid file %q: %w", pidPath, err)
	}
	if lockPath != "" {
		_ = os.Remove(lockPath)
	}
	return pid, nil
}

// StopAllResult describes one daemon handled by StopAll.
type StopAllResult struct {
	SocketPath string
	Result     StopResult
	Err        error
}

// StopAll stops every shuttle daemon with a socket in runtimeDir.
func StopAll(runtimeDir string, gracePeriod time.Duration) ([]StopAllResult, error) {
	pattern := filepath.Join(runtimeDir, "shuttle-*.sock")
	sockets, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("scan runtime directory: %w", err)
	}

	results := make([]StopAllResult, 0, len(sockets))
	for _, socketPath := range sockets {
		result, err := StopAndTerminate(socketPath, gracePeriod)
		if errors.Is(err, ErrDaemonNotRunning) {
			// Leftover socket from a dead daemon; clean it up.
			_ = os.Remove(socketPath)
			_ = os.Remove(daemon.PIDPath(socketPath))
			continue
		}
		results = append(results, StopAllResult{SocketPath: socketPath, Result: result, Err: err})
	}
	return results, nil
}

func isDaemonUnavailable(err error) bool {
	return os.IsNotExist(err) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
