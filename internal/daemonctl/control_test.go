package daemonctl_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"shuttle/internal/daemonctl"
)

func TestLaunchRequiresExecutable(t *testing.T) {
	if err := daemonctl.Launch("", daemonctl.LaunchOptions{}); err == nil {
		t.Fatal("expected error for empty executable path")
	}
}

func TestStopAndTerminateWhenNotRunning(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "shuttle-dead.sock")
	_, err := daemonctl.StopAndTerminate(socketPath, time.Second)
	if err != daemonctl.ErrDaemonNotRunning {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
}

func TestStopAllCleansDeadSockets(t *testing.T) {
	dir := t.TempDir()
	// A socket file nothing listens on is leftover state, not a daemon.
	os.WriteFile(filepath.Join(dir, "shuttle-dead1234.sock"), nil, 0o600)

	results, err := daemonctl.StopAll(dir, time.Second)
	if err != nil {
		t.Fatalf("StopAll failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no live daemons, got %#v", results)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "shuttle-dead1234.sock")); !os.IsNotExist(statErr) {
		t.Fatal("dead socket not cleaned up")
	}
}

func TestForceKillRequiresPIDFile(t *testing.T) {
	if _, err := daemonctl.ForceKillProcess(filepath.Join(t.TempDir(), "missing.pid"), ""); err == nil {
		t.Fatal("expected error without pid file")
	}
}
