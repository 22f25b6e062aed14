package daemon_test

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"shuttle/internal/daemon"
	"shuttle/internal/logging"
)

func TestProjectTagStable(t *testing.T) {
	tag := daemon.ProjectTag("/home/user/project")
	if len(tag) != 8 {
		t.Fatalf("expected 8 hex chars, got %q", tag)
	}
	if tag != daemon.ProjectTag("/home/user/project") {
		t.Fatal("tag must be deterministic")
	}
	// Path cleaning makes trailing-slash variants equivalent.
	if tag != daemon.ProjectTag("/home/user/project/") {
		t.Fatal("expected cleaned paths to share a tag")
	}
	if tag == daemon.ProjectTag("/home/user/other") {
		t.Fatal("different projects must not share a tag")
	}
}

func TestSocketCompanionPaths(t *testing.T) {
	socket := daemon.SocketPath("/run/shuttle", "/home/user/project")
	if filepath.Dir(socket) != "/run/shuttle" {
		t.Fatalf("unexpected socket dir: %s", socket)
	}
	if filepath.Ext(socket) != ".sock" {
		t.Fatalf("expected .sock suffix: %s", socket)
	}
	if daemon.PIDPath(socket) != socket[:len(socket)-5]+".pid" {
		t.Fatalf("unexpected pid path: %s", daemon.PIDPath(socket))
	}
	if daemon.LockPath(socket) != socket[:len(socket)-5]+".lock" {
		t.Fatalf("unexpected lock path: %s", daemon.LockPath(socket))
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "shuttle.pid")
	if err := daemon.WritePIDFile(pidPath); err != nil {
		t.Fatalf("WritePIDFile failed: %v", err)
	}
	pid, ok := daemon.ReadPIDFile(pidPath)
	if !ok || pid != os.Getpid() {
		t.Fatalf("expected own pid, got %d (%v)", pid, ok)
	}

	if _, ok := daemon.ReadPIDFile(filepath.Join(t.TempDir(), "missing.pid")); ok {
		t.Fatal("missing pid file must not parse")
	}

	garbled := filepath.Join(t.TempDir(), "bad.pid")
	os.WriteFile(garbled, []byte("not-a-pid\n"), 0o600)
	if _, ok := daemon.ReadPIDFile(garbled); ok {
		t.Fatal("malformed pid file must not parse")
	}
}

func TestPrepareSocketRemovesStale(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "shuttle-abc.sock")
	pidPath := daemon.PIDPath(socketPath)

	os.WriteFile(socketPath, nil, 0o600)
	// A pid far above pid_max cannot name a live process.
	os.WriteFile(pidPath, []byte("99999999\n"), 0o600)

	if err := daemon.PrepareSocket(socketPath, logging.NewNop()); err != nil {
		t.Fatalf("PrepareSocket failed: %v", err)
	}
	if _, err := os.Stat(socketPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("stale socket not removed")
	}
	if _, err := os.Stat(pidPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("stale pid file not removed")
	}
}

func TestPrepareSocketRefusesLiveDaemon(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "shuttle-abc.sock")
	pidPath := daemon.PIDPath(socketPath)

	os.WriteFile(socketPath, nil, 0o600)
	os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600)

	err := daemon.PrepareSocket(socketPath, logging.NewNop())
	if !errors.Is(err, daemon.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if _, statErr := os.Stat(socketPath); statErr != nil {
		t.Fatal("live daemon's socket must be left alone")
	}
}

func TestPrepareSocketClearsOrphanPIDFile(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "shuttle-abc.sock")
	pidPath := daemon.PIDPath(socketPath)

	os.WriteFile(pidPath, []byte("12345\n"), 0o600)

	if err := daemon.PrepareSocket(socketPath, logging.NewNop()); err != nil {
		t.Fatalf("PrepareSocket failed: %v", err)
	}
	if _, err := os.Stat(pidPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("orphan pid file not removed")
	}
}
