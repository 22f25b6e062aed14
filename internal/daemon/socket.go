package daemon

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"shuttle/internal/logging"
)

// ErrAlreadyRunning indicates another daemon instance owns this project's
// socket.
var ErrAlreadyRunning = errors.New("daemon already running")

// ProjectTag derives a stable per-project identifier from the working
// directory: the first 8 hex characters of its SHA-256. Independent daemons,
// one per project, coexist in the same runtime directory.
func ProjectTag(workdir string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(workdir)))
	return hex.EncodeToString(sum[:])[:8]
}

// SocketPath returns the Unix socket location for a project.
func SocketPath(runtimeDir, workdir string) string {
	return filepath.Join(runtimeDir, "shuttle-"+ProjectTag(workdir)+".sock")
}

// PIDPath returns the companion PID file for a socket path.
func PIDPath(socketPath string) string {
	return strings.TrimSuffix(socketPath, ".sock") + ".pid"
}

// LockPath returns the companion flock file for a socket path.
func LockPath(socketPath string) string {
	return strings.TrimSuffix(socketPath, ".sock") + ".lock"
}

// PrepareSocket clears a stale socket left behind by a dead daemon, or
// returns ErrAlreadyRunning when the PID file names a live process.
func PrepareSocket(socketPath string, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.NewNop()
	}
	pidPath := PIDPath(socketPath)

	if _, err := os.Stat(socketPath); errors.Is(err, os.ErrNotExist) {
		// No socket; a leftover PID file alone is harmless but stale.
		_ = os.Remove(pidPath)
		return nil
	}

	if pid, ok := ReadPIDFile(pidPath); ok && pidAlive(pid) {
		return fmt.Errorf("%w (pid %d, socket %s)", ErrAlreadyRunning, pid, socketPath)
	}

	logger.Info("removing stale socket",
		logging.String(logging.FieldSocket, socketPath),
		logging.String(logging.FieldEventType, "stale_socket_removed"))
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	_ = os.Remove(pidPath)
	return nil
}

// WritePIDFile records the current process id next to the socket.
func WritePIDFile(pidPath string) error {
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(pidPath, []byte(value), 0o600)
}

// ReadPIDFile parses the recorded process id, reporting ok=false when the
// file is missing or malformed.
func ReadPIDFile(pidPath string) (int, bool) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// pidAlive probes a process with signal 0. EPERM means the process exists
// but belongs to another user; that still counts as alive.
func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}
