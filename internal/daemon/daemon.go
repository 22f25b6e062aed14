package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gofrs/flock"

	"shuttle/internal/config"
	"shuttle/internal/dispatch"
	"shuttle/internal/history"
	"shuttle/internal/ipc"
	"shuttle/internal/logging"
)

// Daemon assembles the dispatch store, the history journal, the IPC server,
// and the timeout sweeper into one foreground process. A flock file enforces
// single-instance execution per project on top of the PID check.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	workdir string

	socketPath string
	pidPath    string
	lock       *flock.Flock

	store   *dispatch.Store
	journal *history.Store
}

// New constructs a daemon for the given working directory.
func New(cfg *config.Config, workdir string, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	socketPath := SocketPath(cfg.Paths.RuntimeDir, workdir)
	return &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		workdir:    workdir,
		socketPath: socketPath,
		pidPath:    PIDPath(socketPath),
		lock:       flock.New(LockPath(socketPath)),
	}, nil
}

// SocketPath returns the socket this daemon binds.
func (d *Daemon) SocketPath() string { return d.socketPath }

// Run serves until ctx is canceled or a shutdown request arrives, then
// drains within the configured grace period. Bind failures and duplicate
// instances are fatal.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w (lock %s held)", ErrAlreadyRunning, d.lock.Path())
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("failed to release daemon lock", logging.Error(err))
		}
		_ = os.Remove(d.lock.Path())
	}()

	if err := PrepareSocket(d.socketPath, d.logger); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if d.cfg.History.Enabled {
		journal, err := history.Open(d.cfg)
		if err != nil {
			return fmt.Errorf("open history journal: %w", err)
		}
		d.journal = journal
		defer d.journal.Close()
	}

	d.store = dispatch.NewStore(dispatch.Options{
		ExecutionBudget: d.cfg.ExecutionBudget(),
		DisconnectGrace: d.cfg.DisconnectGrace(),
	}, d.logger, d.eventSink(runCtx))

	server, err := ipc.NewServer(runCtx, d.socketPath, ipc.Backend{
		Store:              d.store,
		History:            d.journal,
		DefaultPollTimeout: d.cfg.DefaultPollTimeout(),
		RequestShutdown:    cancel,
	}, d.logger)
	if err != nil {
		return fmt.Errorf("bind socket: %w", err)
	}

	if err := WritePIDFile(d.pidPath); err != nil {
		server.Close(0)
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(d.pidPath)

	server.Serve()
	go d.sweepLoop(runCtx)
	if d.journal != nil {
		go d.pruneLoop(runCtx)
	}

	d.logger.Info("shuttle daemon started",
		logging.String(logging.FieldSocket, d.socketPath),
		logging.String("workdir", d.workdir),
		logging.Duration("execution_budget", d.cfg.ExecutionBudget()))

	<-runCtx.Done()
	d.logger.Info("shuttle daemon shutting down")
	server.Close(d.cfg.ShutdownGrace())
	return nil
}

// sweepLoop periodically reclaims tasks from workers executing past the
// budget. The reclaim itself happens inside the dispatch store.
func (d *Daemon) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.store.SweepExpired()
		}
	}
}

func (d *Daemon) pruneLoop(ctx context.Context) {
	retention := time.Duration(d.cfg.History.RetentionDays) * 24 * time.Hour
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed, err := d.journal.Prune(ctx, retention); err != nil {
				d.logger.Debug("history prune failed", logging.Error(err))
			} else if removed > 0 {
				d.logger.Debug("history pruned", logging.Int64("removed", removed))
			}
		}
	}
}

// eventSink forwards dispatch lifecycle events to the journal. Journal
// failures are logged, never surfaced to dispatch callers.
func (d *Daemon) eventSink(ctx context.Context) dispatch.EventSink {
	if !d.cfg.History.Enabled {
		return nil
	}
	return func(e dispatch.Event) {
		if d.journal == nil {
			return
		}
		err := d.journal.Append(ctx, history.Event{
			BeadID: e.BeadID,
			Worker: e.Worker,
			Event:  e.Name,
			Detail: e.Detail,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Debug("journal append failed",
				logging.String(logging.FieldBeadID, e.BeadID),
				logging.Error(err))
		}
	}
}
