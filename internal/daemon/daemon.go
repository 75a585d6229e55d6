// Package daemon is the orchestrator core: the event queue and loop, requeue of
// deferred work, hot reload, and the process lifecycle around them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/cairn/internal/events"
	"github.com/msageha/cairn/internal/execution"
	"github.com/msageha/cairn/internal/executor"
	"github.com/msageha/cairn/internal/history"
	"github.com/msageha/cairn/internal/httpapi"
	"github.com/msageha/cairn/internal/lock"
	"github.com/msageha/cairn/internal/logging"
	"github.com/msageha/cairn/internal/model"
	"github.com/msageha/cairn/internal/notify"
	"github.com/msageha/cairn/internal/registry"
	"github.com/msageha/cairn/internal/schedule"
	"github.com/msageha/cairn/internal/taskrecord"
	"github.com/msageha/cairn/internal/watcher"
)

// LockPath returns the single-instance lock file for a content root.
func LockPath(root string) string {
	return filepath.Join(root, model.StateDirName, "locks", "daemon.lock")
}

// HistoryPath returns the execution history database for a content root.
func HistoryPath(root string) string {
	return filepath.Join(root, model.StateDirName, "state", "history.db")
}

type Options struct {
	// Console mirrors the daemon log to stderr.
	Console bool
	// Logger replaces the daemon log file.
	Logger *zerolog.Logger
}

// Daemon wires every component and owns the process lifecycle.
type Daemon struct {
	root       string
	stateDir   string
	configPath string
	config     model.Config

	logger    zerolog.Logger
	logCloser io.Closer
	fileLock  *lock.FileLock

	queue   *EventQueue
	records *taskrecord.Manager
	exec    *execution.Manager
	orch    *Orchestrator
	monitor *watcher.Monitor
	sched   *schedRunner

	bus     *events.Bus
	audit   *events.AuditLogger
	history *history.Store
	server  *http.Server

	startedAt  time.Time
	execCtx    context.Context
	execCancel context.CancelFunc
	shutdown   sync.Once
}

// New builds a daemon for root from an already loaded configuration. The initial
// registry must contain at least one valid agent when agents are declared.
func New(root string, cfg model.Config, opts Options) (*Daemon, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	d := &Daemon{
		root:       root,
		stateDir:   filepath.Join(root, model.StateDirName),
		configPath: model.ConfigPath(root),
		config:     cfg,
		fileLock:   lock.NewFileLock(LockPath(root)),
		queue:      NewEventQueue(),
		bus:        events.NewBus(256),
	}

	if opts.Logger != nil {
		d.logger = *opts.Logger
	} else {
		logger, closer, err := logging.OpenDaemonLog(d.abs(cfg.Paths.LogsDir), cfg.Logging.Level, opts.Console)
		if err != nil {
			return nil, err
		}
		d.logger, d.logCloser = logger, closer
	}

	d.records = taskrecord.NewManager(root, cfg.Paths.TasksDir)
	reg, err := registry.Load(cfg, root, d.records, d.logger)
	if err != nil {
		d.closeLog()
		return nil, fmt.Errorf("load agents: %w", err)
	}

	d.exec = execution.NewManager(execution.Options{
		Root:          root,
		LogsDir:       cfg.Paths.LogsDir,
		SystemPrompt:  cfg.Orchestrator.SystemPrompt,
		MaxConcurrent: cfg.Orchestrator.MaxConcurrent,
	}, d.records, executor.NewSet(cfg.Executors), d.logger)
	d.exec.SetPublisher(d.bus)

	d.execCtx, d.execCancel = context.WithCancel(context.Background())
	d.orch = NewOrchestrator(OrchestratorOptions{
		StateDir:    d.stateDir,
		Queue:       d.queue,
		Records:     d.records,
		Exec:        d.exec,
		Publisher:   d.bus,
		Load:        d.loadGeneration,
		OnSwap:      d.onSwap,
		ExecContext: d.execCtx,
	}, Generation{Config: cfg, Registry: reg}, d.logger)

	d.monitor = watcher.New(root, d.configPath, watcher.Options{
		Debounce: time.Duration(cfg.Watcher.DebounceMs) * time.Millisecond,
		Ignore:   cfg.Watcher.Ignore,
	}, d.queue, d.logger)
	d.sched = newSchedRunner(d.queue, time.Duration(cfg.Cron.TickSec)*time.Second, d.logger)
	return d, nil
}

func (d *Daemon) abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.root, p)
}

// Orchestrator exposes the event loop, mainly for tests and the status API.
func (d *Daemon) Orchestrator() *Orchestrator { return d.orch }

// Enqueue injects a trigger event as if a producer had emitted it.
func (d *Daemon) Enqueue(ev model.TriggerEvent) { d.queue.Enqueue(ev) }

// Run starts every loop and blocks until ctx is cancelled or a loop fails, then
// shuts down. In-flight executions get the configured shutdown timeout to finish.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.fileLock.TryLock(); err != nil {
		d.closeLog()
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.startedAt = time.Now()
	d.logger.Info().Int("pid", os.Getpid()).Str("root", d.root).Int("agents", d.orch.Registry().Len()).Msg("daemon_starting")

	if err := d.openStores(); err != nil {
		d.cleanup()
		return err
	}
	if err := os.MkdirAll(d.records.Dir(), 0o755); err != nil {
		d.cleanup()
		return fmt.Errorf("ensure tasks dir: %w", err)
	}

	if repairs := d.orch.Reconcile(); len(repairs) > 0 {
		d.logger.Warn().Int("records", len(repairs)).Msg("startup_reconciled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.orch.Run(gctx) })
	g.Go(func() error { return d.monitor.Run(gctx) })
	d.sched.start(gctx, d.orch.Registry().Scheduled())
	if addr := d.config.HTTP.Addr; addr != "" {
		d.server = &http.Server{
			Addr:              addr,
			Handler:           httpapi.NewServer(d, d.logger).Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			d.logger.Info().Str("addr", addr).Msg("http_listening")
			if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return d.server.Shutdown(shutdownCtx)
		})
	}
	d.logger.Info().Msg("daemon_ready")

	err := g.Wait()
	if err != nil {
		d.logger.Error().Err(err).Msg("daemon_loop_failed")
	}
	d.Shutdown()
	return err
}

func (d *Daemon) openStores() error {
	if d.config.History.Enabled {
		h, err := history.Open(HistoryPath(d.root), d.config.History.Retain)
		if err != nil {
			return err
		}
		d.history = h
		d.exec.SetHistory(h)
	}
	audit, err := events.NewAuditLogger(filepath.Join(d.abs(d.config.Paths.LogsDir), "audit.jsonl"), 0)
	if err != nil {
		return err
	}
	audit.Attach(d.bus)
	d.audit = audit
	if d.config.Notify.Enabled {
		notify.New(d.config.Notify.Statuses, nil, d.logger).Attach(d.bus)
	}
	return nil
}

// Shutdown stops producers, waits for in-flight executions up to the shutdown
// timeout, kills whatever is left and releases resources. It is idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Info().Int("running", d.exec.RunningCount()).Msg("shutdown_started")
		d.sched.stop()

		timeout := time.Duration(d.config.Orchestrator.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		waitCtx, cancel := context.WithTimeout(context.Background(), timeout)
		err := d.exec.Wait(waitCtx)
		cancel()
		if err != nil {
			d.logger.Warn().Dur("timeout", timeout).Int("running", d.exec.RunningCount()).Msg("shutdown_timeout_killing")
			d.execCancel()
			killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = d.exec.Wait(killCtx)
			cancel()
		}
		d.execCancel()
		d.cleanup()
	})
}

func (d *Daemon) cleanup() {
	if d.audit != nil {
		d.audit.Close()
	}
	d.bus.Close()
	if d.history != nil {
		if err := d.history.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("history_close_failed")
		}
	}
	if err := d.fileLock.Unlock(); err != nil {
		d.logger.Warn().Err(err).Msg("lock_release_failed")
	}
	d.logger.Info().Msg("daemon_stopped")
	d.closeLog()
}

func (d *Daemon) closeLog() {
	if d.logCloser != nil {
		d.logCloser.Close()
		d.logCloser = nil
	}
}

func (d *Daemon) loadGeneration() (Generation, error) {
	cfg, err := model.LoadConfig(d.configPath)
	if err != nil {
		return Generation{}, err
	}
	reg, err := registry.Load(cfg, d.root, d.records, d.logger)
	if err != nil {
		return Generation{}, fmt.Errorf("build registry: %w", err)
	}
	return Generation{Config: cfg, Registry: reg}, nil
}

// onSwap runs under the orchestrator's swap lock.
func (d *Daemon) onSwap(prev, next Generation) {
	d.sched.restart(next.Registry.Scheduled())
	if restartSettingsChanged(prev.Config, next.Config) {
		d.logger.Warn().Msg("reload_restart_required: paths, http and watcher settings apply on restart")
	}
}

// restartSettingsChanged reports whether settings that are only read at startup
// differ between two configurations.
func restartSettingsChanged(a, b model.Config) bool {
	return a.Paths != b.Paths || a.HTTP != b.HTTP || !reflect.DeepEqual(a.Watcher, b.Watcher)
}

// schedRunner restarts the cron scheduler when the agent set changes.
type schedRunner struct {
	sink   schedule.Sink
	tick   time.Duration
	logger zerolog.Logger

	mu     sync.Mutex
	parent context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newSchedRunner(sink schedule.Sink, tick time.Duration, logger zerolog.Logger) *schedRunner {
	return &schedRunner{sink: sink, tick: tick, logger: logger}
}

func (r *schedRunner) start(parent context.Context, agents []*model.AgentDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parent = parent
	r.startLocked(agents)
}

func (r *schedRunner) startLocked(agents []*model.AgentDefinition) {
	ctx, cancel := context.WithCancel(r.parent)
	done := make(chan struct{})
	s := schedule.New(agents, r.sink, r.tick, r.logger)
	r.cancel, r.done = cancel, done
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
}

func (r *schedRunner) stopLocked() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel, r.done = nil, nil
}

func (r *schedRunner) restart(agents []*model.AgentDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.parent == nil {
		return
	}
	r.stopLocked()
	r.startLocked(agents)
}

func (r *schedRunner) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}
