package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/cairn/internal/execution"
	"github.com/msageha/cairn/internal/executor"
	"github.com/msageha/cairn/internal/history"
	"github.com/msageha/cairn/internal/lock"
	"github.com/msageha/cairn/internal/model"
	"github.com/msageha/cairn/internal/registry"
	"github.com/msageha/cairn/internal/taskrecord"
)

// TriggerResult describes the outcome of a manual firing.
type TriggerResult struct {
	// Queued is set when a running daemon will pick the work up from Record.
	Queued      bool             `json:"queued"`
	Record      string           `json:"record,omitempty"`
	ExecutionID string           `json:"execution_id,omitempty"`
	Status      model.TaskStatus `json:"status,omitempty"`
	Output      string           `json:"output,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// ManualOptions tunes an in-process manual run.
type ManualOptions struct {
	// Run replaces process execution (for tests).
	Run execution.RunFunc
}

// Trigger fires agent code once with an optional input path. When a daemon holds the
// workspace lock the firing is handed over as a QUEUED record; otherwise the agent
// runs in this process while the lock is held.
func Trigger(ctx context.Context, root string, cfg model.Config, code, input string, opts ManualOptions, logger zerolog.Logger) (TriggerResult, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("resolve root: %w", err)
	}
	rel, err := relativeInput(root, input)
	if err != nil {
		return TriggerResult{}, err
	}

	records := taskrecord.NewManager(root, cfg.Paths.TasksDir)
	reg, err := registry.Load(cfg, root, records, logger)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("load agents: %w", err)
	}
	agent, ok := reg.ByCode(code)
	if !ok {
		return TriggerResult{}, fmt.Errorf("agent not found: %s", code)
	}

	ev := model.TriggerEvent{
		Path:      rel,
		Kind:      model.EventManual,
		Timestamp: time.Now(),
		Agent:     agent.Code,
	}
	mgr := execution.NewManager(execution.Options{
		Root:          root,
		LogsDir:       cfg.Paths.LogsDir,
		SystemPrompt:  cfg.Orchestrator.SystemPrompt,
		MaxConcurrent: cfg.Orchestrator.MaxConcurrent,
	}, records, executor.NewSet(cfg.Executors), logger)
	if opts.Run != nil {
		mgr.SetRunFunc(opts.Run)
	}

	fl := lock.NewFileLock(LockPath(root))
	if err := fl.TryLock(); err != nil {
		if !errors.Is(err, lock.ErrLocked) {
			return TriggerResult{}, fmt.Errorf("daemon lock: %w", err)
		}
		path, err := mgr.Queue(agent, ev)
		if err != nil {
			return TriggerResult{}, err
		}
		return TriggerResult{Queued: true, Record: records.Rel(path), Status: model.StatusQueued}, nil
	}
	defer fl.Unlock()

	if cfg.History.Enabled {
		store, err := history.Open(HistoryPath(root), cfg.History.Retain)
		if err != nil {
			logger.Warn().Err(err).Msg("history_unavailable")
		} else {
			defer store.Close()
			mgr.SetHistory(store)
		}
	}

	if !mgr.ReserveSlot(agent) {
		return TriggerResult{}, fmt.Errorf("no execution slot for %s", agent.Code)
	}
	ec := mgr.Execute(ctx, agent, ev, "")
	res := TriggerResult{
		ExecutionID: ec.ID,
		Status:      ec.Status,
		Output:      ec.Output,
		Error:       ec.Error,
	}
	if ec.RecordPath != "" {
		res.Record = records.Rel(ec.RecordPath)
	}
	return res, nil
}

func relativeInput(root, input string) (string, error) {
	if input == "" {
		return "", nil
	}
	abs := input
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, input)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("input %s is outside %s", input, root)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("input: %w", err)
	}
	return filepath.ToSlash(rel), nil
}
