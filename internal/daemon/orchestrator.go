package daemon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/cairn/internal/events"
	"github.com/msageha/cairn/internal/execution"
	"github.com/msageha/cairn/internal/fsutil"
	"github.com/msageha/cairn/internal/model"
	"github.com/msageha/cairn/internal/registry"
	"github.com/msageha/cairn/internal/taskrecord"
)

// Generation is one loaded configuration together with the registry built from it.
type Generation struct {
	Config   model.Config
	Registry *registry.Registry
}

// LoadFunc builds the next generation from disk. It must not touch live state.
type LoadFunc func() (Generation, error)

// SwapFunc is called under the swap lock after the registry and limits are replaced,
// so dependents such as the scheduler switch in the same critical section. prev is the
// generation being replaced.
type SwapFunc func(prev, next Generation)

type OrchestratorOptions struct {
	StateDir  string
	Queue     *EventQueue
	Records   *taskrecord.Manager
	Exec      *execution.Manager
	Publisher events.Publisher
	Load      LoadFunc
	OnSwap    SwapFunc
	// ExecContext bounds every dispatched execution. It outlives the event loop so
	// shutdown can drain in-flight work.
	ExecContext context.Context
}

// Orchestrator is the single event loop: it matches events, admits or queues work,
// resumes QUEUED records and owns hot reload.
type Orchestrator struct {
	stateDir string
	queue    *EventQueue
	records  *taskrecord.Manager
	exec     *execution.Manager
	bus      events.Publisher
	load     LoadFunc
	onSwap   SwapFunc
	execCtx  context.Context
	logger   zerolog.Logger

	registry atomic.Pointer[registry.Registry]
	config   atomic.Pointer[model.Config]
	paused   atomic.Bool

	swapMu sync.Mutex
	scanMu sync.Mutex

	reloadMu      sync.Mutex
	reloading     bool
	reloadPending bool
	reloads       atomic.Int64
	reloadsFailed atomic.Int64
	wg            sync.WaitGroup

	drainPoll  time.Duration
	pausedPoll time.Duration
}

func NewOrchestrator(opts OrchestratorOptions, initial Generation, logger zerolog.Logger) *Orchestrator {
	execCtx := opts.ExecContext
	if execCtx == nil {
		execCtx = context.Background()
	}
	o := &Orchestrator{
		stateDir:   opts.StateDir,
		queue:      opts.Queue,
		records:    opts.Records,
		exec:       opts.Exec,
		bus:        opts.Publisher,
		load:       opts.Load,
		onSwap:     opts.OnSwap,
		execCtx:    execCtx,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
		drainPoll:  100 * time.Millisecond,
		pausedPoll: 50 * time.Millisecond,
	}
	cfg := initial.Config
	o.config.Store(&cfg)
	o.registry.Store(initial.Registry)
	return o
}

// Registry returns the live registry. Readers never take the swap lock.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry.Load() }

// Config returns the live configuration.
func (o *Orchestrator) Config() model.Config { return *o.config.Load() }

func (o *Orchestrator) Paused() bool { return o.paused.Load() }

// Reloads returns the number of completed and failed reloads.
func (o *Orchestrator) Reloads() (completed, failed int64) {
	return o.reloads.Load(), o.reloadsFailed.Load()
}

func (o *Orchestrator) pollTimeout() time.Duration {
	ms := o.config.Load().Orchestrator.EventPollMs
	if ms <= 0 {
		ms = 500
	}
	return time.Duration(ms) * time.Millisecond
}

// Run is the event loop. Every pass handles at most one event and then attempts one
// dispatch from the QUEUED backlog; idle passes still run the backlog scan. While a
// reload is draining only config_changed events are taken off the queue.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info().Int("agents", o.Registry().Len()).Msg("loop_started")
	defer o.wg.Wait()

	for ctx.Err() == nil {
		if o.paused.Load() {
			if ev, ok := o.queue.Extract(isConfigChanged); ok {
				o.HandleEvent(ctx, ev)
				continue
			}
			select {
			case <-ctx.Done():
			case <-time.After(o.pausedPoll):
			}
			continue
		}
		if ev, ok := o.queue.Pop(ctx, o.pollTimeout()); ok {
			o.HandleEvent(ctx, ev)
		}
		if ctx.Err() == nil && !o.paused.Load() {
			o.ProcessQueued(ctx)
		}
	}
	o.logger.Info().Msg("loop_stopped")
	return nil
}

func isConfigChanged(ev model.TriggerEvent) bool {
	return ev.Kind == model.EventConfigChanged
}

// HandleEvent routes one trigger event. A panic while handling is logged and the
// event dropped; it never reaches the loop.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev model.TriggerEvent) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Str("path", ev.Path).Str("event", string(ev.Kind)).
				Interface("panic", r).Msg("event_handler_panic")
		}
	}()

	switch {
	case ev.Kind == model.EventConfigChanged:
		o.RequestReload(ctx)
	case ev.Kind.IsFileEvent() && o.records.IsRecordPath(ev.Path):
		o.handleRecordEvent(ev)
	default:
		o.dispatchMatches(ev)
	}
}

func (o *Orchestrator) dispatchMatches(ev model.TriggerEvent) {
	agents := o.Registry().FindMatchingAgents(ev)
	if len(agents) == 0 {
		o.logger.Debug().Str("path", ev.Path).Str("event", string(ev.Kind)).Msg("event_unmatched")
		return
	}
	for _, agent := range agents {
		o.admit(agent, ev)
	}
}

// admit dispatches when a slot is free and otherwise persists the work as QUEUED.
func (o *Orchestrator) admit(agent *model.AgentDefinition, ev model.TriggerEvent) {
	if o.exec.ReserveSlot(agent) {
		o.logger.Info().Str("agent", agent.Code).Str("path", ev.Path).Str("event", string(ev.Kind)).Msg("dispatch")
		o.exec.Dispatch(o.execCtx, agent, ev, "")
		return
	}
	if _, err := o.exec.Queue(agent, ev); err != nil {
		o.logger.Error().Str("agent", agent.Code).Str("path", ev.Path).Err(err).Msg("queue_failed")
	}
}

// handleRecordEvent acts only on QUEUED records; task records never match agents.
func (o *Orchestrator) handleRecordEvent(ev model.TriggerEvent) {
	if ev.Kind == model.EventDeleted {
		return
	}
	rec, err := o.records.Read(o.records.Abs(ev.Path))
	if err != nil {
		o.logger.Debug().Str("record", ev.Path).Err(err).Msg("record_event_unreadable")
		return
	}
	if rec.Header.Status != model.StatusQueued {
		return
	}
	o.scanMu.Lock()
	defer o.scanMu.Unlock()
	o.resume(rec)
}

// ProcessQueued walks QUEUED records oldest first and dispatches at most one. Records
// whose agent is at capacity are skipped so one busy agent cannot starve the others.
// It returns the number dispatched.
func (o *Orchestrator) ProcessQueued(ctx context.Context) int {
	o.scanMu.Lock()
	defer o.scanMu.Unlock()

	recs, unreadable, err := o.records.ListByStatus(model.StatusQueued)
	if err != nil {
		o.logger.Warn().Err(err).Msg("queued_scan_failed")
		return 0
	}
	o.quarantine(unreadable)
	for _, rec := range recs {
		if ctx.Err() != nil || o.paused.Load() {
			return 0
		}
		if o.resume(rec) {
			return 1
		}
	}
	return 0
}

// resume dispatches a QUEUED record. An unknown agent or unusable trigger data fails
// the record; a full agent leaves it QUEUED.
func (o *Orchestrator) resume(rec *taskrecord.Record) bool {
	code := rec.Header.TaskType
	agent, ok := o.Registry().ByCode(code)
	if !ok {
		o.failQueued(rec, fmt.Sprintf("agent not found: %s", code))
		return false
	}
	ev, err := triggerFor(rec)
	if err != nil {
		o.failQueued(rec, fmt.Sprintf("invalid trigger data: %v", err))
		return false
	}
	if rec.Header.TriggerData == nil {
		o.persistTrigger(rec, ev)
	}
	if !o.exec.ReserveSlot(agent) {
		return false
	}
	o.logger.Info().Str("agent", code).Str("record", rec.Rel).Msg("dispatch_queued")
	o.exec.Dispatch(o.execCtx, agent, ev, rec.Path)
	return true
}

// triggerFor rebuilds the trigger from a record. Hand-written records without trigger
// data become manual firings on the record's input.
func triggerFor(rec *taskrecord.Record) (model.TriggerEvent, error) {
	td := rec.Header.TriggerData
	if td == nil {
		ts := rec.Header.CreatedAt()
		if ts.IsZero() {
			ts = rec.ModTime
		}
		return model.TriggerEvent{
			Path:      taskrecord.Unlink(rec.Header.Input),
			Kind:      model.EventManual,
			Timestamp: ts.UTC(),
			Header:    map[string]any{},
			Agent:     rec.Header.TaskType,
		}, nil
	}
	ev, err := td.ToEvent()
	if err != nil {
		return model.TriggerEvent{}, err
	}
	if ev.Header == nil {
		ev.Header = map[string]any{}
	}
	return ev, nil
}

// persistTrigger stores the payload derived for a hand-written record so later scans
// resume it with the same event.
func (o *Orchestrator) persistTrigger(rec *taskrecord.Record, ev model.TriggerEvent) {
	td := ev.ToTriggerData()
	err := o.records.Update(rec.Path, func(r *taskrecord.Record) error {
		if r.Header.Status == model.StatusQueued && r.Header.TriggerData == nil {
			r.Header.TriggerData = td
		}
		return nil
	})
	if err != nil {
		o.logger.Warn().Str("record", rec.Rel).Err(err).Msg("persist_trigger_failed")
		return
	}
	rec.Header.TriggerData = td
}

func (o *Orchestrator) failQueued(rec *taskrecord.Record, msg string) {
	o.logger.Warn().Str("record", rec.Rel).Str("agent", rec.Header.TaskType).Str("error", msg).Msg("queued_task_failed")
	if err := o.records.Finalize(rec.Path, taskrecord.Outcome{Status: model.StatusFailed, Error: msg}); err != nil {
		o.logger.Error().Str("record", rec.Rel).Err(err).Msg("record_finalize_failed")
	}
}

// quarantine moves unreadable records aside and returns the paths it moved. A record
// backing a live execution is left for its executor to finish.
func (o *Orchestrator) quarantine(files []taskrecord.Unreadable) []string {
	if len(files) == 0 {
		return nil
	}
	live := make(map[string]bool)
	for _, v := range o.exec.Running() {
		live[v.Record] = true
	}
	var moved []string
	for _, f := range files {
		rel := o.records.Rel(f.Path)
		if live[rel] {
			o.logger.Debug().Str("record", rel).Err(f.Err).Msg("record_unreadable_running")
			continue
		}
		dst, err := fsutil.Quarantine(o.stateDir, f.Path)
		if err != nil {
			o.logger.Error().Str("record", rel).Err(err).Msg("quarantine_failed")
			continue
		}
		o.logger.Warn().Str("record", rel).Str("moved_to", dst).Err(f.Err).Msg("record_quarantined")
		moved = append(moved, f.Path)
		if o.bus != nil {
			o.bus.Publish(events.EventRecordQuarantined, map[string]any{
				"record":   rel,
				"moved_to": dst,
			})
		}
	}
	return moved
}
