// Package execution is the concurrency gate and subprocess supervisor: admission
// control, executor dispatch, timeout enforcement, output validation and terminal
// status assignment.
package execution

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/msageha/cairn/internal/events"
	"github.com/msageha/cairn/internal/executor"
	"github.com/msageha/cairn/internal/fsutil"
	"github.com/msageha/cairn/internal/history"
	"github.com/msageha/cairn/internal/model"
	"github.com/msageha/cairn/internal/taskrecord"
)

// Resolver maps an executor kind to its implementation.
type Resolver interface {
	Get(kind string) (executor.Executor, error)
}

// HistoryRecorder stores finished-execution summaries.
type HistoryRecorder interface {
	Put(e history.Entry) error
}

// RunFunc starts a built command and waits for it.
type RunFunc func(ctx context.Context, cmd executor.Command, timeout time.Duration) (executor.Result, error)

type Options struct {
	Root          string
	LogsDir       string
	SystemPrompt  string
	MaxConcurrent int
}

type Manager struct {
	root         string
	logsDir      string
	systemPrompt string

	limiter   *Limiter
	records   *taskrecord.Manager
	executors Resolver
	run       RunFunc
	bus       events.Publisher
	history   HistoryRecorder
	logger    zerolog.Logger

	mu      sync.Mutex
	running map[string]*Context
	wg      sync.WaitGroup
	now     func() time.Time
}

func NewManager(opts Options, records *taskrecord.Manager, executors Resolver, logger zerolog.Logger) *Manager {
	logsDir := opts.LogsDir
	if logsDir != "" && !filepath.IsAbs(logsDir) {
		logsDir = filepath.Join(opts.Root, logsDir)
	}
	if logsDir == "" {
		logsDir = filepath.Join(opts.Root, model.StateDirName, "logs")
	}
	return &Manager{
		root:         opts.Root,
		logsDir:      logsDir,
		systemPrompt: opts.SystemPrompt,
		limiter:      NewLimiter(opts.MaxConcurrent),
		records:      records,
		executors:    executors,
		run:          executor.Run,
		logger:       logger.With().Str("component", "execution").Logger(),
		running:      make(map[string]*Context),
		now:          time.Now,
	}
}

// SetPublisher wires lifecycle notifications. Must be called before dispatching.
func (m *Manager) SetPublisher(p events.Publisher) { m.bus = p }

// SetHistory wires the finished-execution index. Must be called before dispatching.
func (m *Manager) SetHistory(h HistoryRecorder) { m.history = h }

// SetRunFunc overrides process execution (for tests).
func (m *Manager) SetRunFunc(f RunFunc) { m.run = f }

// SetSystemPrompt replaces the preamble used for executions started afterwards.
func (m *Manager) SetSystemPrompt(s string) {
	m.mu.Lock()
	m.systemPrompt = s
	m.mu.Unlock()
}

// SetExecutors replaces the executor resolver used for executions started afterwards.
func (m *Manager) SetExecutors(r Resolver) {
	m.mu.Lock()
	m.executors = r
	m.mu.Unlock()
}

func (m *Manager) Limiter() *Limiter { return m.limiter }

// ReserveSlot is the only way to admit work. A false return means the caller must
// persist the work as QUEUED.
func (m *Manager) ReserveSlot(agent *model.AgentDefinition) bool {
	return m.limiter.TryReserve(agent.Code, agent.MaxParallel)
}

// ReleaseSlot returns a reservation that will not be dispatched.
func (m *Manager) ReleaseSlot(agent *model.AgentDefinition) {
	m.limiter.Release(agent.Code)
}

// RunningCount is the number of admitted executions, including reservations whose
// goroutine has not started yet.
func (m *Manager) RunningCount() int {
	return m.limiter.Running()
}

// Running lists executions currently tracked, oldest first.
func (m *Manager) Running() []View {
	m.mu.Lock()
	views := make([]View, 0, len(m.running))
	for _, ec := range m.running {
		rel := ""
		if ec.RecordPath != "" {
			rel = m.records.Rel(ec.RecordPath)
		}
		views = append(views, ec.view(rel))
	}
	m.mu.Unlock()
	sort.Slice(views, func(i, j int) bool { return views[i].StartedAt.Before(views[j].StartedAt) })
	return views
}

// Dispatch moves the task record to IN_PROGRESS on the calling goroutine and then
// supervises the executor on its own goroutine. The slot must already be reserved.
// Because the record transition happens before Dispatch returns, a following scan for
// QUEUED records cannot pick the same record again.
func (m *Manager) Dispatch(ctx context.Context, agent *model.AgentDefinition, ev model.TriggerEvent, recordPath string) {
	ec := m.start(agent, ev, recordPath)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.supervise(ctx, ec)
	}()
}

// Wait blocks until every dispatched execution has finished or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queue persists a QUEUED record carrying the serialized trigger so the work can be
// resumed when capacity frees up.
func (m *Manager) Queue(agent *model.AgentDefinition, ev model.TriggerEvent) (string, error) {
	h := m.newHeader(agent, model.StatusQueued, inputFor(agent, ev), "")
	h.TriggerData = ev.ToTriggerData()
	path, err := m.records.Create(h, agent.Instructions)
	if err != nil {
		return "", fmt.Errorf("queue %s: %w", agent.Code, err)
	}
	m.logger.Info().Str("agent", agent.Code).Str("record", m.records.Rel(path)).Msg("task_queued")
	m.publish(events.EventTaskQueued, map[string]any{
		"agent":  agent.Code,
		"record": m.records.Rel(path),
		"input":  h.Input,
	})
	return path, nil
}

func inputFor(agent *model.AgentDefinition, ev model.TriggerEvent) string {
	if ev.Path != "" {
		return ev.Path
	}
	if len(agent.Inputs) > 0 {
		return agent.Inputs[0]
	}
	return ""
}

func (m *Manager) newHeader(agent *model.AgentDefinition, status model.TaskStatus, input, execID string) taskrecord.Header {
	return taskrecord.Header{
		Status:       status,
		TaskType:     agent.Code,
		Agent:        agent.Title,
		Worker:       agent.Executor,
		WorkerParams: agent.ExecutorParams,
		Priority:     agent.Priority,
		Input:        input,
		ExecutionID:  execID,
	}
}

// Execute runs one execution to completion on the calling goroutine. The caller must
// hold a reservation from ReserveSlot; it is released here whatever happens. When
// recordPath names an existing QUEUED record it is resumed instead of creating one.
func (m *Manager) Execute(ctx context.Context, agent *model.AgentDefinition, ev model.TriggerEvent, recordPath string) *Context {
	ec := m.start(agent, ev, recordPath)
	m.supervise(ctx, ec)
	return ec
}

// start creates the execution context and its IN_PROGRESS record. A failure is kept
// on the context and reported by supervise.
func (m *Manager) start(agent *model.AgentDefinition, ev model.TriggerEvent, recordPath string) (ec *Context) {
	ec = &Context{
		ID:         model.NewExecutionID(),
		Agent:      agent,
		Event:      ev,
		Input:      inputFor(agent, ev),
		RecordPath: recordPath,
		StartedAt:  m.now(),
	}
	ec.LogPath = filepath.Join(m.logsDir, "executions", ec.ID+".log")
	m.track(ec)
	defer func() {
		if r := recover(); r != nil {
			ec.fail(fmt.Sprintf("internal error: %v", r))
		}
	}()
	if err := m.begin(ec); err != nil {
		ec.fail(err.Error())
	}
	return ec
}

// supervise runs the executor and always finalizes: the record reaches a terminal
// status and the reservation is released exactly once.
func (m *Manager) supervise(ctx context.Context, ec *Context) {
	defer m.finalize(ec)
	if ec.Status == model.StatusFailed {
		return
	}
	agent, ev := ec.Agent, ec.Event

	m.publish(events.EventExecutionStarted, map[string]any{
		"execution_id": ec.ID,
		"agent":        agent.Code,
		"record":       m.recordRel(ec),
		"input":        ec.Input,
		"event":        string(ev.Kind),
	})

	m.mu.Lock()
	sys, executors := m.systemPrompt, m.executors
	m.mu.Unlock()

	ex, err := executors.Get(agent.Executor)
	if err != nil {
		ec.fail(err.Error())
		return
	}
	prompt := BuildPrompt(PromptInput{
		SystemPrompt: sys,
		Agent:        agent,
		Event:        ev,
		Input:        ec.Input,
		RecordRel:    m.recordRel(ec),
	})
	cmd, err := ex.Build(executor.Invocation{
		Prompt: prompt,
		Params: agent.ExecutorParams,
		Dir:    m.root,
		Env:    m.env(ec),
	})
	if err != nil {
		ec.fail(fmt.Sprintf("build command: %v", err))
		return
	}

	ec.snapshot = m.takeSnapshot(ec)
	m.appendLog(ec, "running "+cmd.String())
	m.logger.Info().Str("execution_id", ec.ID).Str("agent", agent.Code).Str("input", ec.Input).
		Str("executor", ex.Kind()).Dur("timeout", agent.Timeout).Msg("execution_started")

	res, runErr := m.run(ctx, cmd, agent.Timeout)
	ec.ProcessOut = res.Output
	m.writeLog(ec, cmd, res, runErr)

	if runErr != nil {
		if res.TimedOut {
			ec.fail(fmt.Sprintf("timeout: executor exceeded %s and was killed", agent.Timeout))
		} else {
			ec.fail(withOutput(runErr.Error(), res.Output))
		}
		return
	}

	v := m.validate(ec)
	ec.Status, ec.Output, ec.Error = v.status, v.output, v.err

	if ec.Status == model.StatusProcessed && agent.PostProcess != model.PostProcessNone {
		if err := m.postProcess(ec); err != nil {
			m.logger.Warn().Str("execution_id", ec.ID).Str("agent", agent.Code).Err(err).Msg("post_process_failed")
			m.appendLog(ec, "post-process failed: "+err.Error())
		}
	}
}

// begin moves the record to IN_PROGRESS before anything can fail, creating it when
// the agent keeps task records.
func (m *Manager) begin(ec *Context) error {
	logRel := m.rel(ec.LogPath)
	if ec.RecordPath != "" {
		err := m.records.Update(ec.RecordPath, func(rec *taskrecord.Record) error {
			if err := model.ValidateTransition(rec.Header.Status, model.StatusInProgress); err != nil {
				return err
			}
			rec.Header.Status = model.StatusInProgress
			rec.Header.ExecutionID = ec.ID
			rec.Header.Log = taskrecord.Link(logRel)
			rec.Header.Started = ec.StartedAt.UTC().Format(time.RFC3339)
			rec.Header.TriggerData = nil
			rec.Header.Worker = ec.Agent.Executor
			return nil
		})
		if err != nil {
			// The record belongs to someone else now; leave it untouched.
			return fmt.Errorf("resume %s: %w", filepath.Base(ec.RecordPath), err)
		}
		ec.recordOwned = true
		m.appendLog(ec, "IN_PROGRESS: resumed as "+ec.ID)
		return nil
	}
	if !ec.Agent.CreateTask {
		return nil
	}
	h := m.newHeader(ec.Agent, model.StatusInProgress, ec.Input, ec.ID)
	h.Log = taskrecord.Link(logRel)
	h.Started = ec.StartedAt.UTC().Format(time.RFC3339)
	path, err := m.records.Create(h, ec.Agent.Instructions)
	if err != nil {
		return fmt.Errorf("create task record: %w", err)
	}
	ec.RecordPath = path
	ec.recordOwned = true
	return nil
}

// fallbackHeader rebuilds the record header from the execution when an executor has
// left it unreadable.
func (m *Manager) fallbackHeader(ec *Context) *taskrecord.Header {
	h := m.newHeader(ec.Agent, model.StatusInProgress, ec.Input, ec.ID)
	h.Log = taskrecord.Link(m.rel(ec.LogPath))
	h.Started = ec.StartedAt.UTC().Format(time.RFC3339)
	h.Created = h.Started
	return &h
}

// finalize runs exactly once per Execute. It recovers a panic, writes the terminal
// status, releases the reservation and reports the outcome.
func (m *Manager) finalize(ec *Context) {
	if r := recover(); r != nil {
		m.logger.Error().Str("execution_id", ec.ID).Str("agent", ec.Agent.Code).
			Interface("panic", r).Str("stack", string(debug.Stack())).Msg("execution_panic")
		ec.fail(fmt.Sprintf("internal error: %v", r))
	}
	if !model.IsTerminal(ec.Status) {
		ec.fail("execution ended without a verdict")
	}
	ec.FinishedAt = m.now()

	if ec.recordOwned {
		err := m.records.Finalize(ec.RecordPath, taskrecord.Outcome{
			Status:   ec.Status,
			Output:   ec.Output,
			Error:    ec.Error,
			Fallback: m.fallbackHeader(ec),
		})
		if err != nil {
			m.logger.Error().Str("execution_id", ec.ID).Str("record", m.recordRel(ec)).Err(err).Msg("record_finalize_failed")
		}
	}

	m.untrack(ec)
	m.limiter.Release(ec.Agent.Code)

	ev := m.logger.Info()
	if ec.Status == model.StatusFailed {
		ev = m.logger.Warn().Str("error", firstLine(ec.Error))
	}
	ev.Str("execution_id", ec.ID).Str("agent", ec.Agent.Code).Str("status", string(ec.Status)).
		Str("output", ec.Output).Dur("duration", ec.FinishedAt.Sub(ec.StartedAt)).Msg("execution_finished")

	if m.history != nil {
		entry := history.Entry{
			ID:         ec.ID,
			Agent:      ec.Agent.Code,
			Status:     string(ec.Status),
			Event:      string(ec.Event.Kind),
			Input:      ec.Input,
			Output:     ec.Output,
			Record:     m.recordRel(ec),
			Log:        m.rel(ec.LogPath),
			Error:      ec.Error,
			StartedAt:  ec.StartedAt.UTC(),
			FinishedAt: ec.FinishedAt.UTC(),
		}
		if err := m.history.Put(entry); err != nil {
			m.logger.Warn().Str("execution_id", ec.ID).Err(err).Msg("history_write_failed")
		}
	}
	m.publish(events.EventExecutionFinished, map[string]any{
		"execution_id": ec.ID,
		"agent":        ec.Agent.Code,
		"record":       m.recordRel(ec),
		"status":       string(ec.Status),
		"output":       ec.Output,
		"error":        ec.Error,
		"duration_ms":  ec.FinishedAt.Sub(ec.StartedAt).Milliseconds(),
	})
}

func (m *Manager) track(ec *Context) {
	m.mu.Lock()
	m.running[ec.ID] = ec
	m.mu.Unlock()
}

func (m *Manager) untrack(ec *Context) {
	m.mu.Lock()
	delete(m.running, ec.ID)
	m.mu.Unlock()
}

func (m *Manager) env(ec *Context) []string {
	env := []string{
		"CAIRN_ROOT=" + m.root,
		"CAIRN_EXECUTION_ID=" + ec.ID,
		"CAIRN_AGENT=" + ec.Agent.Code,
		"CAIRN_TASK_RECORD=" + ec.RecordPath,
		"CAIRN_INPUT=" + ec.Input,
	}
	if ec.Agent.Output != "" {
		env = append(env, "CAIRN_OUTPUT_DIR="+m.abs(ec.Agent.Output))
	}
	return env
}

func (m *Manager) appendLog(ec *Context, line string) {
	if !ec.recordOwned {
		return
	}
	if err := m.records.AppendLog(ec.RecordPath, line); err != nil {
		m.logger.Warn().Str("execution_id", ec.ID).Err(err).Msg("record_append_failed")
	}
}

// writeLog stores the captured process output as the execution's log artifact.
func (m *Manager) writeLog(ec *Context, cmd executor.Command, res executor.Result, runErr error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "execution: %s\nagent: %s (%s)\ncommand: %s\nstarted: %s\nduration: %s\nexit_code: %d\n",
		ec.ID, ec.Agent.Title, ec.Agent.Code, cmd.String(), ec.StartedAt.Format(time.RFC3339), res.Duration.Round(time.Millisecond), res.ExitCode)
	if runErr != nil {
		fmt.Fprintf(&sb, "error: %v\n", runErr)
	}
	if res.Truncated {
		sb.WriteString("output: truncated to the last 4MiB\n")
	}
	sb.WriteString("\n")
	sb.Write(res.Output)
	if err := fsutil.AtomicWrite(ec.LogPath, []byte(sb.String()), 0o644); err != nil {
		m.logger.Warn().Str("execution_id", ec.ID).Err(err).Msg("execution_log_write_failed")
	}
}

func (m *Manager) publish(t events.EventType, data map[string]any) {
	if m.bus != nil {
		m.bus.Publish(t, data)
	}
}

func (m *Manager) recordRel(ec *Context) string {
	if ec.RecordPath == "" {
		return ""
	}
	return m.records.Rel(ec.RecordPath)
}

func (m *Manager) abs(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(m.root, filepath.FromSlash(rel))
}

func (m *Manager) rel(p string) string {
	r, err := filepath.Rel(m.root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(r)
}

// withOutput appends the tail of the process output to an error message.
func withOutput(msg string, out []byte) string {
	const maxTail = 2000
	tail := strings.TrimSpace(string(out))
	if tail == "" {
		return msg
	}
	if len(tail) > maxTail {
		cut := len(tail) - maxTail
		for cut < len(tail) && !utf8.RuneStart(tail[cut]) {
			cut++
		}
		tail = "..." + tail[cut:]
	}
	return msg + "\n" + tail
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
