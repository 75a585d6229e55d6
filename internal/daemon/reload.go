package daemon

import (
	"context"
	"time"

	"github.com/msageha/cairn/internal/events"
	"github.com/msageha/cairn/internal/executor"
)

// RequestReload starts a reload unless one is running. A request that arrives while a
// reload is in progress collapses into exactly one follow-up reload.
func (o *Orchestrator) RequestReload(ctx context.Context) {
	o.reloadMu.Lock()
	if o.reloading {
		o.reloadPending = true
		o.reloadMu.Unlock()
		o.logger.Info().Msg("reload_deferred")
		return
	}
	o.reloading = true
	o.reloadMu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.reloadLoop(ctx)
	}()
}

func (o *Orchestrator) reloadLoop(ctx context.Context) {
	for {
		o.reload(ctx)

		o.reloadMu.Lock()
		if !o.reloadPending || ctx.Err() != nil {
			o.reloading = false
			o.reloadPending = false
			o.reloadMu.Unlock()
			return
		}
		o.reloadPending = false
		o.reloadMu.Unlock()
	}
}

// reload runs both phases. Phase 1 builds the new generation without touching live
// state; any failure keeps the old configuration. Phase 2 pauses dispatch, waits for
// in-flight executions up to the drain timeout, swaps, resumes and runs the backlog.
func (o *Orchestrator) reload(ctx context.Context) {
	start := time.Now()
	o.logger.Info().Msg("reload_started")

	gen, err := o.load()
	if err != nil {
		o.reloadsFailed.Add(1)
		o.logger.Error().Err(err).Msg("reload_failed")
		o.publish(events.EventReloadFailed, map[string]any{"error": err.Error()})
		return
	}

	o.paused.Store(true)
	drained := o.drain(ctx)
	if ctx.Err() != nil {
		o.paused.Store(false)
		o.logger.Warn().Msg("reload_aborted")
		return
	}

	o.swap(gen)
	o.paused.Store(false)
	o.reloads.Add(1)

	o.logger.Info().Int("agents", gen.Registry.Len()).Bool("drained", drained).
		Dur("duration", time.Since(start)).Msg("reload_completed")
	o.publish(events.EventReloadCompleted, map[string]any{
		"agents":      gen.Registry.Len(),
		"drained":     drained,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	o.ProcessQueued(ctx)
}

// drain waits until nothing is running or the drain timeout passes. Executions still
// running afterwards keep the definitions they started with.
func (o *Orchestrator) drain(ctx context.Context) bool {
	sec := o.config.Load().Orchestrator.ReloadDrainTimeoutSec
	if sec <= 0 {
		sec = 300
	}
	deadline := time.Now().Add(time.Duration(sec) * time.Second)
	ticker := time.NewTicker(o.drainPoll)
	defer ticker.Stop()
	for {
		running := o.exec.RunningCount()
		if running == 0 {
			return true
		}
		if time.Now().After(deadline) {
			o.logger.Warn().Int("running", running).Int("timeout_sec", sec).Msg("reload_drain_timeout")
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) swap(gen Generation) {
	o.swapMu.Lock()
	defer o.swapMu.Unlock()

	prev := Generation{Config: o.Config(), Registry: o.registry.Load()}
	cfg := gen.Config
	o.registry.Store(gen.Registry)
	o.config.Store(&cfg)
	o.exec.Limiter().SetGlobalMax(cfg.Orchestrator.MaxConcurrent)
	o.exec.SetSystemPrompt(cfg.Orchestrator.SystemPrompt)
	o.exec.SetExecutors(executor.NewSet(cfg.Executors))
	if o.onSwap != nil {
		o.onSwap(prev, gen)
	}
}

func (o *Orchestrator) publish(t events.EventType, data map[string]any) {
	if o.bus != nil {
		o.bus.Publish(t, data)
	}
}
