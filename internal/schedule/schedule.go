// Package schedule fires synthetic scheduled events for agents with a cron expression.
package schedule

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/msageha/cairn/internal/model"
)

type Sink interface {
	Enqueue(ev model.TriggerEvent)
}

type entry struct {
	agent string
	spec  string
	sched cron.Schedule
}

// Scheduler evaluates every schedule once per tick. An agent is due when its most
// recent firing time falls within the last tick interval. Delivery is at least once
// per interval while running; restarts may miss or repeat a firing.
type Scheduler struct {
	entries []entry
	sink    Sink
	tick    time.Duration
	logger  zerolog.Logger
}

// New builds a scheduler from agents that declare a schedule. Agents whose expression
// fails to parse are skipped; the registry rejects them earlier in normal operation.
func New(agents []*model.AgentDefinition, sink Sink, tick time.Duration, logger zerolog.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Minute
	}
	s := &Scheduler{
		sink:   sink,
		tick:   tick,
		logger: logger.With().Str("component", "schedule").Logger(),
	}
	for _, a := range agents {
		if !a.HasSchedule() {
			continue
		}
		sched, err := cron.ParseStandard(a.Trigger.Schedule)
		if err != nil {
			s.logger.Warn().Str("agent", a.Code).Str("schedule", a.Trigger.Schedule).Err(err).Msg("schedule_invalid")
			continue
		}
		s.entries = append(s.entries, entry{agent: a.Code, spec: a.Trigger.Schedule, sched: sched})
	}
	return s
}

// Len returns the number of scheduled agents.
func (s *Scheduler) Len() int { return len(s.entries) }

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.entries) == 0 {
		s.logger.Debug().Msg("no_scheduled_agents")
	}
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Tick enqueues a scheduled event for every agent due at now and returns their codes.
func (s *Scheduler) Tick(now time.Time) []string {
	var fired []string
	for _, e := range s.entries {
		if !s.due(e, now) {
			continue
		}
		s.sink.Enqueue(model.TriggerEvent{
			Kind:      model.EventScheduled,
			Timestamp: now.UTC(),
			Header:    map[string]any{},
			Agent:     e.agent,
		})
		s.logger.Info().Str("agent", e.agent).Str("schedule", e.spec).Msg("schedule_fired")
		fired = append(fired, e.agent)
	}
	return fired
}

// due reports whether the schedule's most recent activation lies in (now-tick, now].
func (s *Scheduler) due(e entry, now time.Time) bool {
	next := e.sched.Next(now.Add(-s.tick))
	return !next.After(now)
}
