package daemon

import (
	"os"

	"github.com/msageha/cairn/internal/execution"
	"github.com/msageha/cairn/internal/history"
	"github.com/msageha/cairn/internal/httpapi"
)

var _ httpapi.Provider = (*Daemon)(nil)

func (d *Daemon) Status() httpapi.StatusSnapshot {
	completed, failed := d.orch.Reloads()
	return httpapi.StatusSnapshot{
		PID:           os.Getpid(),
		Root:          d.root,
		StartedAt:     d.startedAt,
		Paused:        d.orch.Paused(),
		Reloads:       completed,
		ReloadsFailed: failed,
		QueueLength:   d.queue.Len(),
		Agents:        d.orch.Registry().Len(),
		Limits:        d.exec.Limiter().Snapshot(),
	}
}

func (d *Daemon) Agents() []httpapi.AgentInfo {
	agents := d.orch.Registry().Agents()
	out := make([]httpapi.AgentInfo, 0, len(agents))
	for _, a := range agents {
		out = append(out, httpapi.AgentInfo{
			Code:        a.Code,
			Title:       a.Title,
			Category:    a.Category,
			Event:       string(a.Trigger.Event),
			Pattern:     a.Trigger.Pattern,
			Schedule:    a.Trigger.Schedule,
			Executor:    a.Executor,
			OutputMode:  string(a.OutputMode),
			MaxParallel: a.MaxParallel,
			TimeoutSec:  int(a.Timeout.Seconds()),
		})
	}
	return out
}

func (d *Daemon) Running() []execution.View {
	return d.exec.Running()
}

func (d *Daemon) Recent(n int, agent string) ([]history.Entry, error) {
	if d.history == nil {
		return nil, nil
	}
	return d.history.Recent(n, agent)
}
