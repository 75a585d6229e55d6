// Package status builds the show-status report from disk and, when the daemon is up,
// from its status API.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"

	"github.com/msageha/cairn/internal/daemon"
	"github.com/msageha/cairn/internal/execution"
	"github.com/msageha/cairn/internal/history"
	"github.com/msageha/cairn/internal/httpapi"
	"github.com/msageha/cairn/internal/lock"
	"github.com/msageha/cairn/internal/model"
	"github.com/msageha/cairn/internal/registry"
	"github.com/msageha/cairn/internal/taskrecord"
)

const recentLimit = 10

type Report struct {
	Root    string                     `json:"root"`
	Daemon  DaemonStatus               `json:"daemon"`
	Agents  []AgentStatus              `json:"agents"`
	Records map[string]int             `json:"records"`
	Queued  []RecordStatus             `json:"queued,omitempty"`
	Running []execution.View           `json:"running,omitempty"`
	Recent  []history.Entry            `json:"recent,omitempty"`
	Notes   []string                   `json:"notes,omitempty"`
	Limits  *execution.LimiterSnapshot `json:"limits,omitempty"`
}

type DaemonStatus struct {
	Running bool      `json:"running"`
	PID     int       `json:"pid,omitempty"`
	API     bool      `json:"api"`
	Since   time.Time `json:"since,omitempty"`
	Reloads int64     `json:"reloads,omitempty"`
}

type AgentStatus struct {
	Code     string `json:"code"`
	Title    string `json:"title"`
	Trigger  string `json:"trigger"`
	Executor string `json:"executor"`
	Queued   int    `json:"queued"`
}

type RecordStatus struct {
	Record string `json:"record"`
	Agent  string `json:"agent"`
	Input  string `json:"input,omitempty"`
}

// Run collects the report for root and writes it to w.
func Run(root string, jsonOutput bool, w io.Writer) error {
	r, err := Collect(root)
	if err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	_, err = io.WriteString(w, Render(r))
	return err
}

// Collect reads configuration and task records from disk. Running executions and
// history come from the daemon's API when it is reachable, otherwise from the
// history database and IN_PROGRESS records.
func Collect(root string) (Report, error) {
	cfg, err := model.LoadConfig(model.ConfigPath(root))
	if err != nil {
		return Report{}, err
	}
	r := Report{Root: root, Records: make(map[string]int)}

	if pid, ok := lock.Holder(daemon.LockPath(root)); ok {
		r.Daemon = DaemonStatus{Running: true, PID: pid}
	}

	records := taskrecord.NewManager(root, cfg.Paths.TasksDir)
	queuedBy := map[string]int{}
	var inProgress []*taskrecord.Record
	for _, s := range []model.TaskStatus{model.StatusQueued, model.StatusInProgress, model.StatusProcessed, model.StatusFailed, model.StatusIgnore} {
		recs, unreadable, err := records.ListByStatus(s)
		if err != nil {
			return Report{}, err
		}
		r.Records[string(s)] = len(recs)
		if len(unreadable) > 0 {
			r.Records["CORRUPT"] += len(unreadable)
		}
		switch s {
		case model.StatusQueued:
			for _, rec := range recs {
				queuedBy[rec.Header.TaskType]++
				r.Queued = append(r.Queued, RecordStatus{Record: rec.Rel, Agent: rec.Header.TaskType, Input: rec.Header.Input})
			}
		case model.StatusInProgress:
			inProgress = recs
		}
	}

	reg, err := registry.Load(cfg, root, nil, zerolog.Nop())
	if err != nil {
		r.Notes = append(r.Notes, "configuration: "+err.Error())
	} else {
		for _, a := range reg.Agents() {
			r.Agents = append(r.Agents, AgentStatus{
				Code:     a.Code,
				Title:    a.Title,
				Trigger:  describeTrigger(a),
				Executor: a.Executor,
				Queued:   queuedBy[a.Code],
			})
		}
	}

	if r.Daemon.Running && cfg.HTTP.Addr != "" && collectFromAPI(&r, cfg.HTTP.Addr) {
		return r, nil
	}

	for _, rec := range inProgress {
		r.Running = append(r.Running, execution.View{
			ID:        rec.Header.ExecutionID,
			Agent:     rec.Header.TaskType,
			Title:     rec.Header.Agent,
			Input:     rec.Header.Input,
			Record:    rec.Rel,
			StartedAt: startedAt(rec),
		})
	}
	sort.Slice(r.Running, func(i, j int) bool { return r.Running[i].StartedAt.Before(r.Running[j].StartedAt) })

	if cfg.History.Enabled {
		store, err := history.OpenReadOnly(daemon.HistoryPath(root))
		if err == nil {
			r.Recent, err = store.Recent(recentLimit, "")
			store.Close()
		}
		if err != nil && r.Daemon.Running {
			r.Notes = append(r.Notes, "history is held by the daemon; set http.addr to read it while running")
		}
	}
	return r, nil
}

func collectFromAPI(r *Report, addr string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c := httpapi.NewClient(addr)

	snap, err := c.Status(ctx)
	if err != nil {
		r.Notes = append(r.Notes, "status api unreachable: "+err.Error())
		return false
	}
	r.Daemon.API = true
	r.Daemon.Since = snap.StartedAt
	r.Daemon.Reloads = snap.Reloads
	r.Limits = &snap.Limits
	if r.Running, err = c.Running(ctx); err != nil {
		r.Notes = append(r.Notes, "running: "+err.Error())
	}
	if r.Recent, err = c.Recent(ctx, recentLimit, ""); err != nil {
		r.Notes = append(r.Notes, "recent: "+err.Error())
	}
	return true
}

func startedAt(rec *taskrecord.Record) time.Time {
	if t, err := time.Parse(time.RFC3339, rec.Header.Started); err == nil {
		return t
	}
	return rec.ModTime
}

func describeTrigger(a *model.AgentDefinition) string {
	switch {
	case a.HasSchedule() && a.Trigger.Pattern == "":
		return "cron " + a.Trigger.Schedule
	case a.IsManual():
		return "manual"
	}
	s := string(a.Trigger.Event) + " " + a.Trigger.Pattern
	if a.HasSchedule() {
		s += ", cron " + a.Trigger.Schedule
	}
	return s
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB300")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#E53935")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#555555")).Padding(0, 1)
)

func statusStyle(s string) lipgloss.Style {
	switch model.TaskStatus(s) {
	case model.StatusProcessed:
		return okStyle
	case model.StatusFailed:
		return errStyle
	case model.StatusQueued, model.StatusInProgress:
		return warnStyle
	default:
		return dimStyle
	}
}

// Render formats the report for a terminal.
func Render(r Report) string {
	var sections []string

	daemonLine := errStyle.Render("stopped")
	if r.Daemon.Running {
		daemonLine = okStyle.Render("running") + dimStyle.Render(fmt.Sprintf(" pid %d", r.Daemon.PID))
		if r.Daemon.API && !r.Daemon.Since.IsZero() {
			daemonLine += dimStyle.Render(fmt.Sprintf(", up %s, %d reloads", time.Since(r.Daemon.Since).Round(time.Second), r.Daemon.Reloads))
		}
	}
	head := titleStyle.Render("cairn") + "  " + r.Root + "\n" + "Daemon: " + daemonLine
	if r.Limits != nil {
		head += fmt.Sprintf("\nSlots:  %d/%d", r.Limits.Running, r.Limits.Max)
	}
	sections = append(sections, boxStyle.Render(head))

	var counts []string
	for _, s := range []string{"QUEUED", "IN_PROGRESS", "PROCESSED", "FAILED", "IGNORE", "CORRUPT"} {
		if n, ok := r.Records[s]; ok && (n > 0 || s != "CORRUPT") {
			counts = append(counts, statusStyle(s).Render(s)+" "+fmt.Sprint(n))
		}
	}
	sections = append(sections, titleStyle.Render("Records")+"\n  "+strings.Join(counts, "  "))

	if len(r.Agents) > 0 {
		lines := []string{titleStyle.Render("Agents")}
		for _, a := range r.Agents {
			line := fmt.Sprintf("  %-6s %-24s %-8s %s", a.Code, truncate(a.Title, 24), a.Executor, dimStyle.Render(a.Trigger))
			if a.Queued > 0 {
				line += warnStyle.Render(fmt.Sprintf("  %d queued", a.Queued))
			}
			lines = append(lines, line)
		}
		sections = append(sections, strings.Join(lines, "\n"))
	} else {
		sections = append(sections, titleStyle.Render("Agents")+"\n  "+dimStyle.Render("none"))
	}

	if len(r.Running) > 0 {
		lines := []string{titleStyle.Render("Running")}
		for _, v := range r.Running {
			age := ""
			if !v.StartedAt.IsZero() {
				age = time.Since(v.StartedAt).Round(time.Second).String()
			}
			lines = append(lines, fmt.Sprintf("  %-6s %-40s %s", v.Agent, truncate(v.Input, 40), dimStyle.Render(age)))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}

	if len(r.Recent) > 0 {
		lines := []string{titleStyle.Render("Recent")}
		for _, e := range r.Recent {
			line := fmt.Sprintf("  %s %-6s %s %s",
				dimStyle.Render(e.FinishedAt.Local().Format("01-02 15:04")),
				e.Agent,
				statusStyle(e.Status).Render(fmt.Sprintf("%-9s", e.Status)),
				truncate(firstNonEmpty(e.Output, e.Input), 40))
			if e.Error != "" {
				line += "  " + errStyle.Render(truncate(firstLine(e.Error), 60))
			}
			lines = append(lines, line)
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}

	for _, n := range r.Notes {
		sections = append(sections, dimStyle.Render("note: "+n))
	}
	return strings.Join(sections, "\n\n") + "\n"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
