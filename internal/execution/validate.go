package execution

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/msageha/cairn/internal/model"
	"github.com/msageha/cairn/internal/taskrecord"
)

// outputSnapshot records modification times taken just before the executor starts,
// so "changed by the executor" does not depend on clock granularity.
type outputSnapshot struct {
	inputMtime time.Time
	inputSeen  bool
	dir        string
	files      map[string]time.Time
}

type verdict struct {
	status model.TaskStatus
	output string
	err    string
}

func (m *Manager) takeSnapshot(ec *Context) *outputSnapshot {
	snap := &outputSnapshot{}
	if target := updateTarget(ec); target != "" {
		if info, err := os.Stat(m.abs(target)); err == nil {
			snap.inputMtime = info.ModTime()
			snap.inputSeen = true
		}
	}
	if ec.Agent.OutputMode == model.OutputNewFile {
		snap.dir = m.abs(ec.Agent.Output)
		snap.files = m.scanDir(snap.dir)
	}
	return snap
}

func updateTarget(ec *Context) string {
	if ec.Input != "" {
		return ec.Input
	}
	if len(ec.Agent.Inputs) > 0 {
		return ec.Agent.Inputs[0]
	}
	return ""
}

// scanDir lists regular, non-hidden files below dir with their mtimes. Task records
// and execution logs are never outputs.
func (m *Manager) scanDir(dir string) map[string]time.Time {
	files := make(map[string]time.Time)
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if p != dir && strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if p == m.logsDir || p == m.records.Dir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		files[p] = info.ModTime()
		return nil
	})
	return files
}

// validate decides the terminal status after a zero exit. The executor's own claim in
// the task record wins when it names an output that exists; otherwise the filesystem
// is inspected.
func (m *Manager) validate(ec *Context) verdict {
	if v, ok := m.executorClaim(ec); ok {
		return v
	}
	if ec.Agent.OutputMode == model.OutputUpdateFile {
		return m.checkUpdated(ec)
	}
	return m.discoverNewFile(ec)
}

func (m *Manager) executorClaim(ec *Context) (verdict, bool) {
	if !ec.recordOwned {
		return verdict{}, false
	}
	rec, err := m.records.Read(ec.RecordPath)
	if err != nil {
		m.logger.Warn().Str("execution_id", ec.ID).Err(err).Msg("record_reread_failed")
		return verdict{}, false
	}
	claimed, ok := model.LooksTerminal(string(rec.Header.Status))
	if !ok {
		return verdict{}, false
	}
	switch claimed {
	case model.StatusFailed:
		msg := strings.TrimSpace(rec.Header.Error)
		if msg == "" {
			msg = "executor reported failure"
		}
		return verdict{status: model.StatusFailed, err: msg}, true
	case model.StatusIgnore:
		return verdict{status: model.StatusIgnore, err: strings.TrimSpace(rec.Header.Error)}, true
	}
	out := taskrecord.Unlink(rec.Header.Output)
	if out == "" {
		return verdict{}, false
	}
	if _, err := os.Stat(m.abs(out)); err != nil {
		m.logger.Warn().Str("execution_id", ec.ID).Str("output", out).Msg("claimed_output_missing")
		return verdict{}, false
	}
	return verdict{status: model.StatusProcessed, output: filepath.ToSlash(out)}, true
}

func (m *Manager) checkUpdated(ec *Context) verdict {
	target := updateTarget(ec)
	if target == "" {
		return m.noOutput(ec, "no modification: agent has no input file to update")
	}
	info, err := os.Stat(m.abs(target))
	if err != nil {
		return m.noOutput(ec, fmt.Sprintf("no modification: %s is missing after execution", target))
	}
	snap := ec.snapshot
	if snap != nil && snap.inputSeen && !info.ModTime().After(snap.inputMtime) {
		return m.noOutput(ec, fmt.Sprintf("no modification: %s was not updated by the executor", target))
	}
	if snap == nil && !info.ModTime().After(ec.StartedAt) {
		return m.noOutput(ec, fmt.Sprintf("no modification: %s was not updated by the executor", target))
	}
	return verdict{status: model.StatusProcessed, output: target}
}

// discoverNewFile picks the file the executor most likely produced: among files new or
// changed since the snapshot, one whose name contains the input stem, else the newest.
// Concurrent writers in the same directory can mislead this choice.
func (m *Manager) discoverNewFile(ec *Context) verdict {
	snap := ec.snapshot
	if snap == nil {
		snap = &outputSnapshot{dir: m.abs(ec.Agent.Output), files: map[string]time.Time{}}
	}
	after := m.scanDir(snap.dir)

	stem := model.FileStem(ec.Input)
	var best, bestStem string
	var bestTime, bestStemTime time.Time
	for p, mt := range after {
		if prev, ok := snap.files[p]; ok && !mt.After(prev) {
			continue
		}
		if p == ec.RecordPath || p == ec.LogPath {
			continue
		}
		if best == "" || mt.After(bestTime) {
			best, bestTime = p, mt
		}
		if stem != "" && strings.Contains(filepath.Base(p), stem) && (bestStem == "" || mt.After(bestStemTime)) {
			bestStem, bestStemTime = p, mt
		}
	}
	if bestStem != "" {
		best = bestStem
	}
	if best == "" {
		return m.noOutput(ec, fmt.Sprintf("no output: nothing new in %s", m.rel(snap.dir)))
	}
	return verdict{status: model.StatusProcessed, output: m.rel(best)}
}

func (m *Manager) noOutput(ec *Context, msg string) verdict {
	if ec.Agent.OutputOptional {
		return verdict{status: model.StatusIgnore, err: msg}
	}
	return verdict{status: model.StatusFailed, err: msg}
}
