package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func readEntries(t *testing.T, path string) []LogEntry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var entries []LogEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e LogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal %q: %v", sc.Text(), err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestNewAuditLogger(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "audit.jsonl")

	logger, err := NewAuditLogger(logPath, 0)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	defer logger.Close()

	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("log file not created: %v", err)
	}
	if logger.Path() != logPath {
		t.Errorf("Path() = %s, want %s", logger.Path(), logPath)
	}
}

func TestAuditLogger_Log(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(logPath, 0)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}

	err = logger.Log(EventExecutionFinished, map[string]any{
		"execution_id": "exec_0000000001_abcdef01",
		"agent":        "EN",
		"record":       "Tasks/2026-03-14 EN - idea.md",
		"status":       "PROCESSED",
	})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	logger.Close()

	entries := readEntries(t, logPath)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.EventType != "execution_finished" || e.ExecutionID != "exec_0000000001_abcdef01" || e.Agent != "EN" {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.Record != "Tasks/2026-03-14 EN - idea.md" {
		t.Errorf("record = %q", e.Record)
	}
	if e.Details["status"] != "PROCESSED" {
		t.Errorf("details status = %v", e.Details["status"])
	}
}

func TestAuditLogger_Attach(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(logPath, 0)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}

	bus := NewBus(10)
	logger.Attach(bus)
	bus.Publish(EventTaskQueued, map[string]any{"agent": "EN"})
	bus.Publish(EventReloadCompleted, map[string]any{"agents": 2})
	bus.Close()
	logger.Close()

	entries := readEntries(t, logPath)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	types := map[string]bool{}
	for _, e := range entries {
		types[e.EventType] = true
	}
	if !types["task_queued"] || !types["reload_completed"] {
		t.Errorf("unexpected event types %v", types)
	}
}

func TestAuditLogger_Rotation(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.jsonl")
	logger, err := NewAuditLogger(logPath, 300)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	defer logger.Close()

	for i := 0; i < 10; i++ {
		if err := logger.Log(EventExecutionStarted, map[string]any{"agent": "EN", "n": i}); err != nil {
			t.Fatalf("Log %d: %v", i, err)
		}
	}

	archived, err := filepath.Glob(filepath.Join(dir, ArchiveDir, "audit.*.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if len(archived) == 0 {
		t.Error("expected rotated archives")
	}
	if logger.CurrentSize() > 300 {
		t.Errorf("live log size %d exceeds limit", logger.CurrentSize())
	}
}

func TestAuditLogger_ConcurrentWrites(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(logPath, 0)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = logger.Log(EventExecutionFinished, map[string]any{"n": n})
		}(i)
	}
	wg.Wait()
	logger.Close()

	if got := len(readEntries(t, logPath)); got != 20 {
		t.Errorf("expected 20 entries, got %d", got)
	}
}

func TestAuditLogger_WriteAfterClose(t *testing.T) {
	logger, err := NewAuditLogger(filepath.Join(t.TempDir(), "audit.jsonl"), 0)
	if err != nil {
		t.Fatal(err)
	}
	logger.Close()
	if err := logger.Log(EventTaskQueued, nil); err == nil {
		t.Error("expected error after Close")
	}
}
