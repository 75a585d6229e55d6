package status

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/cairn/internal/daemon"
	"github.com/msageha/cairn/internal/execution"
	"github.com/msageha/cairn/internal/history"
	"github.com/msageha/cairn/internal/httpapi"
	"github.com/msageha/cairn/internal/lock"
	"github.com/msageha/cairn/internal/model"
	"github.com/msageha/cairn/internal/taskrecord"
)

const testConfig = `
agents:
  - title: Enrich
    code: EN
    node:
      trigger: {pattern: "Inbox/*.md"}
      executor: shell
      executor_params: {command: "true"}
  - title: Weekly
    code: WK
    node:
      trigger: {event: scheduled, schedule: "0 9 * * MON"}
      executor: shell
      executor_params: {command: "true"}
`

func setupRoot(t *testing.T, cfg string) string {
	t.Helper()
	root := t.TempDir()
	path := model.ConfigPath(root)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return root
}

func createRecord(t *testing.T, root string, status model.TaskStatus, code, input string) {
	t.Helper()
	_, err := taskrecord.NewManager(root, "Tasks").Create(taskrecord.Header{
		Status:   status,
		TaskType: code,
		Input:    taskrecord.Link(input),
	}, "")
	require.NoError(t, err)
}

func TestCollect_Offline(t *testing.T) {
	root := setupRoot(t, testConfig)
	createRecord(t, root, model.StatusQueued, "EN", "Inbox/a.md")
	createRecord(t, root, model.StatusQueued, "EN", "Inbox/b.md")
	createRecord(t, root, model.StatusInProgress, "EN", "Inbox/c.md")
	createRecord(t, root, model.StatusFailed, "WK", "")

	store, err := history.Open(daemon.HistoryPath(root), 10)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, store.Put(history.Entry{ID: "x1", Agent: "EN", Status: "PROCESSED", StartedAt: now.Add(-time.Second), FinishedAt: now}))
	require.NoError(t, store.Close())

	r, err := Collect(root)
	require.NoError(t, err)

	assert.False(t, r.Daemon.Running)
	assert.Equal(t, 2, r.Records["QUEUED"])
	assert.Equal(t, 1, r.Records["IN_PROGRESS"])
	assert.Equal(t, 1, r.Records["FAILED"])
	assert.Equal(t, 0, r.Records["PROCESSED"])
	assert.Len(t, r.Queued, 2)

	require.Len(t, r.Agents, 2)
	assert.Equal(t, "EN", r.Agents[0].Code)
	assert.Equal(t, 2, r.Agents[0].Queued)
	assert.Equal(t, "created Inbox/*.md", r.Agents[0].Trigger)
	assert.Equal(t, "cron 0 9 * * MON", r.Agents[1].Trigger)

	require.Len(t, r.Running, 1)
	assert.Equal(t, "EN", r.Running[0].Agent)

	require.Len(t, r.Recent, 1)
	assert.Equal(t, "x1", r.Recent[0].ID)
	assert.Empty(t, r.Notes)
}

func TestCollect_MissingConfig(t *testing.T) {
	_, err := Collect(t.TempDir())
	assert.Error(t, err)
}

func TestCollect_NoAgentsIsNoted(t *testing.T) {
	root := setupRoot(t, "agents:\n  - title: Broken\n    node: {executor: shell}\n")
	r, err := Collect(root)
	require.NoError(t, err)
	assert.Empty(t, r.Agents)
	require.Len(t, r.Notes, 1)
	assert.Contains(t, r.Notes[0], "configuration")
}

func TestCollect_DaemonWithoutAPI(t *testing.T) {
	root := setupRoot(t, testConfig)
	fl := lock.NewFileLock(daemon.LockPath(root))
	require.NoError(t, fl.TryLock())
	defer fl.Unlock()

	store, err := history.Open(daemon.HistoryPath(root), 10)
	require.NoError(t, err)
	defer store.Close()

	r, err := Collect(root)
	require.NoError(t, err)
	assert.True(t, r.Daemon.Running)
	assert.Equal(t, os.Getpid(), r.Daemon.PID)
	assert.False(t, r.Daemon.API)
	require.Len(t, r.Notes, 1)
	assert.Contains(t, r.Notes[0], "http.addr")
}

type apiProvider struct{}

func (apiProvider) Status() httpapi.StatusSnapshot {
	return httpapi.StatusSnapshot{
		PID:       1,
		StartedAt: time.Now().Add(-time.Minute),
		Reloads:   2,
		Limits:    execution.LimiterSnapshot{Max: 3, Running: 1, PerAgent: map[string]int{"EN": 1}},
	}
}

func (apiProvider) Agents() []httpapi.AgentInfo { return nil }

func (apiProvider) Running() []execution.View {
	return []execution.View{{ID: "run-1", Agent: "EN", Input: "Inbox/a.md", StartedAt: time.Now()}}
}

func (apiProvider) Recent(n int, agent string) ([]history.Entry, error) {
	return []history.Entry{{ID: "done-1", Agent: "EN", Status: "FAILED", Error: "timeout: executor exceeded 1s and was killed"}}, nil
}

func TestCollect_FromAPI(t *testing.T) {
	srv := httptest.NewServer(httpapi.NewServer(apiProvider{}, zerolog.Nop()).Router())
	defer srv.Close()

	root := setupRoot(t, testConfig+"http:\n  addr: \""+srv.Listener.Addr().String()+"\"\n")
	fl := lock.NewFileLock(daemon.LockPath(root))
	require.NoError(t, fl.TryLock())
	defer fl.Unlock()

	r, err := Collect(root)
	require.NoError(t, err)
	assert.True(t, r.Daemon.API)
	assert.Equal(t, int64(2), r.Daemon.Reloads)
	require.NotNil(t, r.Limits)
	assert.Equal(t, 3, r.Limits.Max)
	require.Len(t, r.Running, 1)
	assert.Equal(t, "run-1", r.Running[0].ID)
	require.Len(t, r.Recent, 1)
	assert.Equal(t, "done-1", r.Recent[0].ID)
	assert.Empty(t, r.Notes)
}

func TestCollect_APIUnreachableFallsBack(t *testing.T) {
	srv := httptest.NewServer(nil)
	addr := srv.Listener.Addr().String()
	srv.Close()

	root := setupRoot(t, testConfig+"history:\n  enabled: false\nhttp:\n  addr: "+addr+"\n")
	createRecord(t, root, model.StatusInProgress, "EN", "Inbox/c.md")
	fl := lock.NewFileLock(daemon.LockPath(root))
	require.NoError(t, fl.TryLock())
	defer fl.Unlock()

	r, err := Collect(root)
	require.NoError(t, err)
	assert.False(t, r.Daemon.API)
	require.Len(t, r.Running, 1)
	require.NotEmpty(t, r.Notes)
	assert.Contains(t, r.Notes[0], "unreachable")
}

func TestRender(t *testing.T) {
	r := Report{
		Root:    "/vault",
		Daemon:  DaemonStatus{Running: true, PID: 42},
		Records: map[string]int{"QUEUED": 1, "IN_PROGRESS": 0, "PROCESSED": 3, "FAILED": 1, "IGNORE": 0},
		Agents:  []AgentStatus{{Code: "EN", Title: "Enrich", Trigger: "created Inbox/*.md", Executor: "shell", Queued: 1}},
		Recent: []history.Entry{{
			ID: "r1", Agent: "EN", Status: "FAILED", Input: "Inbox/a.md",
			Error: "exit status 1\nmore", FinishedAt: time.Now(),
		}},
		Notes: []string{"something"},
	}
	out := Render(r)
	for _, want := range []string{"/vault", "running", "pid 42", "EN", "Enrich", "1 queued", "exit status 1", "note: something"} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "more")
	assert.NotContains(t, out, "CORRUPT")
}

func TestRun_JSON(t *testing.T) {
	root := setupRoot(t, testConfig)
	var buf bytes.Buffer
	require.NoError(t, Run(root, true, &buf))

	var r Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &r))
	assert.Equal(t, root, r.Root)
	assert.Len(t, r.Agents, 2)
	assert.True(t, strings.HasPrefix(buf.String(), "{"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab…", truncate("abcd", 3))
}
