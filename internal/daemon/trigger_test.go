package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/cairn/internal/history"
	"github.com/msageha/cairn/internal/lock"
	"github.com/msageha/cairn/internal/model"
	"github.com/msageha/cairn/internal/taskrecord"
)

func TestTrigger_RunsInProcessWithoutDaemon(t *testing.T) {
	root, cfg := setupRoot(t, e2eConfig)
	require.NoError(t, os.WriteFile(filepath.Join(root, "Inbox", "note.md"), []byte("hi\n"), 0o644))

	res, err := Trigger(context.Background(), root, cfg, "CP", "Inbox/note.md", ManualOptions{}, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Equal(t, model.StatusProcessed, res.Status, res.Error)
	assert.Equal(t, "Out/note.md", res.Output)
	assert.NotEmpty(t, res.Record)

	rec, err := taskrecord.NewManager(root, "Tasks").Read(filepath.Join(root, res.Record))
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessed, rec.Header.Status)

	_, held := lock.Holder(LockPath(root))
	assert.False(t, held)

	store, err := history.Open(HistoryPath(root), 10)
	require.NoError(t, err)
	defer store.Close()
	recent, err := store.Recent(10, "CP")
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, res.ExecutionID, recent[0].ID)
}

func TestTrigger_AbsoluteInput(t *testing.T) {
	root, cfg := setupRoot(t, e2eConfig)
	input := filepath.Join(root, "Inbox", "abs.md")
	require.NoError(t, os.WriteFile(input, []byte("x\n"), 0o644))

	res, err := Trigger(context.Background(), root, cfg, "CP", input, ManualOptions{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "Out/abs.md", res.Output)
}

func TestTrigger_QueuesWhenDaemonRunning(t *testing.T) {
	root, cfg := setupRoot(t, e2eConfig)
	require.NoError(t, os.WriteFile(filepath.Join(root, "Inbox", "note.md"), []byte("hi\n"), 0o644))
	fl := lock.NewFileLock(LockPath(root))
	require.NoError(t, fl.TryLock())
	defer fl.Unlock()

	res, err := Trigger(context.Background(), root, cfg, "CP", "Inbox/note.md", ManualOptions{}, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, model.StatusQueued, res.Status)

	rec, err := taskrecord.NewManager(root, "Tasks").Read(filepath.Join(root, res.Record))
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, rec.Header.Status)
	require.NotNil(t, rec.Header.TriggerData)
	ev, err := rec.Header.TriggerData.ToEvent()
	require.NoError(t, err)
	assert.Equal(t, model.EventManual, ev.Kind)
	assert.Equal(t, "CP", ev.Agent)
	assert.Equal(t, "Inbox/note.md", ev.Path)

	_, err = os.Stat(filepath.Join(root, "Out", "note.md"))
	assert.True(t, os.IsNotExist(err))
}

func TestTrigger_Errors(t *testing.T) {
	root, cfg := setupRoot(t, e2eConfig)

	_, err := Trigger(context.Background(), root, cfg, "NOPE", "", ManualOptions{}, zerolog.Nop())
	assert.ErrorContains(t, err, "agent not found")

	_, err = Trigger(context.Background(), root, cfg, "CP", "../elsewhere.md", ManualOptions{}, zerolog.Nop())
	assert.ErrorContains(t, err, "outside")

	_, err = Trigger(context.Background(), root, cfg, "CP", "Inbox/missing.md", ManualOptions{}, zerolog.Nop())
	assert.Error(t, err)
}
