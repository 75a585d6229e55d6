package history

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, retain int) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "history.db"), retain)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndRecent(t *testing.T) {
	s := openTestStore(t, 10)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Put(Entry{
			ID:         fmt.Sprintf("exec_%010d_0000000%d", base.Unix()+int64(i), i),
			Agent:      []string{"EN", "SU", "EN"}[i],
			Status:     "PROCESSED",
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + 30*time.Second),
		}))
	}

	all, err := s.Recent(0, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "EN", all[0].Agent)
	assert.True(t, all[0].FinishedAt.After(all[1].FinishedAt))
	assert.Equal(t, 30*time.Second, all[0].Duration())

	en, err := s.Recent(5, "EN")
	require.NoError(t, err)
	assert.Len(t, en, 2)

	one, err := s.Recent(1, "")
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestPut_PrunesOldest(t *testing.T) {
	s := openTestStore(t, 3)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(Entry{ID: fmt.Sprintf("e%d", i), Agent: "EN", FinishedAt: base.Add(time.Duration(i) * time.Second)}))
	}

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	entries, err := s.Recent(0, "")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "e4", entries[0].ID)
	assert.Equal(t, "e2", entries[2].ID)
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path, 10)
	require.NoError(t, err)
	require.NoError(t, s.Put(Entry{ID: "e1", Agent: "EN", Status: "FAILED", Error: "timeout"}))
	require.NoError(t, s.Close())

	s, err = Open(path, 10)
	require.NoError(t, err)
	defer s.Close()
	entries, err := s.Recent(0, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "timeout", entries[0].Error)
	assert.False(t, entries[0].FinishedAt.IsZero())
}

func TestOpenReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path, 10)
	require.NoError(t, err)
	require.NoError(t, s.Put(Entry{ID: "exec_0000000001_abcdef01", Agent: "EN", Status: "FAILED"}))

	// Held by a writer.
	_, err = OpenReadOnly(path)
	assert.Error(t, err)

	require.NoError(t, s.Close())
	ro, err := OpenReadOnly(path)
	require.NoError(t, err)
	defer ro.Close()
	got, err := ro.Recent(5, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "FAILED", got[0].Status)
}

func TestOpenReadOnly_Missing(t *testing.T) {
	_, err := OpenReadOnly(filepath.Join(t.TempDir(), "nope.db"))
	assert.Error(t, err)
}
