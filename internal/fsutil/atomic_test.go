package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite_CreatesAndReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "record.md")

	require.NoError(t, AtomicWrite(path, []byte("one"), 0644))
	require.NoError(t, AtomicWrite(path, []byte("two"), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".cairn-tmp-"), "temp file left behind: %s", e.Name())
	}
}

func TestQuarantine(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "broken.md")
	require.NoError(t, os.WriteFile(src, []byte("---\n: :\n"), 0644))

	dst, err := Quarantine(filepath.Join(dir, ".cairn"), src)
	require.NoError(t, err)

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, dst)
	assert.Contains(t, filepath.Base(dst), "broken.md.")
}
