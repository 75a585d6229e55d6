package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".cairn"), 0o755))
	deep := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(deep, 0o755))

	assert.Equal(t, root, findRoot(deep))
	assert.Equal(t, root, findRoot(root))
	assert.Equal(t, "", findRoot(t.TempDir()))
}

func TestInitThenStatus(t *testing.T) {
	root := t.TempDir()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"init", root})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Initialized .cairn/")

	out.Reset()
	rootCmd.SetArgs([]string{"status", "--root", root, "--json"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), `"code": "SUM"`)
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "cairn "+version+"\n", out.String())
}
