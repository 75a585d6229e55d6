package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/cairn/internal/model"
)

func TestSet_BuiltinKinds(t *testing.T) {
	s := NewSet(nil)
	assert.Equal(t, []string{"claude", "codex", "gemini", "shell"}, s.Kinds())

	_, err := s.Get("CLAUDE")
	assert.NoError(t, err)

	_, err = s.Get("cursor")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestClaude_Build(t *testing.T) {
	e, err := NewSet(nil).Get("claude")
	require.NoError(t, err)

	cmd, err := e.Build(Invocation{
		Prompt: "do it",
		Dir:    "/vault",
		Params: map[string]any{
			"model":         "sonnet",
			"allowed_tools": []any{"Read", "Write"},
			"max_turns":     5,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "claude", cmd.Path)
	assert.Equal(t, []string{
		"-p", "do it",
		"--model", "sonnet",
		"--dangerously-skip-permissions",
		"--allowedTools", "Read,Write",
		"--max-turns", "5",
	}, cmd.Args)
	assert.Equal(t, "/vault", cmd.Dir)
	assert.Empty(t, cmd.Stdin)
}

func TestClaude_PermissionMode(t *testing.T) {
	e, _ := NewSet(nil).Get("claude")
	cmd, err := e.Build(Invocation{Prompt: "p", Params: map[string]any{"permission_mode": "acceptEdits"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"-p", "p", "--permission-mode", "acceptEdits"}, cmd.Args)
}

func TestCodexAndGemini_Build(t *testing.T) {
	s := NewSet(nil)

	codex, _ := s.Get("codex")
	cmd, err := codex.Build(Invocation{Prompt: "p", Params: map[string]any{"full_auto": false}})
	require.NoError(t, err)
	assert.Equal(t, []string{"exec", "p"}, cmd.Args)

	gemini, _ := s.Get("gemini")
	cmd, err = gemini.Build(Invocation{Prompt: "p", Params: map[string]any{"model": "pro"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"-p", "p", "--model", "pro", "--yolo"}, cmd.Args)
}

func TestShell_Build(t *testing.T) {
	shell, _ := NewSet(nil).Get("shell")

	_, err := shell.Build(Invocation{Prompt: "p"})
	assert.Error(t, err)

	cmd, err := shell.Build(Invocation{Prompt: "p", Params: map[string]any{"command": "cat"}})
	require.NoError(t, err)
	assert.Equal(t, "sh", cmd.Path)
	assert.Equal(t, []string{"-c", "cat"}, cmd.Args)
	assert.Equal(t, "p", cmd.Stdin)
}

func TestSet_Overrides(t *testing.T) {
	s := NewSet(map[string]model.ExecutorConfig{
		"claude": {Command: "/opt/bin/claude", Args: []string{"--verbose"}},
	})
	e, _ := s.Get("claude")
	cmd, err := e.Build(Invocation{Prompt: "p", Params: map[string]any{"skip_permissions": false}})
	require.NoError(t, err)
	assert.Equal(t, "/opt/bin/claude", cmd.Path)
	assert.Equal(t, []string{"--verbose", "-p", "p"}, cmd.Args)
}

func TestCommand_StringRedactsPrompt(t *testing.T) {
	cmd := Command{Path: "claude", Args: []string{"-p", strings.Repeat("x", 200)}}
	assert.Equal(t, "claude -p <200 bytes>", cmd.String())
}

func TestRun_CapturesOutputAndEnv(t *testing.T) {
	dir := t.TempDir()
	res, err := Run(context.Background(), Command{
		Path:  "sh",
		Args:  []string{"-c", `cat; echo "agent=$CAIRN_AGENT"; echo oops >&2; pwd`},
		Stdin: "from stdin\n",
		Dir:   dir,
		Env:   []string{"CAIRN_AGENT=EN"},
	}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	out := string(res.Output)
	assert.Contains(t, out, "from stdin")
	assert.Contains(t, out, "agent=EN")
	assert.Contains(t, out, "oops")
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Contains(t, out, resolved)
}

func TestRun_NonZeroExit(t *testing.T) {
	res, err := Run(context.Background(), Command{Path: "sh", Args: []string{"-c", "echo bad; exit 3"}}, 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, string(res.Output), "bad")
	assert.False(t, res.TimedOut)
}

func TestRun_TimeoutKillsProcessGroup(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "child-survived")
	script := "(sleep 1; touch " + marker + ") & sleep 10"

	start := time.Now()
	res, err := Run(context.Background(), Command{Path: "sh", Args: []string{"-c", script}}, 200*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 5*time.Second)

	time.Sleep(1500 * time.Millisecond)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "background child should have been killed")
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	res, err := Run(ctx, Command{Path: "sh", Args: []string{"-c", "sleep 10"}}, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.TimedOut)
}

func TestRun_MissingBinary(t *testing.T) {
	_, err := Run(context.Background(), Command{Path: "/nonexistent/cairn-test-bin"}, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start")
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 5}
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defg"))
	assert.Equal(t, "cdefg", string(b.Bytes()))
	assert.True(t, b.truncated)
}
