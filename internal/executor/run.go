package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

var ErrTimeout = errors.New("executor timed out")

// maxOutputBytes bounds captured output; the tail is kept.
const maxOutputBytes = 4 << 20

// Result describes a finished process.
type Result struct {
	ExitCode  int
	Output    []byte
	Duration  time.Duration
	TimedOut  bool
	Truncated bool
}

// Run starts cmd and waits for it. The process runs in its own process group so a
// timeout or cancellation kills every descendant. A timeout returns ErrTimeout; a
// non-zero exit returns an error carrying the exit status.
func Run(ctx context.Context, cmd Command, timeout time.Duration) (Result, error) {
	runCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	c := exec.CommandContext(runCtx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	// Clear CLAUDECODE so a nested claude CLI does not refuse to start.
	c.Env = append(filterEnv(os.Environ(), "CLAUDECODE"), cmd.Env...)
	if cmd.Stdin != "" {
		c.Stdin = strings.NewReader(cmd.Stdin)
	}
	out := &tailBuffer{limit: maxOutputBytes}
	c.Stdout = out
	c.Stderr = out
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
	}
	c.WaitDelay = 5 * time.Second

	start := time.Now()
	err := c.Run()
	res := Result{
		Output:    out.Bytes(),
		Duration:  time.Since(start),
		Truncated: out.truncated,
		ExitCode:  -1,
	}
	if c.ProcessState != nil {
		res.ExitCode = c.ProcessState.ExitCode()
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
		return res, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("executor cancelled: %w", ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, fmt.Errorf("exit status %d", exitErr.ExitCode())
		}
		return res, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	return res, nil
}

// tailBuffer keeps the last limit bytes written.
type tailBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
		t.truncated = true
	}
	return n, nil
}

func (t *tailBuffer) Bytes() []byte {
	return append([]byte(nil), t.buf.Bytes()...)
}

// filterEnv returns a copy of environ with the named variable removed.
func filterEnv(environ []string, name string) []string {
	prefix := name + "="
	out := make([]string, 0, len(environ))
	for _, e := range environ {
		if !strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}
