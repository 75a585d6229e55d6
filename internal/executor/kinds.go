package executor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// cliExecutor is a command-line agent. args builds the arguments that follow the
// configured leading args; when stdinPrompt is set the prompt is piped instead.
type cliExecutor struct {
	kind        string
	command     string
	leading     []string
	args        func(inv Invocation) ([]string, error)
	stdinPrompt bool
}

func (e *cliExecutor) Kind() string { return e.kind }

func (e *cliExecutor) Build(inv Invocation) (Command, error) {
	args, err := e.args(inv)
	if err != nil {
		return Command{}, fmt.Errorf("%s: %w", e.kind, err)
	}
	cmd := Command{
		Path: e.command,
		Args: append(append([]string(nil), e.leading...), args...),
		Dir:  inv.Dir,
		Env:  inv.Env,
	}
	if e.stdinPrompt {
		cmd.Stdin = inv.Prompt
	}
	return cmd, nil
}

func claudeExecutor() *cliExecutor {
	return &cliExecutor{
		kind:    "claude",
		command: "claude",
		args: func(inv Invocation) ([]string, error) {
			args := []string{"-p", inv.Prompt}
			if m := stringParam(inv.Params, "model"); m != "" {
				args = append(args, "--model", m)
			}
			if mode := stringParam(inv.Params, "permission_mode"); mode != "" {
				args = append(args, "--permission-mode", mode)
			} else if boolParam(inv.Params, "skip_permissions", true) {
				args = append(args, "--dangerously-skip-permissions")
			}
			if tools := stringsParam(inv.Params, "allowed_tools"); len(tools) > 0 {
				args = append(args, "--allowedTools", strings.Join(tools, ","))
			}
			if n := intParam(inv.Params, "max_turns"); n > 0 {
				args = append(args, "--max-turns", strconv.Itoa(n))
			}
			return append(args, stringsParam(inv.Params, "extra_args")...), nil
		},
	}
}

func codexExecutor() *cliExecutor {
	return &cliExecutor{
		kind:    "codex",
		command: "codex",
		args: func(inv Invocation) ([]string, error) {
			args := []string{"exec"}
			if m := stringParam(inv.Params, "model"); m != "" {
				args = append(args, "--model", m)
			}
			if boolParam(inv.Params, "full_auto", true) {
				args = append(args, "--full-auto")
			}
			args = append(args, stringsParam(inv.Params, "extra_args")...)
			return append(args, inv.Prompt), nil
		},
	}
}

func geminiExecutor() *cliExecutor {
	return &cliExecutor{
		kind:    "gemini",
		command: "gemini",
		args: func(inv Invocation) ([]string, error) {
			args := []string{"-p", inv.Prompt}
			if m := stringParam(inv.Params, "model"); m != "" {
				args = append(args, "--model", m)
			}
			if boolParam(inv.Params, "yolo", true) {
				args = append(args, "--yolo")
			}
			return append(args, stringsParam(inv.Params, "extra_args")...), nil
		},
	}
}

// shellExecutor runs params.command through sh with the prompt on stdin.
func shellExecutor() *cliExecutor {
	return &cliExecutor{
		kind:        "shell",
		command:     "sh",
		stdinPrompt: true,
		args: func(inv Invocation) ([]string, error) {
			script := stringParam(inv.Params, "command")
			if script == "" {
				return nil, errors.New("executor_params.command is required")
			}
			return []string{"-c", script}, nil
		},
	}
}

func stringParam(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

func boolParam(params map[string]any, key string, def bool) bool {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return def
		}
		return parsed
	default:
		return def
	}
}

func intParam(params map[string]any, key string) int {
	switch n := params[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

// stringsParam accepts either a YAML list or a single string.
func stringsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}
