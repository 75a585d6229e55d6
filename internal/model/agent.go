package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Knetic/govaluate"
)

type OutputMode string

const (
	OutputNewFile    OutputMode = "new_file"
	OutputUpdateFile OutputMode = "update_file"
)

// ParseOutputMode accepts both the snake_case and hyphenated spellings.
func ParseOutputMode(s string) (OutputMode, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "", "new_file":
		return OutputNewFile, nil
	case "update_file":
		return OutputUpdateFile, nil
	default:
		return "", fmt.Errorf("unknown output mode %q", s)
	}
}

type PostProcess string

const (
	PostProcessNone         PostProcess = "none"
	PostProcessStripTrigger PostProcess = "strip_trigger"
)

func ParsePostProcess(s string) (PostProcess, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "", "none":
		return PostProcessNone, nil
	case "strip_trigger":
		return PostProcessStripTrigger, nil
	default:
		return "", fmt.Errorf("unknown post_process %q", s)
	}
}

// TriggerRule is the compiled form of an agent's trigger block.
type TriggerRule struct {
	Pattern  string
	Event    EventKind
	Exclude  []string
	Content  *regexp.Regexp
	When     *govaluate.EvaluableExpression
	Schedule string
}

// AgentDefinition is immutable once built by the registry. A reload builds new
// definitions; existing pointers are never mutated.
type AgentDefinition struct {
	Title          string
	Code           string
	Category       string
	Instructions   string
	Trigger        TriggerRule
	Inputs         []string
	Output         string
	OutputMode     OutputMode
	OutputOptional bool
	Executor       string
	ExecutorParams map[string]any
	MaxParallel    int
	Timeout        time.Duration
	CreateTask     bool
	PostProcess    PostProcess
	Priority       string
}

// IsManual reports whether the agent only runs on explicit request.
func (a *AgentDefinition) IsManual() bool {
	return a.Trigger.Event == EventManual
}

// HasSchedule reports whether the cron scheduler should consider the agent.
func (a *AgentDefinition) HasSchedule() bool {
	return a.Trigger.Schedule != ""
}

func (a *AgentDefinition) String() string {
	return fmt.Sprintf("%s(%s)", a.Code, a.Title)
}
