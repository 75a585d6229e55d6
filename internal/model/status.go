package model

import (
	"fmt"
	"strings"
)

type TaskStatus string

const (
	StatusQueued     TaskStatus = "QUEUED"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusProcessed  TaskStatus = "PROCESSED"
	StatusFailed     TaskStatus = "FAILED"
	StatusIgnore     TaskStatus = "IGNORE"
)

var terminalStatuses = map[TaskStatus]bool{
	StatusProcessed: true,
	StatusFailed:    true,
	StatusIgnore:    true,
}

// QUEUED → IN_PROGRESS → terminal. QUEUED may also fail directly when its agent
// disappears or its trigger data is unusable.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusQueued: {
		StatusInProgress: true,
		StatusFailed:     true,
	},
	StatusInProgress: {
		StatusProcessed: true,
		StatusFailed:    true,
		StatusIgnore:    true,
	},
}

func IsTerminal(s TaskStatus) bool {
	return terminalStatuses[s]
}

// NormalizeStatus upper-cases a status written by hand or by an executor.
func NormalizeStatus(s string) TaskStatus {
	return TaskStatus(strings.ToUpper(strings.TrimSpace(s)))
}

// LooksTerminal reports whether an executor-written status claims completion.
// Executors are free-form, so a few common spellings are accepted.
func LooksTerminal(s string) (TaskStatus, bool) {
	switch NormalizeStatus(s) {
	case StatusProcessed, "DONE", "COMPLETED", "COMPLETE", "SUCCESS":
		return StatusProcessed, true
	case StatusFailed, "ERROR":
		return StatusFailed, true
	case StatusIgnore, "IGNORED", "SKIPPED":
		return StatusIgnore, true
	}
	return "", false
}

func ValidateTransition(from, to TaskStatus) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}
