package model

import (
	"fmt"
	"path"
	"strings"
	"time"
)

type EventKind string

const (
	EventCreated       EventKind = "created"
	EventModified      EventKind = "modified"
	EventDeleted       EventKind = "deleted"
	EventScheduled     EventKind = "scheduled"
	EventManual        EventKind = "manual"
	EventConfigChanged EventKind = "config_changed"
)

var validEventKinds = map[EventKind]bool{
	EventCreated:       true,
	EventModified:      true,
	EventDeleted:       true,
	EventScheduled:     true,
	EventManual:        true,
	EventConfigChanged: true,
}

// ParseEventKind normalizes a configured trigger kind. Empty means created.
func ParseEventKind(s string) (EventKind, error) {
	k := EventKind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if k == "" {
		return EventCreated, nil
	}
	if !validEventKinds[k] {
		return "", fmt.Errorf("unknown event kind %q", s)
	}
	return k, nil
}

// IsFileEvent reports whether the kind originates from the filesystem monitor.
func (k EventKind) IsFileEvent() bool {
	return k == EventCreated || k == EventModified || k == EventDeleted
}

// TriggerEvent is one normalized change. Path is relative to the content root and
// uses forward slashes. Agent is set only for events aimed at a single agent
// (scheduled and manual firings).
type TriggerEvent struct {
	Path      string
	Kind      EventKind
	IsDir     bool
	Timestamp time.Time
	Header    map[string]any
	Agent     string
}

// Stem returns the input filename without directory and extension.
func (e TriggerEvent) Stem() string {
	return FileStem(e.Path)
}

// FileStem strips directory and final extension from a slash-separated path.
func FileStem(p string) string {
	if p == "" {
		return ""
	}
	base := path.Base(p)
	return strings.TrimSuffix(base, path.Ext(base))
}

// TriggerData is the serialized trigger payload stored in a QUEUED task record so the
// execution can be resumed later.
type TriggerData struct {
	Path      string         `yaml:"path"`
	Event     string         `yaml:"event"`
	IsDir     bool           `yaml:"is_dir,omitempty"`
	Timestamp string         `yaml:"timestamp"`
	Agent     string         `yaml:"agent,omitempty"`
	Header    map[string]any `yaml:"header,omitempty"`
}

func (e TriggerEvent) ToTriggerData() *TriggerData {
	return &TriggerData{
		Path:      e.Path,
		Event:     string(e.Kind),
		IsDir:     e.IsDir,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		Agent:     e.Agent,
		Header:    e.Header,
	}
}

func (d *TriggerData) ToEvent() (TriggerEvent, error) {
	kind, err := ParseEventKind(d.Event)
	if err != nil {
		return TriggerEvent{}, err
	}
	ts := time.Now().UTC()
	if d.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, d.Timestamp)
		if err != nil {
			return TriggerEvent{}, fmt.Errorf("parse trigger timestamp: %w", err)
		}
		ts = parsed
	}
	return TriggerEvent{
		Path:      d.Path,
		Kind:      kind,
		IsDir:     d.IsDir,
		Timestamp: ts,
		Header:    d.Header,
		Agent:     d.Agent,
	}, nil
}
