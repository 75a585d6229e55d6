// Package model defines cairn's configuration, agent definitions, trigger events and task statuses.
package model

import (
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

const (
	// StateDirName is the per-workspace control directory under the content root.
	StateDirName = ".cairn"
	// ConfigFileName is the orchestrator configuration file inside StateDirName.
	ConfigFileName = "config.yaml"
)

type Config struct {
	Orchestrator OrchestratorConfig        `yaml:"orchestrator"`
	Paths        PathsConfig               `yaml:"paths"`
	Watcher      WatcherConfig             `yaml:"watcher"`
	Cron         CronConfig                `yaml:"cron"`
	Logging      LoggingConfig             `yaml:"logging"`
	HTTP         HTTPConfig                `yaml:"http"`
	History      HistoryConfig             `yaml:"history"`
	Notify       NotifyConfig              `yaml:"notify"`
	Executors    map[string]ExecutorConfig `yaml:"executors,omitempty"`
	Agents       []AgentSpec               `yaml:"agents"`
}

type OrchestratorConfig struct {
	MaxConcurrent         int    `yaml:"max_concurrent"`
	EventPollMs           int    `yaml:"event_poll_ms"`
	ReloadDrainTimeoutSec int    `yaml:"reload_drain_timeout_sec"`
	ShutdownTimeoutSec    int    `yaml:"shutdown_timeout_sec"`
	SystemPrompt          string `yaml:"system_prompt,omitempty"`
}

type PathsConfig struct {
	TasksDir  string `yaml:"tasks_dir"`
	AgentsDir string `yaml:"agents_dir"`
	LogsDir   string `yaml:"logs_dir"`
}

type WatcherConfig struct {
	DebounceMs int      `yaml:"debounce_ms"`
	Ignore     []string `yaml:"ignore,omitempty"`
}

type CronConfig struct {
	TickSec int `yaml:"tick_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`
	Retain  int  `yaml:"retain"`
}

// NotifyConfig enables desktop notifications for finished executions whose status
// is listed in Statuses.
type NotifyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Statuses []string `yaml:"statuses,omitempty"`
}

// ExecutorConfig overrides the binary (and fixed leading args) used for an executor kind.
type ExecutorConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

// AgentSpec is one agent record as written in config.yaml. Title, Code and Category are
// required; Node carries the per-agent overrides, each defaulted independently.
type AgentSpec struct {
	Title    string   `yaml:"title"`
	Code     string   `yaml:"code"`
	Category string   `yaml:"category"`
	Node     NodeSpec `yaml:"node"`
}

type NodeSpec struct {
	Trigger        TriggerSpec    `yaml:"trigger"`
	Input          string         `yaml:"input,omitempty"`
	Inputs         []string       `yaml:"inputs,omitempty"`
	Output         string         `yaml:"output,omitempty"`
	OutputMode     string         `yaml:"output_mode,omitempty"`
	OutputOptional bool           `yaml:"output_optional,omitempty"`
	Executor       string         `yaml:"executor,omitempty"`
	ExecutorParams map[string]any `yaml:"executor_params,omitempty"`
	MaxParallel    int            `yaml:"max_parallel,omitempty"`
	TimeoutSec     int            `yaml:"timeout_sec,omitempty"`
	CreateTask     *bool          `yaml:"create_task,omitempty"`
	PostProcess    string         `yaml:"post_process,omitempty"`
	Priority       string         `yaml:"priority,omitempty"`
}

type TriggerSpec struct {
	Pattern  string `yaml:"pattern,omitempty"`
	Event    string `yaml:"event,omitempty"`
	Exclude  string `yaml:"exclude,omitempty"`
	Content  string `yaml:"content,omitempty"`
	When     string `yaml:"when,omitempty"`
	Schedule string `yaml:"schedule,omitempty"`
}

// Node-level defaults applied per field when an agent's node block omits them.
const (
	DefaultExecutor    = "claude"
	DefaultMaxParallel = 1
	DefaultTimeoutSec  = 900
	DefaultPriority    = "medium"
)

// ApplyDefaults fills zero-valued orchestrator settings. Agent specs are defaulted by the
// registry when they are turned into definitions.
func (c *Config) ApplyDefaults() {
	if c.Orchestrator.MaxConcurrent <= 0 {
		c.Orchestrator.MaxConcurrent = 3
	}
	if c.Orchestrator.EventPollMs <= 0 {
		c.Orchestrator.EventPollMs = 500
	}
	if c.Orchestrator.ReloadDrainTimeoutSec <= 0 {
		c.Orchestrator.ReloadDrainTimeoutSec = 300
	}
	if c.Orchestrator.ShutdownTimeoutSec <= 0 {
		c.Orchestrator.ShutdownTimeoutSec = 30
	}
	if c.Paths.TasksDir == "" {
		c.Paths.TasksDir = "Tasks"
	}
	if c.Paths.AgentsDir == "" {
		c.Paths.AgentsDir = filepath.Join(StateDirName, "agents")
	}
	if c.Paths.LogsDir == "" {
		c.Paths.LogsDir = filepath.Join(StateDirName, "logs")
	}
	if c.Watcher.DebounceMs <= 0 {
		c.Watcher.DebounceMs = 300
	}
	if c.Cron.TickSec <= 0 {
		c.Cron.TickSec = 60
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.History.Retain <= 0 {
		c.History.Retain = 500
	}
	if len(c.Notify.Statuses) == 0 {
		c.Notify.Statuses = []string{string(StatusFailed)}
	}
}

// ConfigPath returns the configuration file location for a content root.
func ConfigPath(root string) string {
	return filepath.Join(root, StateDirName, ConfigFileName)
}

// LoadConfig reads and decodes config.yaml, applying defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes raw YAML into a Config with defaults applied.
func ParseConfig(data []byte) (Config, error) {
	cfg := Config{History: HistoryConfig{Enabled: true}}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}
