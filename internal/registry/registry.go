// Package registry builds agent definitions from configuration and matches trigger
// events against them. A Registry is immutable after Load; hot reload builds a new one.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/msageha/cairn/internal/frontmatter"
	"github.com/msageha/cairn/internal/model"
)

// ErrNoAgents is returned when the configuration declares agents but none is valid.
var ErrNoAgents = errors.New("no valid agents in configuration")

// RecordIndex answers whether a task record already exists for an input stem.
type RecordIndex interface {
	HasRecordFor(stem string) bool
}

type Registry struct {
	root   string
	agents []*model.AgentDefinition
	byCode map[string]*model.AgentDefinition
	index  RecordIndex
	logger zerolog.Logger
}

// Load builds a registry from cfg. Agents with missing metadata or invalid trigger
// rules are skipped with a warning.
func Load(cfg model.Config, root string, index RecordIndex, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{
		root:   root,
		byCode: make(map[string]*model.AgentDefinition),
		index:  index,
		logger: logger.With().Str("component", "registry").Logger(),
	}

	agentsDir := cfg.Paths.AgentsDir
	if !filepath.IsAbs(agentsDir) {
		agentsDir = filepath.Join(root, agentsDir)
	}

	for i, spec := range cfg.Agents {
		def, err := buildDefinition(spec)
		if err != nil {
			r.logger.Warn().Int("index", i).Str("code", spec.Code).Err(err).Msg("agent_skipped")
			continue
		}
		if _, dup := r.byCode[def.Code]; dup {
			r.logger.Warn().Int("index", i).Str("code", def.Code).Msg("agent_skipped_duplicate_code")
			continue
		}
		def.Instructions = r.loadInstructions(agentsDir, def)
		r.agents = append(r.agents, def)
		r.byCode[def.Code] = def
	}

	if len(cfg.Agents) > 0 && len(r.agents) == 0 {
		return nil, ErrNoAgents
	}
	r.logger.Info().Int("agents", len(r.agents)).Int("declared", len(cfg.Agents)).Msg("registry_loaded")
	return r, nil
}

func buildDefinition(spec model.AgentSpec) (*model.AgentDefinition, error) {
	title := strings.TrimSpace(spec.Title)
	code := strings.TrimSpace(spec.Code)
	category := strings.TrimSpace(spec.Category)
	switch {
	case title == "":
		return nil, errors.New("missing title")
	case code == "":
		return nil, errors.New("missing code")
	case category == "":
		return nil, errors.New("missing category")
	}

	node := spec.Node
	rule, err := compileTrigger(node.Trigger)
	if err != nil {
		return nil, err
	}

	outputMode, err := model.ParseOutputMode(node.OutputMode)
	if err != nil {
		return nil, err
	}
	postProcess, err := model.ParsePostProcess(node.PostProcess)
	if err != nil {
		return nil, err
	}
	if postProcess == model.PostProcessStripTrigger && rule.Content == nil {
		return nil, errors.New("post_process strip_trigger requires trigger.content")
	}

	var inputs []string
	if in := strings.TrimSpace(node.Input); in != "" {
		inputs = append(inputs, filepath.ToSlash(in))
	}
	for _, in := range node.Inputs {
		if in = strings.TrimSpace(in); in != "" {
			inputs = append(inputs, filepath.ToSlash(in))
		}
	}

	executor := strings.ToLower(strings.TrimSpace(node.Executor))
	if executor == "" {
		executor = model.DefaultExecutor
	}
	maxParallel := node.MaxParallel
	if maxParallel <= 0 {
		maxParallel = model.DefaultMaxParallel
	}
	timeoutSec := node.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = model.DefaultTimeoutSec
	}
	createTask := true
	if node.CreateTask != nil {
		createTask = *node.CreateTask
	}
	priority := strings.ToLower(strings.TrimSpace(node.Priority))
	if priority == "" {
		priority = model.DefaultPriority
	}

	return &model.AgentDefinition{
		Title:          title,
		Code:           code,
		Category:       category,
		Trigger:        rule,
		Inputs:         inputs,
		Output:         strings.TrimSuffix(filepath.ToSlash(strings.TrimSpace(node.Output)), "/"),
		OutputMode:     outputMode,
		OutputOptional: node.OutputOptional,
		Executor:       executor,
		ExecutorParams: node.ExecutorParams,
		MaxParallel:    maxParallel,
		Timeout:        time.Duration(timeoutSec) * time.Second,
		CreateTask:     createTask,
		PostProcess:    postProcess,
		Priority:       priority,
	}, nil
}

func compileTrigger(spec model.TriggerSpec) (model.TriggerRule, error) {
	kind, err := model.ParseEventKind(spec.Event)
	if err != nil {
		return model.TriggerRule{}, err
	}
	if kind == model.EventConfigChanged {
		return model.TriggerRule{}, errors.New("config_changed is reserved for the orchestrator")
	}

	rule := model.TriggerRule{
		Pattern:  strings.TrimSpace(spec.Pattern),
		Event:    kind,
		Schedule: strings.TrimSpace(spec.Schedule),
	}

	if kind.IsFileEvent() {
		if rule.Pattern == "" {
			return model.TriggerRule{}, fmt.Errorf("%s trigger requires a pattern", kind)
		}
		if !doublestar.ValidatePattern(rule.Pattern) {
			return model.TriggerRule{}, fmt.Errorf("invalid pattern %q", rule.Pattern)
		}
	}

	for _, ex := range strings.Split(spec.Exclude, "|") {
		ex = strings.TrimSpace(ex)
		if ex == "" {
			continue
		}
		if !doublestar.ValidatePattern(ex) {
			return model.TriggerRule{}, fmt.Errorf("invalid exclude pattern %q", ex)
		}
		rule.Exclude = append(rule.Exclude, ex)
	}

	if c := strings.TrimSpace(spec.Content); c != "" {
		re, err := regexp.Compile("(?i)" + c)
		if err != nil {
			return model.TriggerRule{}, fmt.Errorf("invalid content regex: %w", err)
		}
		rule.Content = re
	}

	if w := strings.TrimSpace(spec.When); w != "" {
		expr, err := govaluate.NewEvaluableExpression(w)
		if err != nil {
			return model.TriggerRule{}, fmt.Errorf("invalid when expression: %w", err)
		}
		rule.When = expr
	}

	if rule.Schedule != "" {
		if _, err := cron.ParseStandard(rule.Schedule); err != nil {
			return model.TriggerRule{}, fmt.Errorf("invalid schedule %q: %w", rule.Schedule, err)
		}
	} else if kind == model.EventScheduled {
		return model.TriggerRule{}, errors.New("scheduled trigger requires a schedule")
	}
	return rule, nil
}

// loadInstructions reads <code>.md, falling back to <title>.md. Missing files yield an
// empty body; the agent still runs with the generated prompt sections.
func (r *Registry) loadInstructions(dir string, def *model.AgentDefinition) string {
	for _, name := range []string{def.Code + ".md", def.Title + ".md"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		_, body, err := frontmatter.Parse(data)
		if err != nil && !errors.Is(err, frontmatter.ErrMissing) {
			r.logger.Warn().Str("agent", def.Code).Str("file", name).Err(err).Msg("instructions_header_invalid")
		}
		return strings.TrimSpace(string(body))
	}
	r.logger.Debug().Str("agent", def.Code).Msg("instructions_not_found")
	return ""
}

// Agents returns the loaded definitions in configuration order.
func (r *Registry) Agents() []*model.AgentDefinition {
	out := make([]*model.AgentDefinition, len(r.agents))
	copy(out, r.agents)
	return out
}

// ByCode looks up an agent by its short code.
func (r *Registry) ByCode(code string) (*model.AgentDefinition, bool) {
	def, ok := r.byCode[code]
	return def, ok
}

// Scheduled returns agents with a cron expression, sorted by code.
func (r *Registry) Scheduled() []*model.AgentDefinition {
	var out []*model.AgentDefinition
	for _, a := range r.agents {
		if a.HasSchedule() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (r *Registry) Len() int { return len(r.agents) }
