package registry

import (
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/msageha/cairn/internal/frontmatter"
	"github.com/msageha/cairn/internal/model"
)

// FindMatchingAgents returns every agent whose trigger rule accepts ev. Events aimed at
// a specific agent (scheduled and manual firings) resolve to that agent alone.
func (r *Registry) FindMatchingAgents(ev model.TriggerEvent) []*model.AgentDefinition {
	if ev.Agent != "" {
		if def, ok := r.byCode[ev.Agent]; ok {
			return []*model.AgentDefinition{def}
		}
		r.logger.Warn().Str("agent", ev.Agent).Str("kind", string(ev.Kind)).Msg("targeted_agent_not_found")
		return nil
	}
	if !ev.Kind.IsFileEvent() {
		return nil
	}

	var matched []*model.AgentDefinition
	var content []byte
	contentRead := false
	for _, a := range r.agents {
		ok, reason := r.matchRule(a, ev, func() []byte {
			if !contentRead {
				content, _ = os.ReadFile(filepath.Join(r.root, filepath.FromSlash(ev.Path)))
				contentRead = true
			}
			return content
		})
		if ok {
			matched = append(matched, a)
		} else if reason != "" {
			r.logger.Debug().Str("agent", a.Code).Str("path", ev.Path).Str("reason", reason).Msg("agent_rejected")
		}
	}
	return matched
}

// matchRule applies the rule steps in order. reason is empty when the agent was never a
// candidate (kind or pattern mismatch) to keep debug logs readable.
func (r *Registry) matchRule(a *model.AgentDefinition, ev model.TriggerEvent, readContent func() []byte) (bool, string) {
	rule := a.Trigger
	if rule.Event != ev.Kind {
		return false, ""
	}
	if ok, _ := doublestar.Match(rule.Pattern, ev.Path); !ok {
		return false, ""
	}
	for _, ex := range rule.Exclude {
		if ok, _ := doublestar.Match(ex, ev.Path); ok {
			return false, "excluded by " + ex
		}
	}
	if rule.Content != nil {
		data := readContent()
		if data == nil || !rule.Content.Match(data) {
			return false, "content pattern not found"
		}
		if r.index != nil && r.index.HasRecordFor(ev.Stem()) {
			return false, "task record already exists"
		}
	}
	if rule.When != nil {
		result, err := rule.When.Evaluate(frontmatter.Flatten(ev.Header))
		if err != nil {
			return false, "when: " + err.Error()
		}
		if b, ok := result.(bool); !ok || !b {
			return false, "when condition false"
		}
	}
	return true, ""
}
