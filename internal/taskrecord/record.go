// Package taskrecord owns the on-disk task records that track one execution each.
// A record is a markdown document with a YAML header; the header is the durable
// source of truth for scheduling decisions.
package taskrecord

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/msageha/cairn/internal/model"
)

// Header is the structured part of a task record. Fields written by executors that
// cairn does not know about are preserved through Extra.
type Header struct {
	Status       model.TaskStatus   `yaml:"status"`
	TaskType     string             `yaml:"task_type"`
	Agent        string             `yaml:"agent,omitempty"`
	Worker       string             `yaml:"worker"`
	WorkerParams map[string]any     `yaml:"worker_params,omitempty"`
	Priority     string             `yaml:"priority"`
	Input        string             `yaml:"input,omitempty"`
	Output       string             `yaml:"output"`
	Log          string             `yaml:"log,omitempty"`
	ExecutionID  string             `yaml:"execution_id,omitempty"`
	Created      string             `yaml:"created"`
	Started      string             `yaml:"started,omitempty"`
	Finished     string             `yaml:"finished,omitempty"`
	Error        string             `yaml:"error,omitempty"`
	TriggerData  *model.TriggerData `yaml:"trigger_data,omitempty"`
	Extra        map[string]any     `yaml:",inline"`
}

// linkFields hold wiki links. Written without quotes, [[a.md]] is a YAML flow
// sequence; UnmarshalYAML folds it back into the link text.
var linkFields = map[string]bool{"input": true, "output": true, "log": true}

func (h *Header) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			v := node.Content[i+1]
			if linkFields[node.Content[i].Value] && v.Kind == yaml.SequenceNode {
				node.Content[i+1] = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: flowText(v)}
			}
		}
	}
	type plain Header
	return node.Decode((*plain)(h))
}

func flowText(n *yaml.Node) string {
	if n.Kind != yaml.SequenceNode {
		return n.Value
	}
	parts := make([]string, len(n.Content))
	for i, c := range n.Content {
		parts[i] = flowText(c)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// CreatedAt parses the created timestamp, returning the zero time when unset.
func (h *Header) CreatedAt() time.Time {
	t, err := time.Parse(time.RFC3339, h.Created)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Record is a parsed task record.
type Record struct {
	Path    string // absolute
	Rel     string // relative to the content root, slash separated
	Header  Header
	Body    []byte
	ModTime time.Time
}

var wikiLinkRegex = regexp.MustCompile(`^\[\[([^\]|#]+)(?:[#|][^\]]*)?\]\]$`)

// Link renders a content-root-relative path as a wiki link reference.
func Link(rel string) string {
	if rel == "" {
		return ""
	}
	return "[[" + rel + "]]"
}

// Unlink extracts the path from a reference written as [[path]], [[path|alias]],
// or a bare path.
func Unlink(ref string) string {
	ref = strings.TrimSpace(ref)
	if m := wikiLinkRegex.FindStringSubmatch(ref); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.Trim(ref, `"'`)
}

// newBody renders the human-readable sections of a fresh record.
func newBody(h Header, instructions string) []byte {
	var sb strings.Builder
	title := model.FileStem(h.Input)
	if title == "" {
		title = h.Agent
	}
	fmt.Fprintf(&sb, "\n# %s - %s\n\n", h.TaskType, title)
	sb.WriteString("## Input\n\n")
	if h.Input != "" {
		sb.WriteString(Link(h.Input) + "\n\n")
	} else {
		sb.WriteString("(none)\n\n")
	}
	sb.WriteString("## Output\n\n(pending)\n\n")
	sb.WriteString("## Instructions\n\n")
	if strings.TrimSpace(instructions) != "" {
		sb.WriteString(strings.TrimSpace(instructions) + "\n\n")
	} else {
		fmt.Fprintf(&sb, "%s via %s\n\n", h.Agent, h.Worker)
	}
	sb.WriteString("## Log\n\n")
	return []byte(sb.String())
}

// replaceSection swaps the content of a "## name" section, leaving other sections intact.
func replaceSection(body []byte, name, content string) []byte {
	heading := []byte("## " + name + "\n")
	start := bytes.Index(body, heading)
	if start < 0 {
		return body
	}
	contentStart := start + len(heading)
	end := len(body)
	if next := bytes.Index(body[contentStart:], []byte("\n## ")); next >= 0 {
		end = contentStart + next + 1
	}
	var buf bytes.Buffer
	buf.Write(body[:contentStart])
	buf.WriteString("\n" + strings.TrimSpace(content) + "\n\n")
	buf.Write(body[end:])
	return buf.Bytes()
}
