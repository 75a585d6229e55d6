package execution

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/msageha/cairn/internal/model"
)

// DefaultSystemPrompt opens every prompt unless the configuration overrides it.
const DefaultSystemPrompt = `You are an automation agent working inside a file-based workspace. The current
working directory is the workspace root and every path below is relative to it.
Work only on the files named in this prompt.`

// PromptInput is what BuildPrompt composes into the executor prompt.
type PromptInput struct {
	SystemPrompt string
	Agent        *model.AgentDefinition
	Event        model.TriggerEvent
	Input        string
	RecordRel    string
}

// BuildPrompt joins the system preamble, agent instructions, trigger context, task
// record reference and the output contract.
func BuildPrompt(in PromptInput) string {
	var sb strings.Builder

	sys := strings.TrimSpace(in.SystemPrompt)
	if sys == "" {
		sys = DefaultSystemPrompt
	}
	sb.WriteString(sys)
	sb.WriteString("\n\n")

	a := in.Agent
	fmt.Fprintf(&sb, "## Agent: %s (%s)\n\n", a.Title, a.Code)
	if instr := strings.TrimSpace(a.Instructions); instr != "" {
		sb.WriteString(instr)
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Trigger\n\n")
	fmt.Fprintf(&sb, "- event: %s\n", in.Event.Kind)
	if in.Event.Path != "" {
		fmt.Fprintf(&sb, "- path: %s\n", in.Event.Path)
	}
	if !in.Event.Timestamp.IsZero() {
		fmt.Fprintf(&sb, "- time: %s\n", in.Event.Timestamp.Format("2006-01-02 15:04:05 MST"))
	}
	if len(in.Event.Header) > 0 {
		if data, err := yaml.Marshal(in.Event.Header); err == nil {
			sb.WriteString("- header:\n\n```yaml\n")
			sb.Write(data)
			sb.WriteString("```\n")
		}
	}
	sb.WriteString("\n")

	if in.Input != "" || len(a.Inputs) > 0 {
		sb.WriteString("## Input\n\n")
		if in.Input != "" {
			fmt.Fprintf(&sb, "- %s\n", in.Input)
		}
		for _, extra := range a.Inputs {
			if extra != in.Input {
				fmt.Fprintf(&sb, "- %s\n", extra)
			}
		}
		sb.WriteString("\n")
	}

	if in.RecordRel != "" {
		sb.WriteString("## Task record\n\n")
		fmt.Fprintf(&sb, "Progress is tracked in `%s`.\n", in.RecordRel)
		sb.WriteString("When you finish, set its header `status` to PROCESSED and `output` to ")
		sb.WriteString("a quoted link like `output: \"[[path/to/output.md]]\"`. On failure set ")
		sb.WriteString("`status: FAILED` and describe the problem in `error`.\n\n")
	}

	sb.WriteString("## Output\n\n")
	sb.WriteString(outputContract(a, in.Input))
	return sb.String()
}

func outputContract(a *model.AgentDefinition, input string) string {
	var sb strings.Builder
	switch a.OutputMode {
	case model.OutputUpdateFile:
		target := input
		if target == "" && len(a.Inputs) > 0 {
			target = a.Inputs[0]
		}
		fmt.Fprintf(&sb, "Edit `%s` in place. Do not create other files.\n", target)
	default:
		dir := a.Output
		if dir == "" {
			dir = "."
		}
		fmt.Fprintf(&sb, "Write a new file under `%s/`.", dir)
		if stem := model.FileStem(input); stem != "" {
			fmt.Fprintf(&sb, " Include `%s` in its filename.", stem)
		}
		sb.WriteString("\n")
	}
	if a.OutputOptional {
		sb.WriteString("If there is nothing worth producing, change nothing")
		if a.CreateTask {
			sb.WriteString(" and set the task record status to IGNORE")
		}
		sb.WriteString(".\n")
	}
	return sb.String()
}
