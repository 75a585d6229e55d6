package execution

import (
	"time"

	"github.com/msageha/cairn/internal/model"
)

// Context is one attempted execution. The Manager owns it until Execute returns;
// identity fields are fixed before the context becomes visible through Running.
type Context struct {
	ID         string
	Agent      *model.AgentDefinition
	Event      model.TriggerEvent
	Input      string // content-root-relative input path, empty for inputless runs
	RecordPath string // absolute, empty when the agent does not create task records
	LogPath    string // absolute

	StartedAt  time.Time
	FinishedAt time.Time
	Status     model.TaskStatus
	Output     string // content-root-relative output path
	Error      string
	ProcessOut []byte

	recordOwned bool
	snapshot    *outputSnapshot
}

func (c *Context) fail(msg string) {
	c.Status = model.StatusFailed
	c.Error = msg
}

// View is the read-only projection exposed to status surfaces.
type View struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent"`
	Title     string    `json:"title"`
	Event     string    `json:"event"`
	Input     string    `json:"input,omitempty"`
	Record    string    `json:"record,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

func (c *Context) view(recordRel string) View {
	return View{
		ID:        c.ID,
		Agent:     c.Agent.Code,
		Title:     c.Agent.Title,
		Event:     string(c.Event.Kind),
		Input:     c.Input,
		Record:    recordRel,
		StartedAt: c.StartedAt,
	}
}
