package execution

import (
	"bytes"
	"fmt"
	"os"

	"github.com/msageha/cairn/internal/fsutil"
	"github.com/msageha/cairn/internal/model"
)

// postProcess applies the agent's post-processing action to the source file after a
// successful run.
func (m *Manager) postProcess(ec *Context) error {
	switch ec.Agent.PostProcess {
	case model.PostProcessStripTrigger:
		return m.stripTrigger(ec)
	default:
		return nil
	}
}

// stripTrigger removes every match of the trigger's content pattern from the source so
// the same marker cannot fire the agent again.
func (m *Manager) stripTrigger(ec *Context) error {
	re := ec.Agent.Trigger.Content
	if re == nil || ec.Event.Path == "" {
		return nil
	}
	path := m.abs(ec.Event.Path)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	stripped := re.ReplaceAll(data, nil)
	if bytes.Equal(stripped, data) {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if err := fsutil.AtomicWrite(path, stripped, info.Mode().Perm()); err != nil {
		return fmt.Errorf("write source: %w", err)
	}
	return nil
}
