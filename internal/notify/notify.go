// Package notify raises desktop notifications for finished executions.
package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/rs/zerolog"

	"github.com/msageha/cairn/internal/events"
)

// SendFunc delivers one notification.
type SendFunc func(title, message string) error

// Send shows a notification through osascript on macOS and notify-send elsewhere.
func Send(title, message string) error {
	var cmd *exec.Cmd
	if runtime.GOOS == "darwin" {
		script := fmt.Sprintf(
			`display notification "%s" with title "%s" sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title),
		)
		cmd = exec.Command("osascript", "-e", script)
	} else {
		cmd = exec.Command("notify-send", "--app-name=cairn", title, message)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", cmd.Args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// Notifier turns execution_finished events into notifications.
type Notifier struct {
	send     SendFunc
	statuses map[string]bool
	logger   zerolog.Logger
}

// New builds a notifier for the given record statuses. A nil send uses Send.
func New(statuses []string, send SendFunc, logger zerolog.Logger) *Notifier {
	if send == nil {
		send = Send
	}
	n := &Notifier{
		send:     send,
		statuses: make(map[string]bool, len(statuses)),
		logger:   logger.With().Str("component", "notify").Logger(),
	}
	for _, s := range statuses {
		n.statuses[strings.ToUpper(strings.TrimSpace(s))] = true
	}
	return n
}

// Attach subscribes the notifier to bus and returns the unsubscribe function.
func (n *Notifier) Attach(bus *events.Bus) func() {
	return bus.Subscribe(events.EventExecutionFinished, n.handle)
}

func (n *Notifier) handle(e events.Event) {
	status, _ := e.Data["status"].(string)
	if !n.statuses[status] {
		return
	}
	agent, _ := e.Data["agent"].(string)
	title := fmt.Sprintf("cairn: %s %s", agent, strings.ToLower(status))

	message, _ := e.Data["error"].(string)
	if message == "" {
		message, _ = e.Data["output"].(string)
	}
	if message == "" {
		message, _ = e.Data["record"].(string)
	}
	if i := strings.IndexByte(message, '\n'); i >= 0 {
		message = message[:i]
	}

	if err := n.send(title, message); err != nil {
		n.logger.Debug().Err(err).Msg("notification_failed")
	}
}
