// Package executor builds and runs the external processes that perform agent work.
package executor

//go:generate mockgen -source=executor.go -destination=mocks/mock_executor.go -package=mocks

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/msageha/cairn/internal/model"
)

var ErrUnknownKind = errors.New("unknown executor kind")

// Invocation carries what an executor needs to build its command line.
type Invocation struct {
	Prompt string
	Params map[string]any
	Dir    string
	Env    []string
}

// Command is a fully resolved process description.
type Command struct {
	Path  string
	Args  []string
	Stdin string
	Dir   string
	Env   []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Path + " " + strings.Join(redact(c.Args), " "))
}

// redact shortens long arguments (usually the prompt) for logging.
func redact(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if len(a) > 80 || strings.ContainsRune(a, '\n') {
			out[i] = fmt.Sprintf("<%d bytes>", len(a))
			continue
		}
		out[i] = a
	}
	return out
}

// Executor is one kind of external worker.
type Executor interface {
	Kind() string
	Build(inv Invocation) (Command, error)
}

// Set resolves executor kinds to implementations.
type Set struct {
	byKind map[string]Executor
}

// NewSet registers the built-in kinds, applying binary overrides from configuration.
func NewSet(overrides map[string]model.ExecutorConfig) *Set {
	s := &Set{byKind: make(map[string]Executor)}
	for _, e := range []*cliExecutor{claudeExecutor(), codexExecutor(), geminiExecutor(), shellExecutor()} {
		if o, ok := overrides[e.kind]; ok {
			if o.Command != "" {
				e.command = o.Command
			}
			e.leading = append([]string(nil), o.Args...)
		}
		s.Register(e)
	}
	return s
}

// Register adds or replaces an executor.
func (s *Set) Register(e Executor) {
	s.byKind[strings.ToLower(e.Kind())] = e
}

func (s *Set) Get(kind string) (Executor, error) {
	e, ok := s.byKind[strings.ToLower(strings.TrimSpace(kind))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return e, nil
}

// Kinds returns the registered kinds in sorted order.
func (s *Set) Kinds() []string {
	kinds := make([]string, 0, len(s.byKind))
	for k := range s.byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
