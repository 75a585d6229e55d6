// Package watcher turns raw fsnotify notifications under the content root into
// debounced trigger events.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/msageha/cairn/internal/frontmatter"
	"github.com/msageha/cairn/internal/model"
)

// Sink receives emitted events.
type Sink interface {
	Enqueue(ev model.TriggerEvent)
}

type Options struct {
	Debounce time.Duration
	// Ignore holds globs, relative to the content root, for paths that never emit events.
	Ignore []string
}

type debounceKey struct {
	rel  string
	kind model.EventKind
}

type pending struct {
	timer *time.Timer
}

// Monitor watches the content tree recursively. Each (path, kind) pair has its own
// debounce timer that is restarted by every new notification; only the final firing
// emits an event, and the file header is read at that moment.
type Monitor struct {
	root      string
	configRel string
	opts      Options
	sink      Sink
	logger    zerolog.Logger

	mu      sync.Mutex
	timers  map[debounceKey]*pending
	watcher *fsnotify.Watcher
	stopped bool
}

// New creates a monitor. configPath is the orchestrator configuration file, whose
// changes are tagged config_changed instead of being matched against agents.
func New(root, configPath string, opts Options, sink Sink, logger zerolog.Logger) *Monitor {
	if opts.Debounce <= 0 {
		opts.Debounce = 300 * time.Millisecond
	}
	configRel := ""
	if configPath != "" {
		if rel, err := filepath.Rel(root, configPath); err == nil {
			configRel = filepath.ToSlash(rel)
		}
	}
	return &Monitor{
		root:      root,
		configRel: configRel,
		opts:      opts,
		sink:      sink,
		logger:    logger.With().Str("component", "watcher").Logger(),
		timers:    make(map[debounceKey]*pending),
	}
}

// Run watches until ctx is cancelled. Pending debounce timers are dropped on exit.
func (m *Monitor) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	m.mu.Lock()
	m.watcher = w
	m.mu.Unlock()
	defer m.stop()

	if err := m.addRecursive(m.root, false); err != nil {
		return err
	}
	if m.configRel != "" {
		cfgDir := filepath.Dir(filepath.Join(m.root, filepath.FromSlash(m.configRel)))
		if err := w.Add(cfgDir); err != nil {
			m.logger.Warn().Str("dir", cfgDir).Err(err).Msg("config_dir_watch_failed")
		}
	}
	m.logger.Info().Str("root", m.root).Dur("debounce", m.opts.Debounce).Msg("watcher_started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			m.handle(ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.logger.Error().Err(err).Msg("fsnotify_error")
		}
	}
}

func (m *Monitor) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for k, p := range m.timers {
		p.timer.Stop()
		delete(m.timers, k)
	}
	if m.watcher != nil {
		m.watcher.Close()
	}
}

// addRecursive watches dir and every non-ignored directory below it. When emit is set
// (a directory that appeared while running) the files found are reported as created,
// since their own notifications may have fired before the watch existed.
func (m *Monitor) addRecursive(dir string, emit bool) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return fmt.Errorf("walk %s: %w", p, err)
			}
			return nil
		}
		rel := m.rel(p)
		if d.IsDir() {
			if rel != "." && m.ignored(rel) {
				return filepath.SkipDir
			}
			if err := m.watcher.Add(p); err != nil {
				m.logger.Warn().Str("dir", rel).Err(err).Msg("watch_add_failed")
			}
			return nil
		}
		if emit && !m.ignored(rel) {
			m.Notify(rel, model.EventCreated)
		}
		return nil
	})
}

func (m *Monitor) rel(p string) string {
	rel, err := filepath.Rel(m.root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}

// ignored reports whether rel never produces events. Hidden entries cover the state
// directory, VCS metadata and the temporary files of atomic writes.
func (m *Monitor) ignored(rel string) bool {
	if rel == m.configRel {
		return false
	}
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	for _, g := range m.opts.Ignore {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}

func (m *Monitor) handle(ev fsnotify.Event) {
	rel := m.rel(ev.Name)
	if m.ignored(rel) {
		return
	}
	if rel == m.configRel {
		if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) {
			m.Notify(rel, model.EventConfigChanged)
		}
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := m.addRecursive(ev.Name, true); err != nil {
				m.logger.Warn().Str("dir", rel).Err(err).Msg("watch_new_dir_failed")
			}
		}
		m.Notify(rel, model.EventCreated)
	case ev.Has(fsnotify.Write):
		m.Notify(rel, model.EventModified)
	case ev.Has(fsnotify.Remove):
		m.Notify(rel, model.EventDeleted)
	default:
		// Rename reports the source path; the destination arrives as Create. Chmod is noise.
		m.logger.Debug().Str("path", rel).Str("op", ev.Op.String()).Msg("fsnotify_skipped")
	}
}

// Notify records a raw notification for rel and restarts its debounce timer.
func (m *Monitor) Notify(rel string, kind model.EventKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	k := debounceKey{rel: rel, kind: kind}
	if old, ok := m.timers[k]; ok {
		old.timer.Stop()
	}
	p := &pending{}
	p.timer = time.AfterFunc(m.opts.Debounce, func() { m.fire(k, p) })
	m.timers[k] = p
}

// Pending returns the number of armed debounce timers.
func (m *Monitor) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Monitor) fire(k debounceKey, p *pending) {
	m.mu.Lock()
	if m.stopped || m.timers[k] != p {
		m.mu.Unlock()
		return
	}
	delete(m.timers, k)
	m.mu.Unlock()

	ev := model.TriggerEvent{
		Path:      k.rel,
		Kind:      k.kind,
		Timestamp: time.Now().UTC(),
	}
	if k.kind != model.EventDeleted && k.kind != model.EventConfigChanged {
		ev.IsDir, ev.Header = m.snapshot(k.rel)
	}
	m.logger.Debug().Str("path", ev.Path).Str("kind", string(ev.Kind)).Msg("event_emitted")
	m.sink.Enqueue(ev)
}

// snapshot reads the file's structured header. Files without one yield an empty map.
func (m *Monitor) snapshot(rel string) (bool, map[string]any) {
	abs := filepath.Join(m.root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil {
		return false, map[string]any{}
	}
	if info.IsDir() {
		return true, map[string]any{}
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return false, map[string]any{}
	}
	header, _, err := frontmatter.Parse(data)
	if err != nil {
		return false, map[string]any{}
	}
	return false, header
}
