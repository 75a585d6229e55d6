package taskrecord

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/msageha/cairn/internal/frontmatter"
	"github.com/msageha/cairn/internal/fsutil"
	"github.com/msageha/cairn/internal/lock"
	"github.com/msageha/cairn/internal/model"
)

var (
	ErrNotFound = errors.New("task record not found")
	// ErrUnreadable marks a file whose header block exists but does not decode.
	ErrUnreadable = errors.New("task record header unreadable")
)

// maxNameBytes keeps generated names under the common 255-byte filename limit with
// room for a collision suffix.
const maxNameBytes = 200

// Manager reads and mutates task records under a single directory. Per-file mutexes
// serialize read-modify-write cycles within the process; every write is synced before
// returning.
type Manager struct {
	root     string
	dir      string
	relDir   string
	locks    *lock.MutexMap
	createMu sync.Mutex
	now      func() time.Time
}

// NewManager creates a manager for tasksDir, which may be absolute or relative to root.
func NewManager(root, tasksDir string) *Manager {
	dir := tasksDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		rel = tasksDir
	}
	return &Manager{
		root:   root,
		dir:    dir,
		relDir: filepath.ToSlash(rel),
		locks:  lock.NewMutexMap(),
		now:    time.Now,
	}
}

func (m *Manager) Dir() string { return m.dir }

// Rel converts an absolute record path to a slash-separated path relative to the content root.
func (m *Manager) Rel(path string) string {
	rel, err := filepath.Rel(m.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// Abs resolves a content-root-relative path.
func (m *Manager) Abs(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(m.root, filepath.FromSlash(rel))
}

// IsRecordPath reports whether a content-root-relative path names a task record.
func (m *Manager) IsRecordPath(rel string) bool {
	rel = filepath.ToSlash(rel)
	if !strings.HasSuffix(rel, ".md") {
		return false
	}
	return filepath.ToSlash(filepath.Dir(rel)) == m.relDir
}

var unsafeNameChars = strings.NewReplacer(
	"/", "-", `\`, "-", ":", "-", "*", "-", "?", "-",
	`"`, "-", "<", "-", ">", "-", "|", "-", "\n", " ", "\r", " ",
)

// FileName derives "YYYY-MM-DD CODE - stem.md" from the date, agent code and input path.
// Scheduled and manual runs without an input use the time of day as the stem.
func FileName(date time.Time, code, input string) string {
	stem := model.FileStem(input)
	if stem == "" {
		stem = date.Format("150405")
	}
	prefix := fmt.Sprintf("%s %s - ", date.Format("2006-01-02"), code)
	stem = strings.TrimSpace(unsafeNameChars.Replace(stem))
	budget := maxNameBytes - len(prefix) - len(".md")
	if budget < 1 {
		budget = 1
	}
	return prefix + truncateBytes(stem, budget) + ".md"
}

// truncateBytes cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}

// Create writes a new record and returns its absolute path. The name is made unique
// by appending " (n)" when another record already uses it.
func (m *Manager) Create(h Header, instructions string) (string, error) {
	now := m.now()
	if h.Created == "" {
		h.Created = now.UTC().Format(time.RFC3339)
	}
	body := newBody(h, instructions)
	body = append(body, []byte(logLine(now, "created ("+string(h.Status)+")"))...)
	data, err := frontmatter.Render(&h, body)
	if err != nil {
		return "", fmt.Errorf("render task record: %w", err)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", fmt.Errorf("create tasks dir: %w", err)
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	name := FileName(now, h.TaskType, h.Input)
	path := filepath.Join(m.dir, name)
	base := strings.TrimSuffix(name, ".md")
	for i := 2; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(m.dir, fmt.Sprintf("%s (%d).md", base, i))
	}
	if err := fsutil.AtomicWrite(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write task record: %w", err)
	}
	return path, nil
}

// Read parses the record at path.
func (m *Manager) Read(path string) (*Record, error) {
	m.locks.Lock(path)
	defer m.locks.Unlock(path)
	return m.read(path)
}

func (m *Manager) read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read task record: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat task record: %w", err)
	}
	rec := &Record{Path: path, Rel: m.Rel(path), ModTime: info.ModTime()}
	body, err := frontmatter.Decode(data, &rec.Header)
	if err != nil {
		if errors.Is(err, frontmatter.ErrMissing) {
			return nil, fmt.Errorf("parse task record %s: %w", filepath.Base(path), err)
		}
		return nil, fmt.Errorf("parse task record %s: %w: %w", filepath.Base(path), ErrUnreadable, err)
	}
	rec.Body = body
	rec.Header.Status = model.NormalizeStatus(string(rec.Header.Status))
	return rec, nil
}

func (m *Manager) write(rec *Record) error {
	data, err := frontmatter.Render(&rec.Header, rec.Body)
	if err != nil {
		return fmt.Errorf("render task record: %w", err)
	}
	if err := fsutil.AtomicWrite(rec.Path, data, 0o644); err != nil {
		return fmt.Errorf("write task record: %w", err)
	}
	return nil
}

// Update runs fn against the current record contents and writes the result. fn may
// modify both Header and Body; returning an error aborts the write.
func (m *Manager) Update(path string, fn func(*Record) error) error {
	m.locks.Lock(path)
	defer m.locks.Unlock(path)

	rec, err := m.read(path)
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	return m.write(rec)
}

// SetStatus moves the record to status, rejecting transitions that would regress.
func (m *Manager) SetStatus(path string, status model.TaskStatus, note string) error {
	return m.Update(path, func(rec *Record) error {
		if err := model.ValidateTransition(rec.Header.Status, status); err != nil {
			return err
		}
		rec.Header.Status = status
		if status == model.StatusInProgress {
			rec.Header.Started = m.now().UTC().Format(time.RFC3339)
		}
		line := string(status)
		if note != "" {
			line += ": " + note
		}
		rec.Body = appendLog(rec.Body, m.now(), line)
		return nil
	})
}

// Outcome is the terminal state written by Finalize.
type Outcome struct {
	Status model.TaskStatus
	Output string // content-root-relative path, empty when none
	Error  string
	// Fallback replaces the header when the executor left it undecodable.
	Fallback *Header
}

// Finalize writes a terminal status and drops any queued trigger payload. Only the
// orchestrator's own QUEUED and IN_PROGRESS states are checked; anything an executor
// wrote is overwritten with the orchestrator's verdict.
func (m *Manager) Finalize(path string, out Outcome) error {
	if !model.IsTerminal(out.Status) {
		return fmt.Errorf("finalize with non-terminal status %q", out.Status)
	}
	err := m.Update(path, func(rec *Record) error {
		cur := rec.Header.Status
		if cur == model.StatusQueued || cur == model.StatusInProgress {
			if err := model.ValidateTransition(cur, out.Status); err != nil {
				return err
			}
		}
		m.applyOutcome(rec, out)
		return nil
	})
	if err == nil || out.Fallback == nil || !errors.Is(err, ErrUnreadable) {
		return err
	}
	return m.rewrite(path, out, err)
}

// rewrite replaces an undecodable header with out.Fallback, keeps the body and
// applies out.
func (m *Manager) rewrite(path string, out Outcome, cause error) error {
	m.locks.Lock(path)
	defer m.locks.Unlock(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("read task record: %w", err)
	}
	_, body, err := frontmatter.Split(data)
	if err != nil && body == nil {
		body = data
	}
	rec := &Record{Path: path, Rel: m.Rel(path), Header: *out.Fallback, Body: body}
	rec.Body = appendLog(rec.Body, m.now(), "header rewritten: "+firstLine(cause.Error()))
	m.applyOutcome(rec, out)
	return m.write(rec)
}

func (m *Manager) applyOutcome(rec *Record, out Outcome) {
	rec.Header.Status = out.Status
	rec.Header.Finished = m.now().UTC().Format(time.RFC3339)
	rec.Header.TriggerData = nil
	if out.Output != "" {
		rec.Header.Output = Link(out.Output)
		rec.Body = replaceSection(rec.Body, "Output", Link(out.Output))
	} else if out.Status != model.StatusProcessed {
		rec.Body = replaceSection(rec.Body, "Output", "(none)")
	}
	rec.Header.Error = out.Error
	line := string(out.Status)
	if out.Error != "" {
		line += ": " + firstLine(out.Error)
	}
	rec.Body = appendLog(rec.Body, m.now(), line)
}

// AppendLog adds a timestamped line to the record's running log.
func (m *Manager) AppendLog(path, line string) error {
	return m.Update(path, func(rec *Record) error {
		rec.Body = appendLog(rec.Body, m.now(), line)
		return nil
	})
}

func logLine(now time.Time, line string) string {
	return fmt.Sprintf("- %s %s\n", now.Format("2006-01-02 15:04:05"), line)
}

func appendLog(body []byte, now time.Time, line string) []byte {
	if len(body) > 0 && body[len(body)-1] != '\n' {
		body = append(body, '\n')
	}
	return append(body, []byte(logLine(now, line))...)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

// Unreadable is a file in the tasks directory whose header does not decode.
// Status is recovered from the raw header text.
type Unreadable struct {
	Path   string
	Status model.TaskStatus
	Err    error
}

// ListByStatus returns records with the given status, oldest first. Files without a
// header are plain notes and are skipped. Files whose header claims status but does
// not decode are returned separately so the caller can decide whether to quarantine.
func (m *Manager) ListByStatus(status model.TaskStatus) ([]*Record, []Unreadable, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("list task records: %w", err)
	}

	var records []*Record
	var unreadable []Unreadable
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		rec, err := m.Read(path)
		if err != nil {
			if !errors.Is(err, ErrUnreadable) {
				continue
			}
			if st := rawStatus(path); st == status {
				unreadable = append(unreadable, Unreadable{Path: path, Status: st, Err: err})
			}
			continue
		}
		if rec.Header.Status == status {
			records = append(records, rec)
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		ti, tj := sortTime(records[i]), sortTime(records[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return records[i].Path < records[j].Path
	})
	return records, unreadable, nil
}

// rawStatus scans the header lines of path for a top-level status key.
func rawStatus(path string) model.TaskStatus {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return ""
	}
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "---" {
			break
		}
		v, ok := strings.CutPrefix(line, "status:")
		if !ok {
			continue
		}
		return model.NormalizeStatus(strings.Trim(strings.TrimSpace(v), `"'`))
	}
	return ""
}

func sortTime(rec *Record) time.Time {
	if t := rec.Header.CreatedAt(); !t.IsZero() {
		return t
	}
	return rec.ModTime
}

// HasRecordFor reports whether any record name contains stem.
func (m *Manager) HasRecordFor(stem string) bool {
	if stem == "" {
		return false
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() && strings.Contains(e.Name(), stem) {
			return true
		}
	}
	return false
}
