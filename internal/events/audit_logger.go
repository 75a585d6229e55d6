package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxLogSize is the rotation threshold (10MB).
	DefaultMaxLogSize = 10 * 1024 * 1024
	// LogFileExtension is the audit log file extension.
	LogFileExtension = ".jsonl"
	// ArchiveDir holds rotated audit logs, next to the live file.
	ArchiveDir = "archive"
)

// LogEntry represents a single audit log entry.
type LogEntry struct {
	Timestamp   time.Time      `json:"timestamp"`
	EventType   string         `json:"event_type"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Agent       string         `json:"agent,omitempty"`
	Record      string         `json:"record,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// AuditLogger appends lifecycle events as JSON lines, rotating by size.
type AuditLogger struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	rotationCounter int
	detach          func()
}

// NewAuditLogger creates a new audit logger instance.
func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	l := &AuditLogger{
		logPath: logPath,
		maxSize: maxSize,
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Attach subscribes the logger to every event type on bus. Write errors are dropped;
// the audit trail is advisory and task records remain the source of truth.
func (l *AuditLogger) Attach(bus *Bus) {
	unsub := bus.SubscribeAll(func(e Event) {
		_ = l.WriteEntry(entryFromEvent(e))
	})
	l.mu.Lock()
	l.detach = unsub
	l.mu.Unlock()
}

func entryFromEvent(e Event) *LogEntry {
	entry := &LogEntry{
		Timestamp: e.Timestamp,
		EventType: string(e.Type),
		Details:   e.Data,
	}
	if v, ok := e.Data["execution_id"].(string); ok {
		entry.ExecutionID = v
	}
	if v, ok := e.Data["agent"].(string); ok {
		entry.Agent = v
	}
	if v, ok := e.Data["record"].(string); ok {
		entry.Record = v
	}
	return entry
}

// Log writes an entry stamped with the current time.
func (l *AuditLogger) Log(eventType EventType, details map[string]any) error {
	return l.WriteEntry(entryFromEvent(Event{Type: eventType, Timestamp: time.Now().UTC(), Data: details}))
}

// WriteEntry writes a structured log entry to the file.
func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log closed")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize && l.currentSize > 0 {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close current audit log: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	l.rotationCounter++
	stem := strings.TrimSuffix(filepath.Base(l.logPath), LogFileExtension)
	archiveName := fmt.Sprintf("%s.%s.%d%s", stem, time.Now().Format("20060102_150405"), l.rotationCounter, LogFileExtension)
	if err := os.Rename(l.logPath, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("archive audit log: %w", err)
	}
	return l.openLogFile()
}

// Close detaches from the bus and closes the file.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	detach := l.detach
	l.detach = nil
	l.mu.Unlock()
	if detach != nil {
		detach()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Sync()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

// Path returns the live log file path.
func (l *AuditLogger) Path() string {
	return l.logPath
}

// CurrentSize returns the size of the live log file.
func (l *AuditLogger) CurrentSize() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}
