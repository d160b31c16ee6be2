package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxAuditSize is the rotation threshold (50MB).
	DefaultMaxAuditSize = 50 * 1024 * 1024

	auditExtension  = ".jsonl"
	auditArchiveDir = "archive"
)

// AuditEntry is one line of the audit trail.
type AuditEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	TaskID    string                 `json:"task_id,omitempty"`
	WorkerID  string                 `json:"worker_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AuditLogger appends JSONL entries to a single file, rotating it into an
// archive/ subdirectory when it exceeds maxSize. Writes are synced; the
// trail survives a crash of the writing process.
type AuditLogger struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	path        string
}

// NewAuditLogger opens (or creates) the audit file at path.
func NewAuditLogger(path string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxAuditSize
	}
	l := &AuditLogger{path: path, maxSize: maxSize}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) open() error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit file: %w", err)
	}
	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Record appends an entry for eventType. task_id and worker_id are lifted
// out of details into dedicated columns when present.
func (l *AuditLogger) Record(eventType EventType, details map[string]interface{}) error {
	entry := AuditEntry{
		Timestamp: time.Now().UTC(),
		EventType: string(eventType),
		Details:   details,
	}
	if taskID, ok := details["task_id"].(string); ok {
		entry.TaskID = taskID
	}
	if workerID, ok := details["worker_id"].(string); ok {
		entry.WorkerID = workerID
	}

	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit file: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit file: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

// rotate moves the current file into archive/ with a timestamped name and
// opens a fresh file. Caller holds l.mu.
func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close audit file: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.path), auditArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	base := filepath.Base(l.path)
	stem := base[:len(base)-len(auditExtension)]
	archiveName := fmt.Sprintf("%s.%s%s", stem, time.Now().UTC().Format("20060102_150405"), auditExtension)
	if err := os.Rename(l.path, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("archive audit file: %w", err)
	}

	return l.open()
}

// Close flushes and closes the audit file.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	return l.file.Close()
}

// BridgeBus subscribes the audit logger to the given bus for all known
// lifecycle event types, so anything published is also persisted. The
// returned function unsubscribes everything.
func (l *AuditLogger) BridgeBus(bus *Bus) func() {
	types := []EventType{
		EventTaskQueued,
		EventTaskStarted,
		EventTaskCompleted,
		EventTaskFailed,
		EventTaskDeadLettered,
		EventTaskCancelled,
		EventWorkerEscalated,
		EventLockTampered,
	}

	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		eventType := t
		unsubs = append(unsubs, bus.Subscribe(eventType, func(e Event) {
			// Best effort: a full disk must not break task processing.
			_ = l.Record(eventType, e.Data)
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
