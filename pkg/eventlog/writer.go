// Package eventlog provides an append-only JSONL archive of bus events with
// daily file rotation. It complements the SQLite archive: the JSONL files are
// greppable and survive database corruption.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"conductor/pkg/bus"
)

// Record is the serialized form of one archived event. Payload is kept as raw
// JSON so records round-trip without knowing every payload type.
type Record struct {
	Topic     string          `json:"topic"`
	Seq       uint64          `json:"seq"`
	Origin    string          `json:"origin"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Writer appends events to daily rotated JSONL files.
type Writer struct {
	logDir      string
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
}

// NewWriter creates an event log writer rooted at logDir.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	writer := &Writer{logDir: logDir}
	if err := writer.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize log file: %w", err)
	}
	return writer, nil
}

// WriteEvent appends one event to the current log file, rotating first if the
// day has changed.
func (w *Writer) WriteEvent(event bus.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to serialize event payload: %w", err)
	}
	record := Record{
		Topic:     event.Topic,
		Seq:       event.Seq,
		Origin:    event.Origin,
		Kind:      event.Payload.Kind(),
		Timestamp: event.Timestamp,
		Payload:   payload,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize event record: %w", err)
	}

	if _, err := w.currentFile.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write event record: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	return nil
}

func (w *Writer) rotateIfNeeded() error {
	newDate := time.Now().Format("2006-01-02")
	if w.currentFile == nil || w.currentDate != newDate {
		return w.rotate(newDate)
	}
	return nil
}

func (w *Writer) rotate(newDate string) error {
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", newDate))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	w.currentFile = file
	w.currentDate = newDate
	return nil
}

// CurrentLogFile returns the path of the currently active log file.
func (w *Writer) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", w.currentDate))
}

// Close closes the current log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		if err != nil {
			return fmt.Errorf("failed to close event log file: %w", err)
		}
	}
	return nil
}

// ReadRecords reads and parses all records from one log file.
func ReadRecords(logFilePath string) ([]Record, error) {
	data, err := os.ReadFile(logFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	if len(data) == 0 {
		return []Record{}, nil
	}

	var records []Record
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			if i > start {
				var record Record
				if err := json.Unmarshal(data[start:i], &record); err != nil {
					return nil, fmt.Errorf("failed to parse event record: %w", err)
				}
				records = append(records, record)
			}
			start = i + 1
		}
	}
	return records, nil
}

// ListLogFiles returns all event log files under logDir.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}
	return files, nil
}
