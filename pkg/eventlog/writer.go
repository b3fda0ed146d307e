// Package eventlog records the protocol traffic between the orchestrator and
// its workers as daily rotated JSONL trace files.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"trainer/pkg/channel"
	"trainer/pkg/proto"
)

// Event is one traced protocol record.
type Event struct {
	Timestamp time.Time  `json:"ts"`
	Worker    int        `json:"worker"`
	Direction string     `json:"direction"` // "sent" or "received"
	Record    *proto.Msg `json:"record"`
}

// Writer appends events to daily rotated JSONL trace files.
type Writer struct {
	logDir      string
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
}

// NewWriter creates a trace writer rotating daily in the given directory.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}

	w := &Writer{logDir: logDir}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize trace file: %w", err)
	}
	return w, nil
}

// WriteEvent appends one event, rotating first when the date changed.
func (w *Writer) WriteEvent(ev *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate trace file: %w", err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	data = append(data, '\n')

	if _, err := w.currentFile.Write(data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace file: %w", err)
	}
	return nil
}

// Observer returns a pool observer that traces every record on every
// channel. Write failures are silently dropped; tracing must never stall an
// exchange.
func (w *Writer) Observer() func(workerIndex int, dir channel.Direction, msg *proto.Msg) {
	return func(workerIndex int, dir channel.Direction, msg *proto.Msg) {
		direction := "sent"
		if dir == channel.DirReceived {
			direction = "received"
		}
		_ = w.WriteEvent(&Event{
			Timestamp: time.Now().UTC(),
			Worker:    workerIndex,
			Direction: direction,
			Record:    msg,
		})
	}
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
			return fmt.Errorf("failed to close current trace file: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fmt.Sprintf("trace-%s.jsonl", newDate))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open trace file %s: %w", path, err)
	}

	w.currentFile = file
	w.currentDate = newDate
	return nil
}

// Close closes the current trace file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		if err != nil {
			return fmt.Errorf("failed to close trace file: %w", err)
		}
	}
	return nil
}

// CurrentFile returns the path of the active trace file.
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fmt.Sprintf("trace-%s.jsonl", w.currentDate))
}

// ReadEvents parses all events from one trace file.
func ReadEvents(path string) ([]*Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	defer f.Close()

	var events []*Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		events = append(events, &ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan trace file: %w", err)
	}
	return events, nil
}

// ListFiles returns all trace files in a directory.
func ListFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "trace-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list trace files: %w", err)
	}
	return files, nil
}
