// Package eventlog implements the append-only, daily-rotated JSONL Event
// Log. Unlike internal/log's lumberjack-driven service log rotation
// (size/age/backup based), the event log rotates strictly by
// calendar day, opening events/{YYYY-MM-DD}.jsonl in append mode and
// reusing that file handle across a poll cycle instead of reopening it per
// line.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one append-only log record.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Kind      string                 `json:"kind"`
	Actor     string                 `json:"actor,omitempty"`
	TaskID    string                 `json:"taskId,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Log writes Events as newline-delimited JSON, one file per UTC calendar
// day, reopening automatically when the day rolls over.
type Log struct {
	dir string

	mu      sync.Mutex
	day     string
	file    *os.File
}

// Open prepares a Log rooted at dir (typically {dataDir}/events). The
// directory is created if absent; no file is opened until the first Append.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("eventlog: create %q: %w", dir, err)
	}
	return &Log{dir: dir}, nil
}

// Append writes evt to today's file, rotating to a new day's file if the
// UTC calendar day has changed since the last Append.
func (l *Log) Append(evt Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	day := evt.Timestamp.UTC().Format("2006-01-02")
	if day != l.day || l.file == nil {
		if err := l.rotate(day); err != nil {
			return err
		}
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("eventlog: marshal event: %w", err)
	}
	data = append(data, '\n')
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("eventlog: write: %w", err)
	}
	return nil
}

// rotate closes the current file handle (if any) and opens day's file in
// append mode, creating it if necessary.
func (l *Log) rotate(day string) error {
	if l.file != nil {
		_ = l.file.Close()
	}
	path := filepath.Join(l.dir, day+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("eventlog: open %q: %w", path, err)
	}
	l.file = f
	l.day = day
	return nil
}

// Close releases the current file handle, if one is open.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
