// Package audit appends one CSV line per provisioning run to the station's
// audit log. Lines are never rewritten.
package audit

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Status is the outcome recorded for a run.
type Status string

const (
	StatusWiredOnly   Status = "wired_only"
	StatusWifiSuccess Status = "wifi_success"
	StatusWifiFailed  Status = "wifi_failed"
	StatusFlashOnly   Status = "flash_only"
	StatusSuccess     Status = "success"
	StatusFailed      Status = "failed"
)

// Valid reports whether s is one of the known outcomes.
func (s Status) Valid() bool {
	switch s {
	case StatusWiredOnly, StatusWifiSuccess, StatusWifiFailed, StatusFlashOnly, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Entry is one audit record.
type Entry struct {
	Time   time.Time
	Serial string
	Bundle string
	Status Status
}

// Line renders e as a single CSV line terminated by a newline.
func (e Entry) Line() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{e.Time.UTC().Format(time.RFC3339), e.Serial, e.Bundle, string(e.Status)}); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Log is an append-only audit file.
type Log struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Log writing to path. The file is created on first append.
func New(path string, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{path: path, logger: logger, now: time.Now}
}

// Path returns the log file location.
func (l *Log) Path() string { return l.path }

// Append writes e as one line. The write is a single O_APPEND write under
// an exclusive lock, so concurrent stations never interleave lines.
func (l *Log) Append(e Entry) error {
	if !e.Status.Valid() {
		return fmt.Errorf("invalid audit status %q", e.Status)
	}
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	line, err := e.Line()
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating audit log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	unlock, err := lockFile(f)
	if err != nil {
		return fmt.Errorf("locking audit log: %w", err)
	}
	defer unlock()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("writing audit log: %w", err)
	}
	l.logger.Info("audit entry written", "path", l.path, "serial", e.Serial, "status", string(e.Status))
	return nil
}

// ReadAll parses every entry in the log.
func ReadAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 4
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading audit log %s: %w", path, err)
	}
	out := make([]Entry, 0, len(records))
	for i, rec := range records {
		ts, err := time.Parse(time.RFC3339, rec[0])
		if err != nil {
			return nil, fmt.Errorf("audit log %s line %d: %w", path, i+1, err)
		}
		out = append(out, Entry{Time: ts, Serial: rec[1], Bundle: rec[2], Status: Status(rec[3])})
	}
	return out, nil
}
