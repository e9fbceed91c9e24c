// Package logging appends timestamped lines to <vault>/.taskvault/logs/ so
// operators can inspect engine diagnostics after the fact. This is the
// secondary channel for failures that must not block a transition, e.g. an
// audit append that could not land.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Logger appends to a single operational log file.
type Logger struct {
	file *os.File
}

// New creates (or reuses) the log file inside the given directory.
func New(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(dir, "taskvault.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	return &Logger{file: f}, nil
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Printf writes a single timestamped line.
func (l *Logger) Printf(format string, args ...any) {
	l.write("", format, args...)
}

// Warnf writes a single timestamped line tagged WARN.
func (l *Logger) Warnf(format string, args ...any) {
	l.write("WARN ", format, args...)
}

// Errorf writes a single timestamped line tagged ERROR.
func (l *Logger) Errorf(format string, args ...any) {
	l.write("ERROR ", format, args...)
}

func (l *Logger) write(tag, format string, args ...any) {
	if l == nil || l.file == nil {
		return
	}
	line := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	timestamp := time.Now().UTC().Format(time.RFC3339)
	fmt.Fprintf(l.file, "[%s] %s%s\n", timestamp, tag, line)
}
