// Package plog provides session-based logging for the broker and its
// clients: debug detail goes to a per-run log file, while user-facing and
// error messages also reach the console.
package plog

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger writes to both a session file and, selectively, the console.
type Logger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	quietMode bool
}

// New creates a logger writing into dir/partyline-<timestamp>.log. quiet
// suppresses Info output on the console (file only); Error always reaches
// stderr.
func New(dir string, quiet bool) (*Logger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	sessionID := time.Now().Format("20060102-150405")
	path := filepath.Join(dir, fmt.Sprintf("partyline-%s.log", sessionID))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}

	l := &Logger{file: f, path: path, quietMode: quiet}
	l.writeToFile("=== partyline session started ===")
	l.writeToFile("time: %s", time.Now().Format(time.RFC3339))

	// Redirect the standard library logger so third-party or legacy
	// log.Printf call sites land in the session file instead of stderr.
	log.SetOutput(f)
	log.SetFlags(log.Ldate | log.Ltime)

	return l, nil
}

// Path returns the log file's path.
func (l *Logger) Path() string { return l.path }

// Close finalizes and closes the session file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	l.writeToFile("=== session ended ===")
	return l.file.Close()
}

// Debug writes to the session file only.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeToFile("DEBUG: "+format, args...)
}

// Info writes to the session file, and to the console unless quiet.
func (l *Logger) Info(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	l.writeToFile("INFO: %s", msg)
	if !l.quietMode {
		fmt.Println(msg)
	}
}

// Error writes to both the session file and stderr.
func (l *Logger) Error(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	l.writeToFile("ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "error: %s\n", msg)
}

func (l *Logger) writeToFile(format string, args ...interface{}) {
	if l.file == nil {
		return
	}
	timestamp := time.Now().Format("15:04:05")
	fmt.Fprintf(l.file, "[%s] %s\n", timestamp, fmt.Sprintf(format, args...))
}

var (
	globalMu sync.Mutex
	global   *Logger
)

// SetGlobal installs the process-wide logger used by call sites (the
// supervisor's signal handler, library code) that don't carry a *Logger
// reference of their own.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = l
}

// Global returns the process-wide logger, or nil if none was installed.
func Global() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

// GlobalInfo logs to the global logger if installed, else falls back to
// log.Printf.
func GlobalInfo(format string, args ...interface{}) {
	if l := Global(); l != nil {
		l.Info(format, args...)
		return
	}
	log.Printf("[INFO] "+format, args...)
}
