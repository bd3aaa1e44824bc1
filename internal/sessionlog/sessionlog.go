// ABOUTME: Human-readable session logger with elapsed-ms line prefixes
// ABOUTME: Records audio throughput stats and packet metadata to a text file
package sessionlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger appends timestamped session lines. Safe for concurrent use.
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	logging bool
	start   time.Time
	log     *logrus.Entry

	now func() time.Time
}

// New creates an idle session logger.
func New() *Logger {
	return &Logger{
		log: logrus.WithField("component", "sessionlog"),
		now: time.Now,
	}
}

// DefaultPath builds sessionlogs/<role>/<prefix>_<timestamp>.log.
func DefaultPath(role, prefix string, now time.Time) string {
	return filepath.Join("sessionlogs", role, fmt.Sprintf("%s_%s.log", prefix, now.Format("20060102_150405")))
}

// Start opens path for appending, creating parent directories.
func (l *Logger) Start(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logging {
		return fmt.Errorf("sessionlog: already logging")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("sessionlog: create directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("sessionlog: open: %w", err)
	}

	l.file = f
	l.logging = true
	l.start = l.now()
	fmt.Fprintln(f, "=== Session Logging Started ===")
	l.log.Infof("session log started: %s", path)
	return nil
}

// Stop closes the log file.
func (l *Logger) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.logging {
		return
	}
	fmt.Fprintln(l.file, "=== Session Logging Stopped ===")
	l.file.Close()
	l.file = nil
	l.logging = false
}

// IsLogging reports whether the log file is open.
func (l *Logger) IsLogging() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logging
}

// LogAudioStats records a throughput sample for an endpoint.
func (l *Logger) LogAudioStats(bytes int, sampleRate, channels int32, endpoint string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.logging {
		return
	}
	fmt.Fprintf(l.file, "[%8d ms] [AudioStats] bytes=%d sample_rate=%d channels=%d endpoint=%s\n",
		l.elapsedMs(), bytes, sampleRate, channels, endpoint)
}

// LogPacket records one packet's wire metadata.
func (l *Logger) LogPacket(timestamp uint64, size int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.logging {
		return
	}
	fmt.Fprintf(l.file, "[%8d ms] [Packet] timestamp=%d size=%d\n", l.elapsedMs(), timestamp, size)
}

// LogEvent records a free-form session event.
func (l *Logger) LogEvent(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.logging {
		return
	}
	fmt.Fprintf(l.file, "[%8d ms] %s\n", l.elapsedMs(), fmt.Sprintf(format, args...))
}

func (l *Logger) elapsedMs() int64 {
	return l.now().Sub(l.start).Milliseconds()
}
