// Package logger provides leveled, structured key/value logging for the
// update client and its host application.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents the severity level of a log message.
type Level int

const (
	ERROR Level = iota
	WARN
	INFO
	DEBUG
)

var levelNames = map[Level]string{
	ERROR: "ERROR",
	WARN:  "WARN",
	INFO:  "INFO",
	DEBUG: "DEBUG",
}

// Entry represents a single log entry.
type Entry struct {
	Timestamp time.Time
	Level     Level
	Message   string
	Context   map[string]interface{}
}

// Logger provides structured logging with levels. Context is supplied as
// alternating key/value pairs, e.g. log.Info("downloaded", "hash", h).
type Logger struct {
	mu            sync.RWMutex
	level         Level
	logDir        string
	currentFile   *os.File
	currentPath   string
	buffer        []Entry
	maxBufferSize int
	maxFileSizeMB int
	consoleOutput bool
	rateLimiters  map[string]time.Time
}

// New creates a Logger that keeps the last maxBufferSize entries in memory.
// If logDir is non-empty, entries are also appended to a rotating log file.
func New(level Level, logDir string, maxBufferSize int) *Logger {
	if maxBufferSize <= 0 {
		maxBufferSize = 500
	}
	return &Logger{
		level:         level,
		logDir:        logDir,
		buffer:        make([]Entry, 0, maxBufferSize),
		maxBufferSize: maxBufferSize,
		maxFileSizeMB: 20,
		consoleOutput: true,
		rateLimiters:  make(map[string]time.Time),
	}
}

// SetConsoleOutput enables or disables writing entries to stdout.
func (l *Logger) SetConsoleOutput(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consoleOutput = enabled
}

// SetLevel changes the current log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

// Error logs an error level message.
func (l *Logger) Error(msg string, context ...interface{}) {
	l.log(ERROR, msg, context...)
}

// Warn logs a warning level message.
func (l *Logger) Warn(msg string, context ...interface{}) {
	l.log(WARN, msg, context...)
}

// WarnRateLimited logs a warning at most once per interval for a given key.
func (l *Logger) WarnRateLimited(key string, interval time.Duration, msg string, context ...interface{}) {
	l.mu.Lock()
	now := time.Now()
	if last, ok := l.rateLimiters[key]; ok && now.Sub(last) < interval {
		l.mu.Unlock()
		return
	}
	l.rateLimiters[key] = now
	l.mu.Unlock()

	l.log(WARN, msg, context...)
}

// Info logs an info level message.
func (l *Logger) Info(msg string, context ...interface{}) {
	l.log(INFO, msg, context...)
}

// Debug logs a debug level message.
func (l *Logger) Debug(msg string, context ...interface{}) {
	l.log(DEBUG, msg, context...)
}

func (l *Logger) log(level Level, msg string, context ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level > l.level {
		return
	}

	ctx := make(map[string]interface{})
	for i := 0; i < len(context)-1; i += 2 {
		if key, ok := context[i].(string); ok {
			ctx[key] = context[i+1]
		}
	}

	entry := Entry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   msg,
		Context:   ctx,
	}

	if len(l.buffer) >= l.maxBufferSize {
		l.buffer = l.buffer[1:]
	}
	l.buffer = append(l.buffer, entry)

	if l.consoleOutput {
		fmt.Println(formatEntry(entry))
	}

	if l.logDir != "" {
		l.writeToFile(entry)
	}
}

func (l *Logger) writeToFile(entry Entry) {
	if err := os.MkdirAll(l.logDir, 0o755); err != nil {
		return
	}

	if l.currentFile == nil {
		filename := filepath.Join(l.logDir, "updater.log")
		f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return
		}
		l.currentFile = f
		l.currentPath = filename
	}

	l.currentFile.WriteString(formatEntry(entry) + "\n")

	if l.shouldRotate() {
		l.rotate()
	}
}

func formatEntry(entry Entry) string {
	line := fmt.Sprintf("%s [%s] %s",
		entry.Timestamp.Format("2006-01-02T15:04:05-07:00"),
		levelNames[entry.Level],
		entry.Message)
	for k, v := range entry.Context {
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	return line
}

func (l *Logger) shouldRotate() bool {
	if l.maxFileSizeMB <= 0 || l.currentFile == nil {
		return false
	}
	stat, err := l.currentFile.Stat()
	if err != nil {
		return false
	}
	return stat.Size() >= int64(l.maxFileSizeMB)*1024*1024
}

func (l *Logger) rotate() {
	if l.currentFile == nil {
		return
	}
	l.currentFile.Close()
	l.currentFile = nil

	if l.currentPath != "" {
		timestamp := time.Now().Format("20060102_150405")
		backup := filepath.Join(l.logDir, fmt.Sprintf("updater_%s.log", timestamp))
		os.Rename(l.currentPath, backup)
	}
}

// Buffer returns a copy of the in-memory log buffer.
func (l *Logger) Buffer() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	buffer := make([]Entry, len(l.buffer))
	copy(buffer, l.buffer)
	return buffer
}

// Copy writes all buffered entries to a writer.
func (l *Logger) Copy(w io.Writer) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, entry := range l.buffer {
		if _, err := fmt.Fprintln(w, formatEntry(entry)); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the current log file, if open.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.currentFile != nil {
		err := l.currentFile.Close()
		l.currentFile = nil
		return err
	}
	return nil
}

// LevelFromString converts a string to a Level, defaulting to INFO.
func LevelFromString(s string) Level {
	switch s {
	case "ERROR", "error":
		return ERROR
	case "WARN", "warn":
		return WARN
	case "INFO", "info":
		return INFO
	case "DEBUG", "debug":
		return DEBUG
	default:
		return INFO
	}
}
