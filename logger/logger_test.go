package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoggerLevels(t *testing.T) {
	t.Parallel()

	log := New(INFO, "", 100)
	log.SetConsoleOutput(false)
	defer log.Close()

	log.Error("error message")
	log.Warn("warn message")
	log.Info("info message")
	log.Debug("debug message") // below the INFO threshold

	buffer := log.Buffer()
	if len(buffer) != 3 {
		t.Fatalf("expected 3 log entries, got %d", len(buffer))
	}
	if buffer[0].Level != ERROR || buffer[0].Message != "error message" {
		t.Errorf("first entry should be ERROR, got %v", buffer[0])
	}
	if buffer[2].Level != INFO || buffer[2].Message != "info message" {
		t.Errorf("third entry should be INFO, got %v", buffer[2])
	}
}

func TestLoggerContext(t *testing.T) {
	t.Parallel()

	log := New(INFO, "", 100)
	log.SetConsoleOutput(false)
	defer log.Close()

	log.Info("test message", "key1", "value1", "key2", 42)

	buffer := log.Buffer()
	if len(buffer) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(buffer))
	}
	if buffer[0].Context["key1"] != "value1" {
		t.Errorf("expected context key1=value1, got %v", buffer[0].Context["key1"])
	}
	if buffer[0].Context["key2"] != 42 {
		t.Errorf("expected context key2=42, got %v", buffer[0].Context["key2"])
	}
}

func TestLoggerFileOutput(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	log := New(INFO, tmpDir, 100)
	log.SetConsoleOutput(false)

	log.Info("written to disk", "attempt", 1)
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(tmpDir, "updater.log"))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to disk") {
		t.Errorf("log file missing message, got %q", string(data))
	}
	if !strings.Contains(string(data), "attempt=1") {
		t.Errorf("log file missing context, got %q", string(data))
	}
}

func TestLoggerBufferCap(t *testing.T) {
	t.Parallel()

	log := New(INFO, "", 5)
	log.SetConsoleOutput(false)
	defer log.Close()

	for i := 0; i < 10; i++ {
		log.Info("entry", "i", i)
	}

	buffer := log.Buffer()
	if len(buffer) != 5 {
		t.Fatalf("expected buffer capped at 5, got %d", len(buffer))
	}
	if buffer[0].Context["i"] != 5 {
		t.Errorf("expected oldest retained entry i=5, got %v", buffer[0].Context["i"])
	}
}

func TestWarnRateLimited(t *testing.T) {
	t.Parallel()

	log := New(WARN, "", 100)
	log.SetConsoleOutput(false)
	defer log.Close()

	log.WarnRateLimited("k", time.Minute, "first")
	log.WarnRateLimited("k", time.Minute, "suppressed")
	log.WarnRateLimited("other", time.Minute, "different key")

	buffer := log.Buffer()
	if len(buffer) != 2 {
		t.Fatalf("expected 2 entries after rate limiting, got %d", len(buffer))
	}
}

func TestLevelFromString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Level
	}{
		{"ERROR", ERROR},
		{"warn", WARN},
		{"info", INFO},
		{"DEBUG", DEBUG},
		{"bogus", INFO},
	}
	for _, tc := range cases {
		if got := LevelFromString(tc.in); got != tc.want {
			t.Errorf("LevelFromString(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
