// This file may be distributed under the terms of the GNU GPLv3 license.
package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingFileWriter(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")

	writer, err := NewRotatingFileWriter(RotationConfig{
		Filename:   logFile,
		MaxSize:    1,
		MaxBackups: 3,
	})
	if err != nil {
		t.Fatalf("NewRotatingFileWriter: %v", err)
	}
	defer writer.Close()

	msg := "test log message\n"
	n, err := writer.Write([]byte(msg))
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if n != len(msg) {
		t.Errorf("wrote %d bytes, want %d", n, len(msg))
	}
	if _, err := os.Stat(logFile); err != nil {
		t.Errorf("log file not created: %v", err)
	}
	if writer.CurrentSize() != int64(len(msg)) {
		t.Errorf("size = %d, want %d", writer.CurrentSize(), len(msg))
	}
}

func TestRotatingFileWriterRotation(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "test.log")

	writer, err := NewRotatingFileWriter(RotationConfig{
		Filename:   logFile,
		MaxSize:    1,
		MaxBackups: 3,
	})
	if err != nil {
		t.Fatalf("NewRotatingFileWriter: %v", err)
	}
	defer writer.Close()

	// Push the tracked size past the limit so the next write rotates.
	writer.mu.Lock()
	writer.currentSize = writer.maxSize + 1
	writer.mu.Unlock()

	if _, err := writer.Write([]byte("after rotation\n")); err != nil {
		t.Fatalf("write after rotation failed: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	found := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "test.") && e.Name() != "test.log" {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected a rotated file")
	}
}

func TestNewFileLogger(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "app.log")

	logger, writer, err := NewFileLogger("test", RotationConfig{Filename: logFile})
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	defer writer.Close()

	logger.SetLevel(DEBUG)
	logger.Info("test message")

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "test message") {
		t.Errorf("log file missing expected content: %s", content)
	}
}

func TestIsRotatedFile(t *testing.T) {
	tests := []struct {
		name     string
		prefix   string
		ext      string
		expected bool
	}{
		{"test.20260121-153000.log", "test", ".log", true},
		{"test.20260121-153000.log.gz", "test", ".log", true},
		{"test.log", "test", ".log", false},
		{"test.backup.log", "test", ".log", false},
		{"test.12345678-123456.log", "test", ".log", true},
		{"other.20260121-153000.log", "test", ".log", false},
	}
	for _, tt := range tests {
		if got := isRotatedFile(tt.name, tt.prefix, tt.ext); got != tt.expected {
			t.Errorf("isRotatedFile(%q, %q, %q) = %v, want %v",
				tt.name, tt.prefix, tt.ext, got, tt.expected)
		}
	}
}

func TestRotationConfigDefaults(t *testing.T) {
	writer, err := NewRotatingFileWriter(RotationConfig{
		Filename: filepath.Join(t.TempDir(), "test.log"),
	})
	if err != nil {
		t.Fatalf("NewRotatingFileWriter: %v", err)
	}
	defer writer.Close()

	if writer.maxSize != 10*1024*1024 {
		t.Errorf("maxSize = %d, want 10MB", writer.maxSize)
	}
	if writer.maxBackups != 5 {
		t.Errorf("maxBackups = %d, want 5", writer.maxBackups)
	}
}

func TestRotationConfigEmptyFilename(t *testing.T) {
	if _, err := NewRotatingFileWriter(RotationConfig{}); err == nil {
		t.Error("expected error for empty filename")
	}
}
