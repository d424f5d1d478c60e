// This file may be distributed under the terms of the GNU GPLv3 license.
package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newTestLogger(prefix string) (*Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	l := New(prefix)
	l.SetWriter(buf)
	l.SetLevel(DEBUG)
	l.SetColorize(false)
	return l, buf
}

func TestLoggerTextLine(t *testing.T) {
	logger, buf := newTestLogger("motion")

	logger.Info("homed %d axes", 3)

	out := buf.String()
	for _, want := range []string{"[INFO ]", "motion:", "homed 3 axes"} {
		if !strings.Contains(out, want) {
			t.Errorf("line missing %q: %s", want, out)
		}
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	logger, buf := newTestLogger("motion")
	logger.SetLevel(WARN)

	logger.Debug("dropped")
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("levels below WARN leaked: %s", buf.String())
	}

	logger.Warn("kept")
	logger.Error("kept too")
	out := buf.String()
	if !strings.Contains(out, "kept") || !strings.Contains(out, "kept too") {
		t.Errorf("WARN/ERROR filtered: %s", out)
	}
}

func TestLoggerJSON(t *testing.T) {
	logger, buf := newTestLogger("motion")
	logger.SetFormat(FormatJSON)

	logger.Info("json test")

	var entry JSONLogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse JSON: %v, output: %s", err, buf.String())
	}
	if entry.Level != "INFO" || entry.Logger != "motion" || entry.Message != "json test" {
		t.Errorf("entry = %+v", entry)
	}
}

func TestLoggerFieldsText(t *testing.T) {
	logger, buf := newTestLogger("motion")

	logger.WithField("axis", "x").Info("limit engaged")

	if !strings.Contains(buf.String(), "axis=x") {
		t.Errorf("field missing: %s", buf.String())
	}
}

func TestLoggerFieldsJSON(t *testing.T) {
	logger, buf := newTestLogger("motion")
	logger.SetFormat(FormatJSON)

	logger.WithFields(Fields{"axis": "z", "state": "homing"}).Info("cycle start")

	var entry JSONLogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse JSON: %v", err)
	}
	if entry.Fields["axis"] != "z" || entry.Fields["state"] != "homing" {
		t.Errorf("fields = %v", entry.Fields)
	}
}

func TestLoggerWithError(t *testing.T) {
	logger, buf := newTestLogger("motion")
	logger.SetFormat(FormatJSON)

	logger.WithError(errors.New("timer stalled")).Error("scheduler fault")

	var entry JSONLogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse JSON: %v", err)
	}
	if entry.Fields == nil || entry.Fields["error"] != "timer stalled" {
		t.Errorf("error field = %v", entry.Fields)
	}
}

func TestLoggerCaller(t *testing.T) {
	logger, buf := newTestLogger("motion")
	logger.SetCaller(true)

	logger.Info("caller test")

	if !strings.Contains(buf.String(), "logger_test.go:") {
		t.Errorf("caller missing: %s", buf.String())
	}
}

func TestEntryCaller(t *testing.T) {
	logger, buf := newTestLogger("motion")
	logger.SetCaller(true)

	logger.WithField("k", 1).Info("caller test")

	if !strings.Contains(buf.String(), "logger_test.go:") {
		t.Errorf("caller missing: %s", buf.String())
	}
}

func TestEntryChaining(t *testing.T) {
	logger, buf := newTestLogger("motion")
	logger.SetFormat(FormatJSON)

	base := logger.WithField("a", 1)
	base.WithField("b", 2).WithFields(Fields{"c": 3}).Info("chained")

	var entry JSONLogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse JSON: %v", err)
	}
	if len(entry.Fields) != 3 {
		t.Errorf("fields = %v, want a, b and c", entry.Fields)
	}

	// The base entry is untouched by the chain.
	buf.Reset()
	base.Info("base")
	entry = JSONLogEntry{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse JSON: %v", err)
	}
	if len(entry.Fields) != 1 {
		t.Errorf("base fields = %v, want just a", entry.Fields)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  LogLevel
	}{
		{"DEBUG", DEBUG},
		{"debug", DEBUG},
		{"INFO", INFO},
		{"WARN", WARN},
		{"WARNING", WARN},
		{"error", ERROR},
		{"invalid", INFO},
		{"", INFO},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestLogLevelString(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  string
	}{
		{DEBUG, "DEBUG"},
		{INFO, "INFO"},
		{WARN, "WARN"},
		{ERROR, "ERROR"},
		{LogLevel(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("LogLevel(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestConfigureFromEnv(t *testing.T) {
	t.Setenv("MOTION_LOG_FORMAT", "json")
	t.Setenv("MOTION_LOG_CALLER", "1")
	t.Setenv("NO_COLOR", "1")

	logger, buf := newTestLogger("motion")
	ConfigureFromEnv(logger)

	logger.Info("env test")

	var entry JSONLogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON output: %v, got %s", err, buf.String())
	}
	if entry.Caller == "" {
		t.Error("caller not enabled")
	}
}

func BenchmarkLoggerText(b *testing.B) {
	var buf bytes.Buffer
	logger := New("bench")
	logger.SetWriter(&buf)
	logger.SetColorize(false)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		logger.Info("benchmark message %d", i)
	}
}

func BenchmarkLoggerFiltered(b *testing.B) {
	var buf bytes.Buffer
	logger := New("bench")
	logger.SetWriter(&buf)
	logger.SetLevel(ERROR)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info("dropped")
	}
}
