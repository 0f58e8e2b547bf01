package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestStandardLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf), WithLevel(LevelDebug))

	tests := []struct {
		name  string
		logFn func(string, ...interface{})
		tag   string
	}{
		{"debug", logger.Debug, "[DEBUG]"},
		{"info", logger.Info, "[INFO]"},
		{"warn", logger.Warn, "[WARN]"},
		{"error", logger.Error, "[ERROR]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.logFn("replayed %d journal elements", 3)
			out := buf.String()
			if !strings.Contains(out, tt.tag) || !strings.Contains(out, "replayed 3 journal elements") {
				t.Errorf("unexpected output: %q", out)
			}
		})
	}
}

func TestStandardLoggerFieldsAreSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf), WithInitialFields(map[string]interface{}{
		"lun": 7,
	}))

	logger.WithFields(map[string]interface{}{
		"sector":    "sep_edges",
		"component": "store",
	}).Info("commit")

	out := buf.String()
	want := " component=store lun=7 sector=sep_edges commit"
	if !strings.Contains(out, want) {
		t.Errorf("expected %q in %q", want, out)
	}
}

func TestDerivedLoggerSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	parent := NewStandardLogger(WithOutput(&buf), WithLevel(LevelInfo))
	child := parent.WithField("component", "persist")

	parent.SetLevel(LevelError)
	child.Warn("should not appear")
	child.Error("should appear")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Errorf("level change on parent not seen by child: %q", out)
	}
	if !strings.Contains(out, "component=persist should appear") {
		t.Errorf("missing error line: %q", out)
	}
	if child.GetLevel() != LevelError {
		t.Errorf("expected child level ERROR, got %v", child.GetLevel())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	logger.Error("discarded")
	if logger.GetLevel() <= LevelFatal {
		t.Errorf("nop logger should filter every level, got %v", logger.GetLevel())
	}
}

func TestDefaultLogger(t *testing.T) {
	original := GetDefaultLogger()
	defer SetDefaultLogger(original)

	var buf bytes.Buffer
	SetDefaultLogger(NewStandardLogger(WithOutput(&buf), WithLevel(LevelInfo)))

	Info("bound lun %d", 42)
	if !strings.Contains(buf.String(), "[INFO]") || !strings.Contains(buf.String(), "bound lun 42") {
		t.Errorf("global info logging failed, got: %s", buf.String())
	}
	buf.Reset()

	Component("reader").Warn("short buffer")
	if !strings.Contains(buf.String(), "component=reader short buffer") {
		t.Errorf("component logger failed, got: %s", buf.String())
	}
	buf.Reset()

	SetLevel(LevelError)
	Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected no output below level, got: %s", buf.String())
	}
}
