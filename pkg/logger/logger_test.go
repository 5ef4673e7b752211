package logger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func capture(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := Default()
	SetDefault(NewWithLevel(&buf, level))
	t.Cleanup(func() { SetDefault(prev) })
	return &buf
}

func TestInfoWithFields(t *testing.T) {
	buf := capture(t, slog.LevelInfo)

	Info(context.Background(), "user connected", Fields{
		"zebra":   "last",
		"user_id": "42",
		"conns":   2,
	})

	output := buf.String()
	for _, want := range []string{"level=INFO", `msg="user connected"`, "zebra=last", "user_id=42", "conns=2", "instance="} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q: %s", want, output)
		}
	}
}

func TestNilAndEmptyFields(t *testing.T) {
	buf := capture(t, slog.LevelInfo)

	Info(context.Background(), "nil fields", nil)
	Info(context.Background(), "empty fields", Fields{})

	output := buf.String()
	if !strings.Contains(output, `msg="nil fields"`) || !strings.Contains(output, `msg="empty fields"`) {
		t.Errorf("messages missing: %s", output)
	}
	if strings.Contains(output, "[]") {
		t.Error("empty brackets in output")
	}
}

func TestErrorLogger(t *testing.T) {
	buf := capture(t, slog.LevelInfo)

	Error(context.Background(), "write failed", errors.New("broken pipe"), Fields{"user_id": "7"})
	Error(context.Background(), "no cause", nil, nil)

	output := buf.String()
	for _, want := range []string{"level=ERROR", `msg="write failed"`, `error="broken pipe"`, "user_id=7", `msg="no cause"`} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q: %s", want, output)
		}
	}
}

func TestWarnLogger(t *testing.T) {
	buf := capture(t, slog.LevelInfo)

	Warn(context.Background(), "send buffer full", Fields{"dropped": 3})

	output := buf.String()
	if !strings.Contains(output, "level=WARN") || !strings.Contains(output, "dropped=3") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestDebugFilteredByLevel(t *testing.T) {
	buf := capture(t, slog.LevelInfo)
	Debug(context.Background(), "hidden", nil)
	if buf.Len() != 0 {
		t.Errorf("debug message logged at info level: %s", buf.String())
	}

	buf = capture(t, slog.LevelDebug)
	Debug(context.Background(), "shown", nil)
	if !strings.Contains(buf.String(), `msg=shown`) {
		t.Errorf("debug message missing at debug level: %s", buf.String())
	}
}

func TestShortSourcePath(t *testing.T) {
	buf := capture(t, slog.LevelInfo)

	Default().Info("with source")

	output := buf.String()
	if !strings.Contains(output, "source=logger_test.go:") {
		t.Errorf("source not shortened: %s", output)
	}
	if strings.Contains(output, "/logger_test.go") {
		t.Errorf("source still has a directory: %s", output)
	}
}

func TestComponent(t *testing.T) {
	buf := capture(t, slog.LevelInfo)

	Component("hub").Info("started")

	if !strings.Contains(buf.String(), "component=hub") {
		t.Errorf("component attr missing: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSetDefaultIgnoresNil(t *testing.T) {
	prev := Default()
	SetDefault(nil)
	if Default() != prev {
		t.Error("SetDefault(nil) replaced the logger")
	}
}

func TestLargeNumberOfFields(t *testing.T) {
	buf := capture(t, slog.LevelInfo)

	fields := make(Fields, 100)
	for i := range 100 {
		fields[fmt.Sprintf("field%03d", i)] = i
	}
	Info(context.Background(), "many fields", fields)

	output := buf.String()
	if !strings.Contains(output, "field000=0") || !strings.Contains(output, "field099=99") {
		t.Error("first or last field missing")
	}
}
