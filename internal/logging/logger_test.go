package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestConsoleHandlerFormatsComponentAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	logger := slog.New(newConsoleHandler(&buf, lvl))

	logger.With(String(FieldComponent, "dispatch")).Info("worker registered",
		String(FieldWorker, "w1"),
		Int("queued", 2),
	)

	line := buf.String()
	if !strings.Contains(line, "INFO dispatch: worker registered") {
		t.Fatalf("unexpected line: %q", line)
	}
	if !strings.Contains(line, "worker=w1") || !strings.Contains(line, "queued=2") {
		t.Fatalf("missing attrs in line: %q", line)
	}
}

func TestConsoleHandlerQuotesAwkwardValues(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	logger := slog.New(newConsoleHandler(&buf, lvl))

	logger.Warn("poll rejected", String("reason", "name in use"), Error(errors.New("boom boom")))

	line := buf.String()
	if !strings.Contains(line, `reason="name in use"`) {
		t.Fatalf("expected quoted value, got %q", line)
	}
	if !strings.Contains(line, `error="boom boom"`) {
		t.Fatalf("expected quoted error, got %q", line)
	}
}

func TestConsoleHandlerHonorsLevel(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	lvl.Set(slog.LevelWarn)
	logger := slog.New(newConsoleHandler(&buf, lvl))

	logger.Info("dropped")
	logger.Warn("kept")

	if strings.Contains(buf.String(), "dropped") {
		t.Fatalf("info line should have been filtered: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn line missing: %q", buf.String())
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestNopLoggerIsSilent(t *testing.T) {
	logger := NewNop()
	logger.Error("should not panic or emit", String("k", "v"))
}
