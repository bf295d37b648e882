package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mrelay/internal/config"
)

// TestColorLineWriter_HighlightsLevelAndTokens verifies level and token coloring.
// Params: testing.T for assertions.
// Returns: none.
func TestColorLineWriter_HighlightsLevelAndTokens(t *testing.T) {
	var dst bytes.Buffer
	writer := &colorLineWriter{dst: &dst}

	line := `level=INFO msg="hello" peer=10.20.30.40 retries=3`
	if _, err := writer.Write([]byte(line)); err != nil {
		t.Fatalf("write: %v", err)
	}

	rendered := dst.String()
	if !strings.HasPrefix(rendered, ansiBlue) {
		t.Fatalf("expected INFO line base color")
	}
	if !strings.Contains(rendered, ansiGreen+`"hello"`+ansiReset+ansiBlue) {
		t.Fatalf("expected quoted string token color")
	}
	if !strings.Contains(rendered, ansiCyan+`10.20.30.40`+ansiReset+ansiBlue) {
		t.Fatalf("expected IP token color")
	}
	if !strings.Contains(rendered, ansiYellow+`3`+ansiReset+ansiBlue) {
		t.Fatalf("expected number token color")
	}
	if !strings.HasSuffix(rendered, ansiReset) {
		t.Fatalf("expected trailing reset sequence")
	}
}

// TestColorLineWriter_NoLevelColor verifies passthrough for unknown levels.
// Params: testing.T for assertions.
// Returns: none.
func TestColorLineWriter_NoLevelColor(t *testing.T) {
	var dst bytes.Buffer
	writer := &colorLineWriter{dst: &dst}

	line := `msg="plain" value=42`
	if _, err := writer.Write([]byte(line)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if got := dst.String(); got != line {
		t.Fatalf("expected passthrough line, got %q", got)
	}
}

// TestColorLineWriter_PreservesNewline verifies reset is written before the line break.
// Params: testing.T for assertions.
// Returns: none.
func TestColorLineWriter_PreservesNewline(t *testing.T) {
	var dst bytes.Buffer
	writer := &colorLineWriter{dst: &dst}

	line := "level=WARN msg=x endpoint=10.0.0.1:8086\n"
	n, err := writer.Write([]byte(line))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != len(line) {
		t.Fatalf("unexpected written length: %d", n)
	}

	rendered := dst.String()
	if !strings.HasPrefix(rendered, ansiYellow) {
		t.Fatalf("expected WARN line base color")
	}
	if !strings.HasSuffix(rendered, ansiReset+"\n") {
		t.Fatalf("expected reset before newline, got %q", rendered)
	}
	if !strings.Contains(rendered, ansiCyan+"10.0.0.1:8086"+ansiReset) {
		t.Fatalf("expected host:port token color")
	}
}

// TestNew_FileSinkWritesJSON verifies file sink output and idempotent close.
// Params: testing.T for assertions.
// Returns: none.
func TestNew_FileSinkWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "relay.log")

	logger, closeFn, err := New(config.LogConfig{
		File: config.LogSinkConfig{Enabled: true, Level: "info", Format: "json", Path: path},
	})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Debug("hidden")
	logger.Info("emit", slog.String("measurement", "cpu_ip_info"))
	closeFn()
	closeFn()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), raw)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["msg"] != "emit" || entry["measurement"] != "cpu_ip_info" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

// TestNew_RejectsUnknownLevel verifies sink level validation.
// Params: testing.T for assertions.
// Returns: none.
func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, _, err := New(config.LogConfig{
		Console: config.LogSinkConfig{Enabled: true, Level: "trace", Format: "line"},
	})
	if err == nil {
		t.Fatalf("expected error")
	}
}

// TestFanoutHandler_RespectsPerSinkLevel verifies each sink filters by its own level.
// Params: testing.T for assertions.
// Returns: none.
func TestFanoutHandler_RespectsPerSinkLevel(t *testing.T) {
	var debugOut, warnOut bytes.Buffer
	handler := fanoutHandler{
		slog.NewTextHandler(&debugOut, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warnOut, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}
	logger := slog.New(handler).With(slog.String("sink", "influxdb"))

	logger.Debug("dial sink")
	logger.Warn("emit failed")

	if got := strings.Count(debugOut.String(), "\n"); got != 2 {
		t.Fatalf("expected 2 debug sink lines, got %d", got)
	}
	if got := strings.Count(warnOut.String(), "\n"); got != 1 {
		t.Fatalf("expected 1 warn sink line, got %d", got)
	}
	if !strings.Contains(warnOut.String(), "sink=influxdb") {
		t.Fatalf("expected attrs propagated to all sinks")
	}
}
