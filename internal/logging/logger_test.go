package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerWritesJSON(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(dir, LevelDebug)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.WithRun("run-1").WithTurn(3).Info("turn completed", "message_type", "proposal")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "debug.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}

	line := strings.TrimSpace(string(data))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}

	if entry["run_id"] != "run-1" {
		t.Errorf("run_id = %v, want run-1", entry["run_id"])
	}
	if entry["turn_sequence"] != float64(3) {
		t.Errorf("turn_sequence = %v, want 3", entry["turn_sequence"])
	}
	if entry["message_type"] != "proposal" {
		t.Errorf("message_type = %v, want proposal", entry["message_type"])
	}
	if entry["msg"] != "turn completed" {
		t.Errorf("msg = %v, want 'turn completed'", entry["msg"])
	}
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(dir, LevelWarn)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.Debug("dropped")
	logger.Info("dropped too")
	logger.Warn("kept")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "debug.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}

	out := string(data)
	if strings.Contains(out, "dropped") {
		t.Errorf("sub-WARN messages should be filtered, got: %s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("WARN message missing, got: %s", out)
	}
}

func TestChildLoggerDoesNotMutateParent(t *testing.T) {
	parent := NopLogger()
	child := parent.WithRun("run-9")

	if len(parent.attrs) != 0 {
		t.Errorf("parent attrs mutated: %v", parent.attrs)
	}
	if len(child.attrs) != 1 {
		t.Errorf("child attrs = %d, want 1", len(child.attrs))
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"Warn", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
