package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"fleet/internal/domain/task"
)

func TestParseDeadlineDuration(t *testing.T) {
	before := time.Now().Add(90 * time.Minute)
	at, err := parseDeadline("90m")
	after := time.Now().Add(90 * time.Minute)
	if err != nil {
		t.Fatalf("parseDeadline returned error: %v", err)
	}
	if at.Before(before) || at.After(after) {
		t.Fatalf("expected deadline ~90m out, got %s", at)
	}
}

func TestParseDeadlineRFC3339(t *testing.T) {
	at, err := parseDeadline("2026-09-01T12:00:00Z")
	if err != nil {
		t.Fatalf("parseDeadline returned error: %v", err)
	}
	want := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Fatalf("expected %s, got %s", want, at)
	}
}

func TestParseDeadlineRejectsGarbage(t *testing.T) {
	if _, err := parseDeadline("next tuesday"); err == nil {
		t.Fatal("expected an error for a non-time deadline")
	}
	if _, err := parseDeadline("-5m"); err == nil {
		t.Fatal("expected an error for a negative duration")
	}
}

func TestLoadTaskFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.yaml")
	content := `title: nightly fixture refresh
prompt: |
  refresh the staging fixtures
  and report row counts
priority: 5
target_agent: coder
capabilities: [postgres, python]
deadline: 2026-09-01T12:00:00Z
notify_email: ops@example.com
metadata:
  source: cron
max_attempts: 2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write task file: %v", err)
	}

	req, err := loadTaskFile(path)
	if err != nil {
		t.Fatalf("loadTaskFile returned error: %v", err)
	}
	if req.Title != "nightly fixture refresh" {
		t.Fatalf("unexpected title: %q", req.Title)
	}
	if !strings.Contains(req.Prompt, "report row counts") {
		t.Fatalf("unexpected prompt: %q", req.Prompt)
	}
	if req.Priority != 5 || req.TargetAgentName != "coder" || req.MaxAttempts != 2 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if len(req.RequiredCapabilities) != 2 || req.RequiredCapabilities[0] != "postgres" {
		t.Fatalf("unexpected capabilities: %v", req.RequiredCapabilities)
	}
	if req.Metadata["source"] != "cron" {
		t.Fatalf("unexpected metadata: %v", req.Metadata)
	}
	if req.DeadlineAt == nil || req.DeadlineAt.UTC() != time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC) {
		t.Fatalf("unexpected deadline: %v", req.DeadlineAt)
	}
}

func TestLoadTaskFileRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.yaml")
	if err := os.WriteFile(path, []byte("prompt: x\npirority: 5\n"), 0o644); err != nil {
		t.Fatalf("write task file: %v", err)
	}
	if _, err := loadTaskFile(path); err == nil {
		t.Fatal("expected an error for a misspelled field")
	}
}

func TestStatusLabelPadsBeforeColoring(t *testing.T) {
	old := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = old }()

	got := statusLabel(task.RunQueued, 12)
	if got != "queued      " {
		t.Fatalf("expected padded label, got %q", got)
	}
	if statusLabel(task.RunFailed, 0) != "failed" {
		t.Fatalf("expected unpadded label for width 0")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 20); got != "short" {
		t.Fatalf("unexpected truncation of short string: %q", got)
	}
	got := truncate("a-very-long-worker-identifier", 10)
	if got != "a-very-..." {
		t.Fatalf("unexpected truncation: %q", got)
	}
	if len(got) != 10 {
		t.Fatalf("expected length 10, got %d", len(got))
	}
}

func TestTerminalExitError(t *testing.T) {
	if err := terminalExitError(&task.TaskRun{ID: "r1", Status: task.RunCompleted}); err != nil {
		t.Fatalf("completed run should exit clean, got: %v", err)
	}

	err := terminalExitError(&task.TaskRun{ID: "r1", Status: task.RunFailed, LastError: "agent exploded"})
	if err == nil || !strings.Contains(err.Error(), "agent exploded") {
		t.Fatalf("expected failure reason in error, got: %v", err)
	}

	err = terminalExitError(&task.TaskRun{ID: "r1", Status: task.RunCancelled})
	if err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Fatalf("expected cancellation error, got: %v", err)
	}
}
