package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "crew dev") || !strings.Contains(out, "commit: none") {
		t.Errorf("unexpected version output: %s", out)
	}
}

func TestTaskLifecycle(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CREW_HOME", home)

	out, err := runCLI(t, "task", "add", "--title", "Write the README", "--description", "Cover install and usage.")
	if err != nil {
		t.Fatalf("task add: %v", err)
	}
	if !strings.Contains(out, "Created task") || !strings.Contains(out, "default/backlog") {
		t.Fatalf("unexpected add output: %s", out)
	}
	id := strings.Fields(out)[2]

	out, err = runCLI(t, "task", "list")
	if err != nil {
		t.Fatalf("task list: %v", err)
	}
	if !strings.Contains(out, id) || !strings.Contains(out, "Write the README") {
		t.Fatalf("task missing from list: %s", out)
	}

	out, err = runCLI(t, "task", "move", id, "done")
	if err != nil {
		t.Fatalf("task move: %v", err)
	}
	if !strings.HasPrefix(out, "APPLIED") {
		t.Fatalf("unexpected move output: %s", out)
	}

	out, err = runCLI(t, "task", "move", id, "backlog")
	if err == nil {
		t.Fatal("moving out of done should fail")
	}
	if !strings.HasPrefix(out, "REJECTED") {
		t.Fatalf("unexpected rejection output: %s", out)
	}

	out, err = runCLI(t, "task", "show", id)
	if err != nil {
		t.Fatalf("task show: %v", err)
	}
	if !strings.Contains(out, "Column:      done") || !strings.Contains(out, "Cover install and usage.") {
		t.Fatalf("unexpected show output: %s", out)
	}
}

func TestTaskMoveRejectsUnknownColumn(t *testing.T) {
	t.Setenv("CREW_HOME", t.TempDir())
	if _, err := runCLI(t, "task", "move", "t1", "archived"); err == nil {
		t.Fatal("expected error for unknown column")
	}
}

func TestHistoryEmpty(t *testing.T) {
	t.Setenv("CREW_HOME", t.TempDir())
	out, err := runCLI(t, "history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "TYPE") {
		t.Fatalf("missing header: %s", out)
	}
}

func TestOneLine(t *testing.T) {
	if got := oneLine("a\n  b\tc", 80); got != "a b c" {
		t.Fatalf("oneLine = %q", got)
	}
	if got := oneLine(strings.Repeat("x", 10), 5); got != "xxxx…" {
		t.Fatalf("oneLine truncate = %q", got)
	}
}

func TestHomeFlag(t *testing.T) {
	t.Setenv("CREW_HOME", "")
	home := t.TempDir()
	if _, err := runCLI(t, "--home", home, "task", "add", "--title", "Pick a name"); err != nil {
		t.Fatalf("task add: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "crew.db")); err != nil {
		t.Fatalf("database not created under --home: %v", err)
	}
}
