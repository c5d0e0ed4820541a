package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pingsantohq/hostsync/internal/agent"
)

func TestRunWithoutArgsPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), nil, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "Usage:") {
		t.Fatalf("expected usage, got %q", stderr.String())
	}
}

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"help"}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(stdout.String(), "hostsync run") {
		t.Fatalf("expected usage on stdout, got %q", stdout.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"enroll"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "unknown command: enroll") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestCommandErrorExitsOne(t *testing.T) {
	var stdout, stderr bytes.Buffer
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	if code := run(context.Background(), []string{"once", "--config", missing}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.HasPrefix(stderr.String(), "command once failed: ") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestPanicIsReported(t *testing.T) {
	commands["boom"] = func(context.Context, []string, agent.Dependencies) error { panic("kaboom") }
	defer delete(commands, "boom")

	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"boom"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "command boom failed: panic: kaboom") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestAbsentPlatformExitsZero(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "agent.yaml")
	if err := os.WriteFile(cfgPath, []byte("platform:\n  mode: absent\ndiscovery:\n  backend: static\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOSTSYNC_PLATFORM", "")

	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"run", "--config", cfgPath}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
}
