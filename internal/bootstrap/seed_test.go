package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureGroupWorkspaceSeedsInstructions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "family")
	if err := EnsureGroupWorkspace(dir); err != nil {
		t.Fatalf("EnsureGroupWorkspace: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "logs")); err != nil {
		t.Errorf("logs dir missing: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(dir, InstructionsFile))
	if err != nil {
		t.Fatalf("instructions missing: %v", err)
	}
	if !strings.Contains(string(content), "Group Workspace") {
		t.Errorf("unexpected instructions content: %q", content)
	}
}

func TestEnsureGroupWorkspaceKeepsExistingInstructions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "family")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	custom := []byte("my customized instructions\n")
	if err := os.WriteFile(filepath.Join(dir, InstructionsFile), custom, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := EnsureGroupWorkspace(dir); err != nil {
		t.Fatalf("EnsureGroupWorkspace: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, InstructionsFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(custom) {
		t.Error("existing instructions were overwritten")
	}
}

func TestEnsureEmailWorkspaceSeedsEmailInstructions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "email-alice-example-com")
	if err := EnsureEmailWorkspace(dir); err != nil {
		t.Fatalf("EnsureEmailWorkspace: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(dir, InstructionsFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "email replies") {
		t.Errorf("unexpected instructions content: %q", content)
	}
}
