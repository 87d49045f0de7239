// Package bootstrap seeds workspace folders with their instruction files.
package bootstrap

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

// InstructionsFile is the instruction document agents read from the root of
// their mounted workspace.
const InstructionsFile = "CLAUDE.md"

// EnsureGroupWorkspace creates the workspace folder for a chat group and
// seeds its instructions on first use. Existing files are never overwritten.
func EnsureGroupWorkspace(dir string) error {
	return ensureWorkspace(dir, "group.md")
}

// EnsureEmailWorkspace does the same for an email sender context.
func EnsureEmailWorkspace(dir string) error {
	return ensureWorkspace(dir, "email.md")
}

func ensureWorkspace(dir, template string) error {
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		return fmt.Errorf("create workspace %s: %w", dir, err)
	}
	_, err := seedTemplate(dir, template)
	return err
}

// seedTemplate writes an embedded template as the workspace instructions
// unless they already exist. Reports whether the file was created.
func seedTemplate(dir, template string) (bool, error) {
	dst := filepath.Join(dir, InstructionsFile)

	// O_EXCL keeps a concurrent registration from clobbering user edits.
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", template))
	if err != nil {
		os.Remove(dst)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
