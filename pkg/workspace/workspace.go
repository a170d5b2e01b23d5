// Package workspace allocates and confines per-build directories.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Manager creates and destroys per-build workspaces under a root
// directory, or under the system temp dir when no root is configured.
type Manager struct {
	root string
}

// NewManager creates a workspace manager. root may be empty.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Allocate creates an empty directory owned by the build and returns
// its absolute path.
func (m *Manager) Allocate(buildID string) (string, error) {
	if m.root == "" {
		dir, err := os.MkdirTemp("", "build-"+buildID+"-")
		if err != nil {
			return "", fmt.Errorf("allocating temp workspace: %w", err)
		}
		return dir, nil
	}

	dir := filepath.Join(m.root, buildID)
	// A leftover directory from a crashed run must not leak into the
	// new build.
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clearing stale workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return abs, nil
}

// Remove deletes a build's workspace.
func (m *Manager) Remove(dir string) error {
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}

// SweepOlderThan removes workspaces under the root whose modification
// time is older than the cutoff. No-op without a configured root.
func (m *Manager) SweepOlderThan(cutoff time.Time) int {
	if m.root == "" {
		return 0
	}
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, entry.Name())); err != nil {
			slog.Warn("Workspace sweep failed", "dir", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed
}

// Resolve joins a pipeline-supplied relative path to the workspace and
// rejects any path that escapes it after normalization.
func Resolve(workspaceDir, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q must be workspace-relative", rel)
	}
	joined := filepath.Join(workspaceDir, rel)
	clean := filepath.Clean(joined)
	base := filepath.Clean(workspaceDir)
	if clean != base && !strings.HasPrefix(clean, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return clean, nil
}
