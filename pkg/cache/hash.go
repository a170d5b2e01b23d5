// Package cache provides the content-addressed artifact/dependency
// cache and the stage-result fingerprint cache.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// hashBufSize is the streaming read buffer for file hashing.
const hashBufSize = 8 * 1024

// HashFile computes the SHA-256 of a file without loading it fully.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashBufSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFiles computes a combined SHA-256 over the files matching the
// glob patterns (workspace-relative), in sorted path order. This backs
// the hashFiles(...) cache-key directive.
func HashFiles(workspaceDir string, patterns ...string) (string, error) {
	var matches []string
	for _, pattern := range patterns {
		found, err := filepath.Glob(filepath.Join(workspaceDir, pattern))
		if err != nil {
			return "", fmt.Errorf("bad glob %q: %w", pattern, err)
		}
		matches = append(matches, found...)
	}
	sort.Strings(matches)

	h := sha256.New()
	buf := make([]byte, hashBufSize)
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		rel, err := filepath.Rel(workspaceDir, path)
		if err != nil {
			rel = path
		}
		io.WriteString(h, rel)
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		if _, err := io.CopyBuffer(h, f, buf); err != nil {
			f.Close()
			return "", err
		}
		f.Close()
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// StageFingerprint computes the deterministic fingerprint identifying
// an idempotent stage execution: SHA-256 over
// git_commit | stage_name | sorted(commands) | sorted(stable_env).
// stableEnv must already exclude build-varying keys.
func StageFingerprint(gitCommit, stageName string, commands []string, stableEnv map[string]string) string {
	sortedCommands := append([]string(nil), commands...)
	sort.Strings(sortedCommands)

	envPairs := make([]string, 0, len(stableEnv))
	for k, v := range stableEnv {
		envPairs = append(envPairs, k+"="+v)
	}
	sort.Strings(envPairs)

	h := sha256.New()
	io.WriteString(h, gitCommit)
	io.WriteString(h, "|")
	io.WriteString(h, stageName)
	io.WriteString(h, "|")
	io.WriteString(h, strings.Join(sortedCommands, "\x00"))
	io.WriteString(h, "|")
	io.WriteString(h, strings.Join(envPairs, "\x00"))
	return hex.EncodeToString(h.Sum(nil))
}

// unstableEnvKeys are excluded from stable_env because they vary per
// build without affecting the stage's result.
var unstableEnvKeys = map[string]bool{
	"BUILD_ID":       true,
	"BUILD_NUMBER":   true,
	"WORKSPACE":      true,
	"WORKSPACE_PATH": true,
	"JOB_NAME":       true,
}

// StableEnv filters build-varying keys out of a step environment.
func StableEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if unstableEnvKeys[k] {
			continue
		}
		out[k] = v
	}
	return out
}
