package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorci/conveyor/pkg/cierr"
	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/models"
	"github.com/conveyorci/conveyor/pkg/store"
)

// Store is the persistence the cache manager needs.
type Store interface {
	SaveCacheEntry(ctx context.Context, entry *models.CacheEntry) error
	FindCacheEntry(ctx context.Context, orgID, jobID, key string) (*models.CacheEntry, error)
	FindCacheEntryByPrefix(ctx context.Context, orgID, jobID, prefix string) (*models.CacheEntry, error)
	IncrementCacheHit(ctx context.Context, entryID string) error
	ListCacheEntriesByAge(ctx context.Context) ([]models.CacheEntry, int64, error)
	DeleteCacheEntry(ctx context.Context, entryID string) error
}

// Manager saves and restores cached directories keyed by cache keys.
// Saved entries are immutable: first write wins per (job, key).
type Manager struct {
	store Store
	cfg   *config.CacheConfig
}

// NewManager creates a cache manager rooted at cfg.Dir.
func NewManager(s Store, cfg *config.CacheConfig) *Manager {
	if cfg == nil {
		cfg = config.DefaultCacheConfig()
	}
	return &Manager{store: s, cfg: cfg}
}

// StageResultsEnabled reports whether stage-result fingerprint caching
// is configured on.
func (m *Manager) StageResultsEnabled() bool { return m.cfg.StageResultsEnabled }

// Save copies the declared workspace paths into the cache under key.
// An existing entry for the key silently wins; the copy is skipped.
func (m *Manager) Save(ctx context.Context, orgID, jobID, key string, workspaceDir string, paths []string) error {
	if existing, err := m.store.FindCacheEntry(ctx, orgID, jobID, key); err == nil && existing != nil {
		return nil
	}

	entryID := uuid.New().String()
	entryDir := filepath.Join(m.cfg.Dir, entryID)
	var total int64
	for _, rel := range paths {
		src := filepath.Join(workspaceDir, rel)
		dst := filepath.Join(entryDir, rel)
		n, err := copyTree(src, dst)
		if err != nil {
			_ = os.RemoveAll(entryDir)
			return cierr.Wrap(cierr.KindCacheIO, err, "caching %s", rel)
		}
		total += n
	}

	rawPaths, err := json.Marshal(paths)
	if err != nil {
		return err
	}
	entry := &models.CacheEntry{
		ID:        entryID,
		OrgID:     orgID,
		JobID:     jobID,
		CacheKey:  key,
		Paths:     rawPaths,
		SizeBytes: total,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.SaveCacheEntry(ctx, entry); err != nil {
		_ = os.RemoveAll(entryDir)
		return cierr.Wrap(cierr.KindCacheIO, err, "saving cache entry %s", key)
	}

	// First-write-wins: if another writer committed the key first, our
	// row insert was a silent no-op and the directory is orphaned.
	committed, err := m.store.FindCacheEntry(ctx, orgID, jobID, key)
	if err == nil && committed.ID != entryID {
		_ = os.RemoveAll(entryDir)
	}
	return nil
}

// Restore materializes a cache entry into the workspace. The exact key
// is tried first; on miss each restore-key prefix is tried in declared
// order, using the most recent matching entry. Returns the hit key, or
// "" when nothing matched.
func (m *Manager) Restore(ctx context.Context, orgID, jobID, key string, restoreKeys []string, workspaceDir string) (string, error) {
	entry, err := m.store.FindCacheEntry(ctx, orgID, jobID, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", cierr.Wrap(cierr.KindCacheIO, err, "looking up cache key %s", key)
	}
	if entry == nil {
		for _, prefix := range restoreKeys {
			entry, err = m.store.FindCacheEntryByPrefix(ctx, orgID, jobID, prefix)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return "", cierr.Wrap(cierr.KindCacheIO, err, "looking up restore key %s", prefix)
			}
			if entry != nil {
				break
			}
		}
	}
	if entry == nil {
		return "", nil
	}

	var paths []string
	if err := json.Unmarshal(entry.Paths, &paths); err != nil {
		return "", cierr.Wrap(cierr.KindCacheIO, err, "decoding cache entry paths")
	}
	entryDir := filepath.Join(m.cfg.Dir, entry.ID)
	for _, rel := range paths {
		src := filepath.Join(entryDir, rel)
		dst := filepath.Join(workspaceDir, rel)
		if _, err := copyTree(src, dst); err != nil {
			return "", cierr.Wrap(cierr.KindCacheIO, err, "restoring %s", rel)
		}
	}
	if err := m.store.IncrementCacheHit(ctx, entry.ID); err != nil {
		slog.Warn("Failed to record cache hit", "entry_id", entry.ID, "error", err)
	}
	return entry.CacheKey, nil
}

// Evict removes entries past the retention age, then the oldest entries
// until the total size fits the configured bound. Returns the number of
// entries removed.
func (m *Manager) Evict(ctx context.Context) (int, error) {
	entries, total, err := m.store.ListCacheEntriesByAge(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-m.cfg.MaxAge)
	removed := 0
	for _, entry := range entries {
		tooOld := entry.CreatedAt.Before(cutoff)
		tooBig := m.cfg.MaxTotalBytes > 0 && total > m.cfg.MaxTotalBytes
		if !tooOld && !tooBig {
			continue
		}
		if err := m.store.DeleteCacheEntry(ctx, entry.ID); err != nil {
			slog.Error("Cache eviction failed", "entry_id", entry.ID, "error", err)
			continue
		}
		_ = os.RemoveAll(filepath.Join(m.cfg.Dir, entry.ID))
		total -= entry.SizeBytes
		removed++
	}
	return removed, nil
}

// copyTree copies a file or directory tree, returning bytes copied.
func copyTree(src, dst string) (int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info)
	}

	var total int64
	err = filepath.Walk(src, func(path string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if fi.IsDir() {
			return os.MkdirAll(target, fi.Mode())
		}
		n, err := copyFile(path, target, fi)
		total += n
		return err
	})
	return total, err
}

func copyFile(src, dst string, info os.FileInfo) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return 0, err
	}
	defer out.Close()
	n, err := io.Copy(out, in)
	if err != nil {
		return n, fmt.Errorf("copying %s: %w", src, err)
	}
	return n, nil
}
