package executor

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/conveyorci/conveyor/pkg/cache"
	"github.com/conveyorci/conveyor/pkg/cierr"
	"github.com/conveyorci/conveyor/pkg/models"
	"github.com/conveyorci/conveyor/pkg/store"
)

// deltaSavingsThreshold is the minimum fraction of bytes a delta must
// save before it is preferred over full storage.
const deltaSavingsThreshold = 0.20

// collectArtifacts matches the pipeline's glob patterns against the
// workspace and copies each file into the artifact store with its
// SHA-256. With incremental artifacts enabled, a block delta against
// the previous build's file of the same name is stored instead when it
// saves enough. Runs for failed builds too.
func (e *Executor) collectArtifacts(ctx context.Context, bc *buildContext) error {
	if len(bc.pipeline.Artifacts) == 0 {
		return nil
	}
	destDir := filepath.Join(e.wsCfg.ArtifactsDir, bc.build.ID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return cierr.Wrap(cierr.KindArtifactIO, err, "creating artifact directory")
	}

	var matches []string
	for _, pattern := range bc.pipeline.Artifacts {
		found, err := filepath.Glob(filepath.Join(bc.dir, pattern))
		if err != nil {
			return cierr.New(cierr.KindArtifactIO, "bad artifact pattern %q", pattern)
		}
		matches = append(matches, found...)
	}

	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if err := e.collectOne(ctx, bc, path, destDir, info.Size()); err != nil {
			return err
		}
	}
	return nil
}

// collectOne ingests a single artifact file.
func (e *Executor) collectOne(ctx context.Context, bc *buildContext, path, destDir string, size int64) error {
	filename := filepath.Base(path)
	sha, err := cache.HashFile(path)
	if err != nil {
		return cierr.Wrap(cierr.KindArtifactIO, err, "hashing artifact %s", filename)
	}

	record := &models.Artifact{
		ID:          uuid.New().String(),
		BuildID:     bc.build.ID,
		OrgID:       bc.build.OrgID,
		Filename:    filename,
		SizeBytes:   size,
		ContentType: contentType(filename),
		SHA256:      sha,
	}

	stored := false
	if e.cfg.IncrementalArtifacts {
		stored, err = e.tryDeltaStore(ctx, bc, path, destDir, record)
		if err != nil {
			return err
		}
	}
	if !stored {
		dest := filepath.Join(destDir, filename)
		if err := copyArtifactFile(path, dest); err != nil {
			return cierr.Wrap(cierr.KindArtifactIO, err, "copying artifact %s", filename)
		}
		record.Path = dest
	}

	if err := e.store.CreateArtifact(ctx, record); err != nil {
		return cierr.Wrap(cierr.KindArtifactIO, err, "recording artifact %s", filename)
	}
	slog.Info("Artifact collected",
		"build_id", bc.build.ID, "filename", filename,
		"size_bytes", record.SizeBytes, "is_delta", record.IsDelta)
	return nil
}

// tryDeltaStore stores the file as a block delta against the previous
// build's artifact of the same filename, when a base exists on disk and
// the savings exceed the threshold. A missing or pruned base falls back
// to full ingest, so the next build re-establishes a fresh base.
func (e *Executor) tryDeltaStore(ctx context.Context, bc *buildContext, path, destDir string, record *models.Artifact) (bool, error) {
	prev, err := e.store.FindPreviousArtifact(ctx, bc.build.OrgID, bc.job.ID, record.Filename, bc.build.ID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, cierr.Wrap(cierr.KindArtifactIO, err, "looking up delta base for %s", record.Filename)
	}

	base, err := os.ReadFile(prev.Path)
	if err != nil {
		slog.Warn("Delta base unreadable, storing full artifact",
			"build_id", bc.build.ID, "filename", record.Filename, "base_id", prev.ID, "error", err)
		return false, nil
	}
	target, err := os.ReadFile(path)
	if err != nil {
		return false, cierr.Wrap(cierr.KindArtifactIO, err, "reading artifact %s", record.Filename)
	}

	encoded, err := encodeDelta(base, target, prev.SHA256)
	if err != nil {
		return false, cierr.Wrap(cierr.KindArtifactIO, err, "encoding delta for %s", record.Filename)
	}
	savings := 1 - float64(len(encoded))/float64(len(target))
	if savings < deltaSavingsThreshold {
		return false, nil
	}

	dest := filepath.Join(destDir, record.Filename+".delta")
	if err := os.WriteFile(dest, encoded, 0o644); err != nil {
		return false, cierr.Wrap(cierr.KindArtifactIO, err, "writing delta for %s", record.Filename)
	}
	originalSize := int64(len(target))
	record.Path = dest
	record.IsDelta = true
	record.DeltaBaseID = &prev.ID
	record.OriginalSizeBytes = &originalSize
	record.SizeBytes = int64(len(encoded))
	return true, nil
}

// ReadArtifact returns an artifact's full content, reconstructing delta
// artifacts against their base. A pruned base is artifact-io.
func (e *Executor) ReadArtifact(ctx context.Context, artifact *models.Artifact) ([]byte, error) {
	data, err := os.ReadFile(artifact.Path)
	if err != nil {
		return nil, cierr.Wrap(cierr.KindArtifactIO, err, "reading artifact %s", artifact.Filename)
	}
	if !artifact.IsDelta {
		return data, nil
	}
	if artifact.DeltaBaseID == nil {
		return nil, cierr.New(cierr.KindArtifactIO, "delta artifact %s has no base reference", artifact.Filename)
	}
	baseRecord, err := e.store.GetArtifact(ctx, *artifact.DeltaBaseID)
	if err != nil {
		return nil, cierr.Wrap(cierr.KindArtifactIO, err, "delta base for %s has been pruned", artifact.Filename)
	}
	base, err := os.ReadFile(baseRecord.Path)
	if err != nil {
		return nil, cierr.Wrap(cierr.KindArtifactIO, err, "delta base for %s has been pruned", artifact.Filename)
	}
	return applyDelta(data, base)
}

func contentType(filename string) string {
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func copyArtifactFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
