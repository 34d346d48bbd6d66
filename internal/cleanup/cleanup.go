package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/streamgrab/internal/logctx"
	"github.com/italolelis/streamgrab/internal/storage"
)

// DeleteExpiredFiles deletes spooled files in dir whose modification time is older than keepDuration.
// It returns how many files were removed.
func DeleteExpiredFiles(ctx context.Context, dir string, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil // nothing spooled yet
		}

		return 0, err
	}

	removed := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filePath := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // already deleted
			}

			logger.Error("Failed to stat file", "file", filePath, "err", err)

			return removed, err
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			continue
		}

		if err := os.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Error("Failed to delete expired file", "file", filePath, "err", err)

			return removed, err
		}

		logger.Info("Deleted expired file", "file", filePath)

		removed++
	}

	return removed, nil
}

// DeleteStaleBlobs drops blobs created more than keepDuration ago. A handed-off download has
// already deleted its own blob.
func DeleteStaleBlobs(ctx context.Context, blobs storage.BlobStore, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	ids, err := blobs.ListStale(ctx, time.Now().Add(-keepDuration))
	if err != nil {
		return 0, err
	}

	removed := 0

	for _, id := range ids {
		if err := blobs.Delete(ctx, id); err != nil {
			logger.Error("Failed to delete stale blob", "blob_id", id, "err", err)

			return removed, err
		}

		logger.Info("Deleted stale blob", "blob_id", id)

		removed++
	}

	return removed, nil
}

// Sweep runs both cleanups, logging failures rather than stopping at the first one.
func Sweep(ctx context.Context, spoolDir string, blobs storage.BlobStore, keepDuration time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	if _, err := DeleteExpiredFiles(ctx, spoolDir, keepDuration); err != nil {
		logger.Error("spool sweep failed", "dir", spoolDir, "err", err)
	}

	if _, err := DeleteStaleBlobs(ctx, blobs, keepDuration); err != nil {
		logger.Error("blob sweep failed", "err", err)
	}
}
