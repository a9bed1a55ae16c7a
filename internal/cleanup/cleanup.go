package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xsx123123/EBIDownload/internal/logctx"
)

// Pruner drops expired entries from a cache and reports how many went away.
type Pruner interface {
	Prune() (int, error)
}

// DeleteExpiredLogs removes files in dir whose name starts with prefix and whose
// modification time is older than keep. Rotated backups share the prefix and expire the same way.
func DeleteExpiredLogs(ctx context.Context, dir, prefix string, keep time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	now := time.Now()
	deleted := 0

	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}

		path := filepath.Join(dir, e.Name())

		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // already deleted
			}

			return deleted, err
		}

		if now.Sub(info.ModTime()) <= keep {
			continue
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Error("failed to delete expired log", "file", path, "err", err)

			return deleted, err
		}

		logger.Debug("deleted expired log", "file", path)
		deleted++
	}

	return deleted, nil
}

// Run expires old logs and prunes the cache once. Failures are logged, never returned.
func Run(ctx context.Context, logDir, prefix string, keep time.Duration, cache Pruner) {
	logger := logctx.LoggerFromContext(ctx)

	if keep > 0 {
		if n, err := DeleteExpiredLogs(ctx, logDir, prefix, keep); err != nil {
			logger.Warn("log cleanup failed", "dir", logDir, "err", err)
		} else if n > 0 {
			logger.Info("deleted expired logs", "count", n, "retention", keep.String())
		}
	}

	if cache != nil {
		if n, err := cache.Prune(); err != nil {
			logger.Warn("cache prune failed", "err", err)
		} else if n > 0 {
			logger.Info("pruned cached metadata", "entries", n)
		}
	}
}
