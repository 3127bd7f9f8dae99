// Package cleanup removes aged housekeeping artifacts the queue store leaves
// next to its document: pre-migration backups and corrupt snapshots moved
// aside during recovery.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fetchq/fetchq/internal/logctx"
)

// DeleteExpiredArtifacts deletes backup and corrupt-snapshot files belonging
// to the queue document at statePath once they are older than keepDuration.
func DeleteExpiredArtifacts(ctx context.Context, statePath string, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	candidates, err := filepath.Glob(statePath + ".v*.bak")
	if err != nil {
		return err
	}

	candidates = append(candidates, statePath+".corrupt")

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.Error("Failed to stat artifact", "file", path, "err", err)

			return err
		}

		if now.Sub(info.ModTime()) > keepDuration {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logger.Error("Failed to delete expired artifact", "file", path, "err", err)

				return err
			}

			logger.Info("Deleted expired artifact", "file", path)
		}
	}

	return nil
}
