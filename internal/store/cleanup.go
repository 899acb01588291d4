package store

import (
	"os"
	"path/filepath"
	"time"
)

// CleanupOldLogs deletes per-task event logs whose modification time is
// older than the retention window. A retention of zero or less disables
// cleanup. Returns the number of files deleted.
func (s *Store) CleanupOldLogs(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	matches, err := filepath.Glob(filepath.Join(s.logsDir, "*.ndjson"))
	if err != nil {
		return 0, err
	}

	cutoff := time.Duration(retentionDays) * 24 * time.Hour
	now := time.Now()
	deleted := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > cutoff {
			if err := os.Remove(path); err == nil || os.IsNotExist(err) {
				deleted++
			}
		}
	}
	return deleted, nil
}
