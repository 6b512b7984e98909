package staging

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vidpress/internal/logging"
)

// CleanStaleResult contains the outcome of a stale workdir sweep.
type CleanStaleResult struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a directory path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// CleanStale removes job workdirs under stagingDir whose modification time is
// older than maxAge. Plain files are left alone. A missing staging directory
// is not an error.
func CleanStale(stagingDir string, maxAge time.Duration, now time.Time, logger *slog.Logger) CleanStaleResult {
	var result CleanStaleResult
	dirs, err := ListDirectories(stagingDir)
	if err != nil {
		result.Errors = append(result.Errors, CleanupError{Path: stagingDir, Error: err})
		return result
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	cutoff := now.Add(-maxAge)
	for _, dir := range dirs {
		if !dir.ModTime.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir.Path); err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dir.Path, Error: err})
			logging.WarnWithContext(logger, "failed to remove stale workdir", "staging_cleanup_failed",
				logging.String("path", dir.Path),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check staging_dir permissions"),
				logging.String(logging.FieldImpact, "disk space not reclaimed"),
			)
			continue
		}
		result.Removed = append(result.Removed, dir.Path)
		logger.Info("removed stale workdir",
			logging.String("path", dir.Path),
			logging.Duration("age", now.Sub(dir.ModTime)),
			logging.Int64("bytes", dir.Size),
			logging.String(logging.FieldEventType, "staging_cleanup"),
		)
	}
	return result
}

// DirInfo describes one job workdir.
type DirInfo struct {
	Name    string
	Path    string
	ModTime time.Time
	Size    int64
}

// Usage summarizes the staging directory.
type Usage struct {
	Dirs  int
	Bytes int64
	// Oldest is the zero time when there are no workdirs.
	Oldest time.Time
}

// ListDirectories returns the workdirs under stagingDir, oldest first.
func ListDirectories(stagingDir string) ([]DirInfo, error) {
	stagingDir = strings.TrimSpace(stagingDir)
	if stagingDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var dirs []DirInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(stagingDir, entry.Name())
		dirs = append(dirs, DirInfo{
			Name:    entry.Name(),
			Path:    path,
			ModTime: info.ModTime(),
			Size:    dirSize(path),
		})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].ModTime.Before(dirs[j].ModTime) })
	return dirs, nil
}

// Summarize reports how many workdirs exist and how much space they hold.
func Summarize(stagingDir string) (Usage, error) {
	dirs, err := ListDirectories(stagingDir)
	if err != nil {
		return Usage{}, err
	}
	var usage Usage
	for _, dir := range dirs {
		usage.Dirs++
		usage.Bytes += dir.Size
		if usage.Oldest.IsZero() || dir.ModTime.Before(usage.Oldest) {
			usage.Oldest = dir.ModTime
		}
	}
	return usage, nil
}

// dirSize sums regular file sizes below path; unreadable entries are skipped.
func dirSize(path string) int64 {
	var size int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				size += info.Size()
			}
		}
		return nil
	})
	return size
}
