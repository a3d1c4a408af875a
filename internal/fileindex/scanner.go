// Package fileindex discovers source files and tracks their processing
// lifecycle in the file_index table. Scanning is idempotent: unchanged files
// are skipped, changed files return to pending.
package fileindex

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/constants"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
)

// ErrScanInFlight is returned when a scan is already running.
var ErrScanInFlight = errors.New("a scan is already in progress")

// Extensions eligible for indexing.
var supportedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true, ".heic": true,
}

// SupportedExtension reports whether a path has an indexable extension.
func SupportedExtension(path string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(path))]
}

// ScanStats summarizes one discovery pass.
type ScanStats struct {
	Discovered int
	Added      int
	Unchanged  int
	Skipped    int
	Duration   time.Duration
}

// Scanner walks the source tree and feeds the file index. At most one scan
// runs at a time per scanner.
type Scanner struct {
	index     database.FileIndexStore
	sourceDir string
	scanning  atomic.Bool
}

// NewScanner creates a scanner over sourceDir.
func NewScanner(index database.FileIndexStore, sourceDir string) *Scanner {
	return &Scanner{index: index, sourceDir: sourceDir}
}

// Scanning reports whether a scan is currently running.
func (s *Scanner) Scanning() bool {
	return s.scanning.Load()
}

// Scan walks the source directory and upserts every supported file into the
// index. The walk yields briefly every few files so database and worker
// traffic keeps flowing during large scans.
func (s *Scanner) Scan(ctx context.Context) (*ScanStats, error) {
	if !s.scanning.CompareAndSwap(false, true) {
		return nil, ErrScanInFlight
	}
	defer s.scanning.Store(false)

	start := time.Now()
	stats := &ScanStats{}

	err := filepath.WalkDir(s.sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			stats.Skipped++
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			// Hidden directories hold sidecar caches, not photos.
			if name := d.Name(); name != "." && strings.HasPrefix(name, ".") {
				return fs.SkipDir
			}
			return nil
		}
		if !SupportedExtension(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			stats.Skipped++
			return nil
		}

		stats.Discovered++
		changed, err := s.index.Upsert(ctx, &database.FileIndexEntry{
			FilePath:  path,
			FileSize:  info.Size(),
			FileMtime: info.ModTime(),
		})
		if err != nil {
			return fmt.Errorf("index %s: %w", path, err)
		}
		if changed {
			stats.Added++
		} else {
			stats.Unchanged++
		}

		if stats.Discovered%constants.ScanYieldInterval == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("scan %s: %w", s.sourceDir, err)
	}

	stats.Duration = time.Since(start)
	return stats, nil
}
