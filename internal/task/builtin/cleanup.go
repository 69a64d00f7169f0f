package builtin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cronhub/internal/task/model"
	"cronhub/internal/task/retry"
	logx "cronhub/pkg/logx"
)

// Result lists are capped; counts and sizes cover everything.
const (
	reportFiles = 10
	reportDirs  = 5
)

type removedFile struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified_date"`
	Deleted  bool      `json:"deleted"`
}

type cleanupResult struct {
	TempDirectory     string        `json:"temp_directory"`
	DaysOld           int64         `json:"days_old"`
	DryRun            bool          `json:"dry_run"`
	DeletedFilesCount int           `json:"deleted_files_count"`
	DeletedDirsCount  int           `json:"deleted_dirs_count"`
	TotalSizeFreed    int64         `json:"total_size_freed_bytes"`
	DeletedFiles      []removedFile `json:"deleted_files"`
	DeletedDirs       []string      `json:"deleted_dirs"`
}

func cleanupTempFolder(ctx context.Context, log logx.Logger, now time.Time, p model.Params) (any, error) {
	root, err := requireStr(p, "temp_path")
	if err != nil {
		return nil, err
	}
	days := integer(p, "days_old", 7)
	if days < 0 {
		return nil, retry.NoRetry(fmt.Errorf("days_old must not be negative, got %d", days))
	}
	dryRun := boolean(p, "dry_run", false)
	exts := map[string]struct{}{}
	for _, e := range strList(p, "file_extensions") {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = struct{}{}
	}

	fi, err := os.Stat(root)
	if err != nil {
		return nil, retry.NoRetry(fmt.Errorf("temp directory %s: %w", root, err))
	}
	if !fi.IsDir() {
		return nil, retry.NoRetry(fmt.Errorf("temp directory %s is not a directory", root))
	}

	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)
	res := cleanupResult{TempDirectory: root, DaysOld: days, DryRun: dryRun, DeletedFiles: []removedFile{}, DeletedDirs: []string{}}
	var dirs []string

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warn("cleanup: skipping unreadable entry", logx.String("path", path), logx.Err(err))
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			if path != root {
				dirs = append(dirs, path)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if len(exts) > 0 {
			if _, ok := exts[strings.ToLower(filepath.Ext(path))]; !ok {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		if !dryRun {
			if err := os.Remove(path); err != nil {
				log.Warn("cleanup: remove failed", logx.String("path", path), logx.Err(err))
				return nil
			}
		}
		res.DeletedFilesCount++
		res.TotalSizeFreed += info.Size()
		if len(res.DeletedFiles) < reportFiles {
			res.DeletedFiles = append(res.DeletedFiles, removedFile{
				Path: path, Size: info.Size(), Modified: info.ModTime().UTC(), Deleted: !dryRun,
			})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	if !dryRun {
		// Deepest first so parents emptied by their children go too.
		sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
		for _, dir := range dirs {
			entries, err := os.ReadDir(dir)
			if err != nil || len(entries) > 0 {
				continue
			}
			if err := os.Remove(dir); err != nil {
				log.Warn("cleanup: rmdir failed", logx.String("path", dir), logx.Err(err))
				continue
			}
			res.DeletedDirsCount++
			if len(res.DeletedDirs) < reportDirs {
				res.DeletedDirs = append(res.DeletedDirs, dir)
			}
		}
	}

	log.Info("temp cleanup finished",
		logx.String("path", root),
		logx.Int("files", res.DeletedFilesCount),
		logx.Int("dirs", res.DeletedDirsCount),
		logx.Int64("bytes", res.TotalSizeFreed),
		logx.Bool("dry_run", dryRun),
	)
	return res, nil
}
