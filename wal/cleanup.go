package wal

import (
	"fmt"
	"os"
	"time"
)

// CleanupStats tracks cleanup operation results
type CleanupStats struct {
	FilesRemoved  int
	BytesFreed    int64
	OldestRemoved time.Time
	NewestRemoved time.Time
}

// Cleanup removes journal files older than the retention period.
// A non-positive RetentionDays keeps everything.
func Cleanup(dir string, config Config) error {
	_, err := CleanupWithStats(dir, config)
	return err
}

// CleanupWithStats removes old files and returns statistics
func CleanupWithStats(dir string, config Config) (CleanupStats, error) {
	stats := CleanupStats{}
	if config.RetentionDays <= 0 {
		return stats, nil
	}

	cutoff := time.Now().AddDate(0, 0, -config.RetentionDays)
	var old []string
	for _, file := range findAllWALFiles(dir, config.FilePrefix) {
		if info, ok := fileInfo(file); ok && info.ModTime().Before(cutoff) {
			old = append(old, file)
		}
	}
	if len(old) == 0 {
		return stats, nil
	}

	stats.BytesFreed = calculateTotalSize(old)
	stats.OldestRemoved, stats.NewestRemoved = findTimeRange(old)

	for _, file := range old {
		if err := os.Remove(file); err != nil {
			return stats, fmt.Errorf("failed to remove %s: %w", file, err)
		}
		stats.FilesRemoved++
	}
	return stats, nil
}

// calculateTotalSize sums file sizes
func calculateTotalSize(files []string) int64 {
	var total int64
	for _, file := range files {
		if info, ok := fileInfo(file); ok {
			total += info.Size()
		}
	}
	return total
}

// findTimeRange returns oldest and newest file modification times
func findTimeRange(files []string) (oldest, newest time.Time) {
	for _, file := range files {
		info, ok := fileInfo(file)
		if !ok {
			continue
		}

		modTime := info.ModTime()
		if oldest.IsZero() || modTime.Before(oldest) {
			oldest = modTime
		}
		if modTime.After(newest) {
			newest = modTime
		}
	}
	return oldest, newest
}
