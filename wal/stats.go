package wal

import (
	"errors"
	"io"
	"os"
	"time"
)

// Stats summarises a journal directory
type Stats struct {
	TotalFiles     int
	TotalSizeBytes int64
	OldestFile     time.Time
	NewestFile     time.Time

	FirstSequence int64
	LastSequence  int64
	Corrupt       int

	// entry counts by type and by scope name
	ByType  map[EntryType]int
	ByScope map[string]int
}

// GetStats returns statistics for the directory of an open WAL
func (w *WAL) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return Stats{}
	}
	return GetStatsFromDir(w.dir, w.config)
}

// GetStatsFromDir returns statistics for a WAL directory (no active WAL needed)
func GetStatsFromDir(dir string, config Config) Stats {
	stats := Stats{
		ByType:  make(map[EntryType]int),
		ByScope: make(map[string]int),
	}

	files := findAllWALFiles(dir, config.FilePrefix)
	if len(files) == 0 {
		return stats
	}

	stats.TotalFiles = len(files)
	stats.TotalSizeBytes = calculateTotalSize(files)
	stats.OldestFile, stats.NewestFile = findTimeRange(files)

	for _, file := range files {
		scanFile(file, &stats)
	}
	return stats
}

func scanFile(path string, stats *Stats) {
	reader, err := NewReader(path)
	if err != nil {
		return
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if errors.Is(err, ErrCorruptEntry) {
			stats.Corrupt++
			continue
		}
		if err != nil {
			return
		}

		if stats.FirstSequence == 0 || entry.Sequence < stats.FirstSequence {
			stats.FirstSequence = entry.Sequence
		}
		if entry.Sequence > stats.LastSequence {
			stats.LastSequence = entry.Sequence
		}
		stats.ByType[entry.Type]++
		if entry.Scope != "" {
			stats.ByScope[entry.Scope]++
		}
	}
}

// findLastSequenceInFiles finds highest sequence across files
func findLastSequenceInFiles(files []string) int64 {
	maxSeq := int64(0)
	for _, file := range files {
		if seq := getMaxSequenceFromFile(file); seq > maxSeq {
			maxSeq = seq
		}
	}
	return maxSeq
}

// getMaxSequenceFromFile returns the max sequence in a file, skipping
// corrupted entries
func getMaxSequenceFromFile(path string) int64 {
	reader, err := NewReader(path)
	if err != nil {
		return 0
	}
	defer func() { _ = reader.Close() }()

	maxSeq := int64(0)
	for {
		entry, err := reader.Next()
		if errors.Is(err, ErrCorruptEntry) {
			continue
		}
		if err == io.EOF || err != nil {
			return maxSeq
		}
		if entry.Sequence > maxSeq {
			maxSeq = entry.Sequence
		}
	}
}

// getCurrentFileSize returns size of current WAL file
func (w *WAL) getCurrentFileSize() int64 {
	if w.file == nil {
		return 0
	}
	info, err := w.file.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// HealthStatus represents WAL health
type HealthStatus struct {
	Healthy          bool
	DiskUsagePercent float64
	OldestFileAge    time.Duration
	NeedsRotation    bool
	NeedsCleanup     bool
	Issues           []string
}

// GetHealth returns WAL health status
func (w *WAL) GetHealth() HealthStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	health := HealthStatus{Issues: []string{}}

	size := w.getCurrentFileSize()
	health.DiskUsagePercent = float64(size) / float64(w.config.MaxFileSize) * 100
	if health.DiskUsagePercent > 90 {
		health.Issues = append(health.Issues, "current file >90% of max size")
	}

	if files := w.listWALFiles(); len(files) > 0 {
		oldest, _ := findTimeRange(files)
		health.OldestFileAge = time.Since(oldest)
		retention := time.Duration(w.config.RetentionDays) * 24 * time.Hour
		if w.config.RetentionDays > 0 && health.OldestFileAge > retention {
			health.NeedsCleanup = true
			health.Issues = append(health.Issues, "old files exceed retention period")
		}
	}

	if w.shouldRotate() {
		health.NeedsRotation = true
		health.Issues = append(health.Issues, "file rotation needed")
	}

	health.Healthy = len(health.Issues) == 0
	return health
}

func fileInfo(path string) (os.FileInfo, bool) {
	info, err := os.Stat(path)
	return info, err == nil
}
