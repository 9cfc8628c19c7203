// Package wal is an append-only JSON-lines journal of daemon events and the
// corrective actions they were classified into.
package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yairfalse/podsync/types"
)

// EntryType defines the type of WAL entry
type EntryType string

const (
	EntryEvent  EntryType = "event"
	EntryAction EntryType = "action"
	EntryDrop   EntryType = "drop"
	EntryState  EntryType = "state"
	EntryError  EntryType = "error"
)

// Entry represents a single WAL entry
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Session   string          `json:"session"`
	Type      EntryType       `json:"type"`
	Scope     string          `json:"scope,omitempty"`
	EntityID  string          `json:"entity_id,omitempty"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error,omitempty"`
}

// ErrCorruptEntry marks a line that is not a valid entry. Readers may skip it.
var ErrCorruptEntry = errors.New("corrupt WAL entry")

// EventData is the payload of an EntryEvent
type EventData struct {
	Event   types.Event `json:"event"`
	Actions []string    `json:"actions"`
}

// Config controls file naming, rotation and retention
type Config struct {
	FilePrefix    string
	MaxFileSize   int64
	RetentionDays int
}

// DefaultConfig returns the journal defaults
func DefaultConfig() Config {
	return Config{
		FilePrefix:    "podsync",
		MaxFileSize:   64 * 1024 * 1024,
		RetentionDays: 7,
	}
}

// WAL provides Write-Ahead Logging for audit and replay
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	dir      string
	session  string
	config   Config
}

// Open creates or opens a WAL in the specified directory
func Open(dir string) (*WAL, error) {
	return OpenWithConfig(dir, DefaultConfig())
}

// OpenWithConfig opens a WAL with explicit settings
func OpenWithConfig(dir string, config Config) (*WAL, error) {
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = DefaultConfig().MaxFileSize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &WAL{
		dir:     dir,
		session: uuid.NewString()[:8],
		config:  config,
	}

	w.loadSequence()

	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// Session returns the id embedded in this WAL's file names
func (w *WAL) Session() string {
	return w.session
}

// openFile starts a new segment. Segments sort by name in creation order.
func (w *WAL) openFile() error {
	filename := fmt.Sprintf("%s-%s-%06d-%s.wal",
		w.config.FilePrefix, time.Now().Format("20060102-150405"), w.sequence, w.session)
	path := filepath.Join(w.dir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}

	w.file = file
	w.writer = bufio.NewWriter(file)
	return nil
}

// Close flushes and closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Append adds an entry to the WAL
func (w *WAL) Append(entryType EntryType, key types.Key, data interface{}) error {
	return w.append(entryType, key, data, nil)
}

// AppendError adds an error entry to the WAL
func (w *WAL) AppendError(entryType EntryType, key types.Key, data interface{}, errToLog error) error {
	return w.append(entryType, key, data, errToLog)
}

// RecordEvent journals an event together with the actions it produced
func (w *WAL) RecordEvent(ev types.Event, actions []string) error {
	return w.Append(EntryEvent, ev.Key(), EventData{Event: ev, Actions: actions})
}

// RecordDrop journals that a scope was discarded. cause may be nil.
func (w *WAL) RecordDrop(scope types.Scope, cause error) error {
	key := types.Key{Scope: scope}
	if cause != nil {
		return w.AppendError(EntryDrop, key, nil, cause)
	}
	return w.Append(EntryDrop, key, nil)
}

// RecordState journals a scope state transition
func (w *WAL) RecordState(scope types.Scope, state string) error {
	return w.Append(EntryState, types.Key{Scope: scope}, state)
}

func (w *WAL) append(entryType EntryType, key types.Key, data interface{}, errToLog error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	if w.shouldRotate() {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	w.sequence++
	entry := Entry{
		Timestamp: time.Now(),
		Sequence:  w.sequence,
		Session:   w.session,
		Type:      entryType,
		Scope:     key.Scope.String(),
		EntityID:  key.ID,
		Data:      jsonData,
	}
	if errToLog != nil {
		entry.Error = errToLog.Error()
	}

	return w.writeEntry(entry)
}

// writeEntry writes a single entry to the WAL
func (w *WAL) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if _, err := w.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}

	if _, err := w.writer.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return w.file.Sync()
}

// shouldRotate reports whether the current segment reached MaxFileSize
func (w *WAL) shouldRotate() bool {
	return w.getCurrentFileSize() >= w.config.MaxFileSize
}

func (w *WAL) rotate() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	return w.openFile()
}

// loadSequence continues numbering from the highest sequence on disk
func (w *WAL) loadSequence() {
	w.sequence = findLastSequenceInFiles(w.listWALFiles())
}

// listWALFiles returns this WAL's segment files, oldest first
func (w *WAL) listWALFiles() []string {
	return findAllWALFiles(w.dir, w.config.FilePrefix)
}

// Reader provides WAL replay functionality
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader creates a WAL reader for the specified file
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Reader{
		scanner: scanner,
		file:    file,
	}, nil
}

// Next reads the next entry from the WAL
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}

	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay calls handler for every entry newer than since, in file order.
// Corrupted lines are skipped.
func Replay(dir string, since time.Time, handler func(*Entry) error) error {
	return ReplayWithConfig(dir, DefaultConfig(), since, handler)
}

// ReplayWithConfig is Replay for a non-default file prefix
func ReplayWithConfig(dir string, config Config, since time.Time, handler func(*Entry) error) error {
	for _, file := range findAllWALFiles(dir, config.FilePrefix) {
		if err := replayFile(file, since, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, ErrCorruptEntry) {
			continue
		}
		if err != nil {
			return err
		}

		if entry.Timestamp.After(since) {
			if err := handler(entry); err != nil {
				return err
			}
		}
	}
}

// DecodeEvent extracts the event payload of an EntryEvent
func (e *Entry) DecodeEvent() (EventData, error) {
	var data EventData
	if e.Type != EntryEvent {
		return data, fmt.Errorf("entry %d is %s, not %s", e.Sequence, e.Type, EntryEvent)
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return data, fmt.Errorf("decode event entry %d: %w", e.Sequence, err)
	}
	return data, nil
}

// findAllWALFiles returns all WAL files in directory, sorted by name
func findAllWALFiles(dir, prefix string) []string {
	pattern := filepath.Join(dir, prefix+"-*.wal")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	sort.Strings(files)
	return files
}
