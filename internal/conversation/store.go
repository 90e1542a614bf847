package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrCorrupt is returned (wrapped) by [Store.Load] when the log file
// exists but cannot be decoded. The unreadable file is moved aside and
// the store starts empty.
var ErrCorrupt = errors.New("conversation file corrupt")

// fileFormat is the on-disk shape of the conversation log.
type fileFormat struct {
	Messages []Message `json:"messages"`
	SavedAt  time.Time `json:"savedAt"`
}

// Store holds the conversation log in memory and mirrors it to a JSON
// file. All methods are safe for concurrent use; in practice only the
// queue drain goroutine mutates the log while socket handlers read it.
type Store struct {
	mu       sync.RWMutex
	path     string
	messages []Message
	logger   *slog.Logger
	now      func() time.Time
	write    func(path string, data []byte, perm os.FileMode) error
}

// NewStore creates a store backed by the file at path. Nothing is read
// until [Store.Load] is called.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:   path,
		logger: logger.With("component", "conversation"),
		now:    time.Now,
		write:  writeFileAtomic,
	}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the log from disk and repairs it. If the repair changed
// anything, the repaired log is written back before Load returns; a
// failed write-back is logged and the repaired log is kept in memory.
// A missing file yields an empty log and no error.
func (s *Store) Load() (RepairReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.messages = nil
		return RepairReport{}, nil
	}
	if err != nil {
		return RepairReport{}, fmt.Errorf("read conversation %s: %w", s.path, err)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		s.messages = nil
		aside := s.path + ".corrupt-" + s.now().UTC().Format("20060102T150405Z")
		if renameErr := os.Rename(s.path, aside); renameErr != nil {
			s.logger.Error("failed to move corrupt conversation aside", "path", s.path, "error", renameErr)
		}
		return RepairReport{}, fmt.Errorf("%w: %s (moved to %s): %v", ErrCorrupt, s.path, aside, err)
	}

	repaired, report := Repair(f.Messages)
	s.messages = repaired

	if report.Changed() {
		s.logger.Warn("conversation repaired on load",
			"dropped_results", report.DroppedResults,
			"dropped_messages", report.DroppedMessages,
			"before", len(f.Messages),
			"after", len(repaired),
		)
		if err := s.saveLocked(); err != nil {
			s.logger.Error("repaired conversation not written back", "path", s.path, "error", err)
		}
	}

	s.logger.Debug("conversation loaded", "path", s.path, "messages", len(s.messages))
	return report, nil
}

// Save writes the whole log to disk, replacing the previous file
// atomically.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	msgs := s.messages
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.MarshalIndent(fileFormat{Messages: msgs, SavedAt: s.now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	if err := s.write(s.path, data, 0o600); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// Append adds messages to the end of the log and persists it. The
// in-memory append always happens; a returned error only reports that
// the disk mirror is stale until the next successful save.
func (s *Store) Append(msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.messages = append(s.messages, m.Clone())
	}
	return s.saveLocked()
}

// Messages returns a copy of the full log.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.messages)
}

// Tail returns a copy of the most recent n messages (all of them when
// n <= 0 or n exceeds the log length).
func (s *Store) Tail(n int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n >= len(s.messages) {
		return cloneAll(s.messages)
	}
	return cloneAll(s.messages[len(s.messages)-n:])
}

// Len returns the number of messages in the log.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// TruncateTo keeps only the most recent keep messages, strips tool
// results orphaned by the cut, and persists the result. It returns the
// number of messages removed in total. The in-memory truncation holds
// even when the save fails.
func (s *Store) TruncateTo(keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.messages)
	if keep < 0 {
		keep = 0
	}
	tail := s.messages
	if keep < len(tail) {
		tail = tail[len(tail)-keep:]
	}
	repaired, report := Repair(tail)
	if report.Changed() {
		s.logger.Debug("stripped results orphaned by truncation",
			"dropped_results", report.DroppedResults,
			"dropped_messages", report.DroppedMessages,
		)
	}
	s.messages = repaired

	return before - len(s.messages), s.saveLocked()
}

// Reset empties the log and persists the empty state.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	return s.saveLocked()
}

func cloneAll(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// writeFileAtomic writes data to a temp file in the target directory,
// syncs it, and renames it over path. Readers see either the old file
// or the new one, never a partial write.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
