package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"
)

const (
	// DefaultArchiveKeep is how many snapshots survive pruning when the
	// archiver is built with a non-positive limit.
	DefaultArchiveKeep = 20

	labelMaxRunes = 60
	slugMaxRunes  = 40

	archiveTimeFormat = "20060102T150405.000000000Z"
)

// Snapshot is the on-disk shape of one archive file.
type Snapshot struct {
	Messages     []Message `json:"messages"`
	ArchivedAt   time.Time `json:"archivedAt"`
	MessageCount int       `json:"messageCount"`
	Label        string    `json:"label"`
}

// ArchiveInfo describes an archive file without its messages.
type ArchiveInfo struct {
	Path         string    `json:"path"`
	Label        string    `json:"label"`
	ArchivedAt   time.Time `json:"archived_at"`
	MessageCount int       `json:"message_count"`
}

// Archiver writes immutable snapshots of the conversation log and
// keeps only the newest few.
type Archiver struct {
	dir    string
	keep   int
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates an archiver writing into dir and retaining at
// most keep snapshots.
func NewArchiver(dir string, keep int, logger *slog.Logger) *Archiver {
	if keep <= 0 {
		keep = DefaultArchiveKeep
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		dir:    dir,
		keep:   keep,
		logger: logger.With("component", "archive"),
		now:    time.Now,
	}
}

// Dir returns the archive directory.
func (a *Archiver) Dir() string {
	return a.dir
}

// Archive writes a snapshot of msgs and prunes old snapshots. It
// returns the path written.
func (a *Archiver) Archive(msgs []Message) (string, error) {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive directory: %w", err)
	}

	at := a.now().UTC()
	label := Label(msgs)
	snap := Snapshot{
		Messages:     msgs,
		ArchivedAt:   at,
		MessageCount: len(msgs),
		Label:        label,
	}
	if snap.Messages == nil {
		snap.Messages = []Message{}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode archive: %w", err)
	}

	path := a.uniquePath(at, label)
	if err := writeFileAtomic(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}
	a.logger.Info("conversation archived", "path", path, "messages", len(msgs), "label", label)

	if pruned, err := a.prune(); err != nil {
		a.logger.Warn("archive prune failed", "error", err)
	} else if pruned > 0 {
		a.logger.Debug("old archives pruned", "removed", pruned, "keep", a.keep)
	}
	return path, nil
}

func (a *Archiver) uniquePath(at time.Time, label string) string {
	base := at.Format(archiveTimeFormat) + "-" + slug(label)
	path := filepath.Join(a.dir, base+".json")
	for i := 2; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return path
		}
		path = filepath.Join(a.dir, fmt.Sprintf("%s-%d.json", base, i))
	}
}

// files returns archive file names sorted oldest first. The timestamp
// prefix makes lexical order chronological.
func (a *Archiver) files() ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (a *Archiver) prune() (int, error) {
	names, err := a.files()
	if err != nil {
		return 0, err
	}
	excess := len(names) - a.keep
	removed := 0
	var errs []error
	for i := 0; i < excess; i++ {
		if err := os.Remove(filepath.Join(a.dir, names[i])); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// Count returns the number of archive files on disk.
func (a *Archiver) Count() int {
	names, err := a.files()
	if err != nil {
		return 0
	}
	return len(names)
}

// List returns metadata for every archive, newest first. Files that
// cannot be decoded are skipped.
func (a *Archiver) List() ([]ArchiveInfo, error) {
	names, err := a.files()
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	infos := make([]ArchiveInfo, 0, len(names))
	for i := len(names) - 1; i >= 0; i-- {
		path := filepath.Join(a.dir, names[i])
		snap, err := ReadSnapshot(path)
		if err != nil {
			a.logger.Debug("skipping unreadable archive", "path", path, "error", err)
			continue
		}
		infos = append(infos, ArchiveInfo{
			Path:         path,
			Label:        snap.Label,
			ArchivedAt:   snap.ArchivedAt,
			MessageCount: snap.MessageCount,
		})
	}
	return infos, nil
}

// ReadSnapshot decodes an archive file.
func ReadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode archive %s: %w", path, err)
	}
	return &snap, nil
}

// Label derives a short human label from the first user message that
// carries text. Whitespace is collapsed and the result is capped at 60
// runes. An empty log, or one without user text, is "untitled".
func Label(msgs []Message) string {
	for _, m := range msgs {
		if m.Role != RoleUser {
			continue
		}
		text := strings.Join(strings.Fields(m.Text()), " ")
		if text == "" {
			continue
		}
		runes := []rune(text)
		if len(runes) > labelMaxRunes {
			return strings.TrimSpace(string(runes[:labelMaxRunes])) + "..."
		}
		return text
	}
	return "untitled"
}

// slug reduces a label to a filename-safe fragment.
func slug(label string) string {
	var sb strings.Builder
	dash := false
	n := 0
	for _, r := range strings.ToLower(label) {
		if n >= slugMaxRunes {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if r > unicode.MaxASCII {
				continue
			}
			sb.WriteRune(r)
			dash = false
			n++
			continue
		}
		if !dash && sb.Len() > 0 {
			sb.WriteByte('-')
			dash = true
			n++
		}
	}
	s := strings.Trim(sb.String(), "-")
	if s == "" {
		return "untitled"
	}
	return s
}
