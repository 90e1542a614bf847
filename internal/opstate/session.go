package opstate

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// SessionNamespace holds the live session summary.
const SessionNamespace = "session"

// Limits on session entries written by the agent.
const (
	MaxSessionKeyLen   = 64
	MaxSessionValueLen = 2000
	MaxSessionKeys     = 50
)

// Session is the session-state view of a Store. It satisfies the tool
// boundary's session interface.
type Session struct {
	store *Store
}

// NewSession returns the session view over store.
func NewSession(store *Store) *Session {
	return &Session{store: store}
}

// Get returns a session value, or "" when unset.
func (s *Session) Get(key string) (string, error) {
	return s.store.Get(SessionNamespace, key)
}

// Set stores a session value. An empty value deletes the key.
func (s *Session) Set(key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("session key is required")
	}
	if utf8.RuneCountInString(key) > MaxSessionKeyLen {
		return fmt.Errorf("session key longer than %d characters", MaxSessionKeyLen)
	}
	if value == "" {
		return s.store.Delete(SessionNamespace, key)
	}
	if utf8.RuneCountInString(value) > MaxSessionValueLen {
		return fmt.Errorf("session value longer than %d characters", MaxSessionValueLen)
	}

	existing, err := s.store.Get(SessionNamespace, key)
	if err != nil {
		return err
	}
	if existing == "" {
		all, err := s.All()
		if err != nil {
			return err
		}
		if len(all) >= MaxSessionKeys {
			return fmt.Errorf("session already holds %d keys; clear one first", MaxSessionKeys)
		}
	}
	return s.store.Set(SessionNamespace, key, value)
}

// All returns every session entry.
func (s *Session) All() (map[string]string, error) {
	return s.store.List(SessionNamespace)
}

// Reset clears the session.
func (s *Session) Reset() error {
	return s.store.DeleteNamespace(SessionNamespace)
}

// Summary renders the session as sorted "key: value" lines. It returns
// "" for an empty session.
func (s *Session) Summary() (string, error) {
	all, err := s.All()
	if err != nil {
		return "", err
	}
	return FormatSummary(all), nil
}

// FormatSummary renders entries as sorted "key: value" lines.
func FormatSummary(entries map[string]string) string {
	if len(entries) == 0 {
		return ""
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", k, entries[k])
	}
	return strings.TrimRight(sb.String(), "\n")
}
