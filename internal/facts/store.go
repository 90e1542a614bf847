// Package facts is the agent's long-term memory: discrete facts that
// outlive conversation compaction. The compaction flush asks the agent
// to write decisions, open tasks, and learned context here before old
// messages are dropped.
package facts

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Category groups related facts.
type Category string

const (
	CategoryUser       Category = "user"       // who the user is
	CategoryProject    Category = "project"    // ongoing work and its state
	CategoryPreference Category = "preference" // how the user likes things
	CategoryDecision   Category = "decision"   // choices already made
	CategoryTask       Category = "task"       // open follow-ups
	CategoryContext    Category = "context"    // anything else worth keeping
)

// Categories lists the known categories in display order.
var Categories = []Category{
	CategoryUser, CategoryProject, CategoryPreference,
	CategoryDecision, CategoryTask, CategoryContext,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// ErrNotFound is returned when a fact does not exist.
var ErrNotFound = errors.New("fact not found")

// timeFormat sorts lexically in time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Fact represents a piece of long-term memory.
type Fact struct {
	ID         uuid.UUID `json:"id"`
	Category   Category  `json:"category"`
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Source     string    `json:"source,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	AccessedAt time.Time `json:"accessed_at"`
}

// Store manages fact persistence.
type Store struct {
	db  *sql.DB
	own bool
	now func() time.Time
}

// NewStore opens (creating if needed) the fact database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewStoreWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.own = true
	return s, nil
}

// NewStoreWithDB creates a fact store over an existing connection.
// Close leaves the connection open.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			source TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			accessed_at TEXT NOT NULL,
			UNIQUE(category, key)
		);

		CREATE INDEX IF NOT EXISTS idx_facts_category ON facts(category);
		CREATE INDEX IF NOT EXISTS idx_facts_accessed ON facts(accessed_at DESC);
	`)
	return err
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if !s.own {
		return nil
	}
	return s.db.Close()
}

func (s *Store) stamp() (time.Time, string) {
	now := s.now().UTC()
	return now, now.Format(timeFormat)
}

// Set creates or updates the fact category/key.
func (s *Store) Set(category Category, key, value, source string) (*Fact, error) {
	now, ts := s.stamp()

	existing, err := s.lookup(category, key)
	switch {
	case errors.Is(err, ErrNotFound):
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate id: %w", err)
		}
		if _, err := s.db.Exec(`
			INSERT INTO facts (id, category, key, value, source, created_at, updated_at, accessed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, id.String(), string(category), key, value, source, ts, ts, ts); err != nil {
			return nil, fmt.Errorf("insert: %w", err)
		}
		return &Fact{
			ID: id, Category: category, Key: key, Value: value, Source: source,
			CreatedAt: now, UpdatedAt: now, AccessedAt: now,
		}, nil
	case err != nil:
		return nil, fmt.Errorf("check existing: %w", err)
	}

	if _, err := s.db.Exec(`
		UPDATE facts SET value = ?, source = ?, updated_at = ?, accessed_at = ?
		WHERE id = ?
	`, value, source, ts, ts, existing.ID.String()); err != nil {
		return nil, fmt.Errorf("update: %w", err)
	}
	existing.Value = value
	existing.Source = source
	existing.UpdatedAt = now
	existing.AccessedAt = now
	return existing, nil
}

const selectColumns = `SELECT id, category, key, value, source, created_at, updated_at, accessed_at FROM facts`

func (s *Store) lookup(category Category, key string) (*Fact, error) {
	rows, err := s.db.Query(selectColumns+` WHERE category = ? AND key = ?`, string(category), key)
	if err != nil {
		return nil, err
	}
	facts, err := scanFacts(rows)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return nil, ErrNotFound
	}
	return facts[0], nil
}

// Get retrieves a fact and marks it accessed.
func (s *Store) Get(category Category, key string) (*Fact, error) {
	fact, err := s.lookup(category, key)
	if err != nil {
		return nil, err
	}
	now, ts := s.stamp()
	_, _ = s.db.Exec(`UPDATE facts SET accessed_at = ? WHERE id = ?`, ts, fact.ID.String())
	fact.AccessedAt = now
	return fact, nil
}

// List returns the facts in category, or every fact when category is
// empty, ordered by category then key.
func (s *Store) List(category Category) ([]*Fact, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if category == "" {
		rows, err = s.db.Query(selectColumns + ` ORDER BY category, key`)
	} else {
		rows, err = s.db.Query(selectColumns+` WHERE category = ? ORDER BY key`, string(category))
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return scanFacts(rows)
}

// Search finds facts whose key or value contains query, most recently
// used first.
func (s *Store) Search(query string, limit int) ([]*Fact, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + query + "%"
	rows, err := s.db.Query(selectColumns+`
		WHERE key LIKE ? OR value LIKE ?
		ORDER BY accessed_at DESC
		LIMIT ?
	`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return scanFacts(rows)
}

// Recent returns the n most recently updated facts.
func (s *Store) Recent(n int) ([]*Fact, error) {
	rows, err := s.db.Query(selectColumns+` ORDER BY updated_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return scanFacts(rows)
}

// Delete removes a fact.
func (s *Store) Delete(category Category, key string) error {
	result, err := s.db.Exec(`DELETE FROM facts WHERE category = ? AND key = ?`, string(category), key)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("%s/%s: %w", category, key, ErrNotFound)
	}
	return nil
}

// Count returns the number of stored facts.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM facts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// CountByCategory returns fact counts keyed by category.
func (s *Store) CountByCategory() (map[Category]int, error) {
	rows, err := s.db.Query(`SELECT category, COUNT(*) FROM facts GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("count by category: %w", err)
	}
	defer rows.Close()

	counts := make(map[Category]int)
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, err
		}
		counts[Category(cat)] = n
	}
	return counts, rows.Err()
}

func scanFacts(rows *sql.Rows) ([]*Fact, error) {
	defer rows.Close()
	var facts []*Fact
	for rows.Next() {
		var f Fact
		var idStr, catStr, createdStr, updatedStr, accessedStr string
		var source sql.NullString
		if err := rows.Scan(&idStr, &catStr, &f.Key, &f.Value, &source, &createdStr, &updatedStr, &accessedStr); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		f.ID, _ = uuid.Parse(idStr)
		f.Category = Category(catStr)
		f.Source = source.String
		f.CreatedAt, _ = time.Parse(timeFormat, createdStr)
		f.UpdatedAt, _ = time.Parse(timeFormat, updatedStr)
		f.AccessedAt, _ = time.Parse(timeFormat, accessedStr)
		facts = append(facts, &f)
	}
	return facts, rows.Err()
}
