// Package trackerstore is the Tracker Adapter's local mirror cache: a
// SQLite-backed materialized view of the external tracker's issues, keyed
// by id, refreshed wholesale each time the adapter reparses the tracker's
// append-only log. Comments are appended separately so
// comment_issue-then-refresh round trips (spec.md §8) can be observed
// without re-deriving them from the log on every read.
//
// Grounded on the teacher's internal/persistence.Store: database/sql over
// modernc.org/sqlite, WAL journal mode, one mutex-guarded Store type. The
// schema is created with CREATE TABLE IF NOT EXISTS; there is no
// schema_version table or migration ladder.
package trackerstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/conductorhq/conductor/internal/model"
)

// Comment is one tracker comment, applied after a successful write-through
// comment_issue call.
type Comment struct {
	Author string    `json:"author"`
	Body   string    `json:"body"`
	At     time.Time `json:"at"`
}

// Store is the SQLite-backed tracker mirror cache.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("trackerstore: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("trackerstore: busy_timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("trackerstore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS issues (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS comments (
			issue_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			author TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (issue_id, seq)
		);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ReplaceAll atomically swaps the entire issue mirror for a freshly parsed
// set — the tracker's on-disk log is the source of truth, so each refresh
// rewrites the cache wholesale rather than diffing.
func (s *Store) ReplaceAll(issues []model.Issue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("trackerstore: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec("DELETE FROM issues"); err != nil {
		return fmt.Errorf("trackerstore: clear: %w", err)
	}
	stmt, err := tx.Prepare("INSERT INTO issues (id, data, updated_at) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("trackerstore: prepare: %w", err)
	}
	defer stmt.Close()

	for _, issue := range issues {
		data, err := json.Marshal(issue)
		if err != nil {
			return fmt.Errorf("trackerstore: marshal %s: %w", issue.ID, err)
		}
		if _, err := stmt.Exec(issue.ID, string(data), issue.UpdatedAt.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("trackerstore: insert %s: %w", issue.ID, err)
		}
	}
	return tx.Commit()
}

// Get fetches one issue by id.
func (s *Store) Get(id string) (model.Issue, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRow("SELECT data FROM issues WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return model.Issue{}, false, nil
	}
	if err != nil {
		return model.Issue{}, false, fmt.Errorf("trackerstore: get %s: %w", id, err)
	}
	var issue model.Issue
	if err := json.Unmarshal([]byte(data), &issue); err != nil {
		return model.Issue{}, false, fmt.Errorf("trackerstore: decode %s: %w", id, err)
	}
	return issue, true, nil
}

// List returns every mirrored issue, ordered by id.
func (s *Store) List() ([]model.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT data FROM issues ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("trackerstore: list: %w", err)
	}
	defer rows.Close()

	var out []model.Issue
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("trackerstore: scan: %w", err)
		}
		var issue model.Issue
		if err := json.Unmarshal([]byte(data), &issue); err != nil {
			return nil, fmt.Errorf("trackerstore: decode: %w", err)
		}
		out = append(out, issue)
	}
	return out, rows.Err()
}

// AppendComment records a comment for id, applied only after the tracker
// write-through call itself succeeded (spec.md §4.C's ordering rule).
func (s *Store) AppendComment(id string, c Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next int
	err := s.db.QueryRow("SELECT COALESCE(MAX(seq), 0) + 1 FROM comments WHERE issue_id = ?", id).Scan(&next)
	if err != nil {
		return fmt.Errorf("trackerstore: next seq: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO comments (issue_id, seq, author, body, created_at) VALUES (?, ?, ?, ?, ?)",
		id, next, c.Author, c.Body, c.At.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("trackerstore: append comment: %w", err)
	}
	return nil
}

// Comments returns every comment recorded against id, oldest first.
func (s *Store) Comments(id string) ([]Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT author, body, created_at FROM comments WHERE issue_id = ? ORDER BY seq", id)
	if err != nil {
		return nil, fmt.Errorf("trackerstore: comments: %w", err)
	}
	defer rows.Close()

	var out []Comment
	for rows.Next() {
		var c Comment
		var at string
		if err := rows.Scan(&c.Author, &c.Body, &at); err != nil {
			return nil, fmt.Errorf("trackerstore: scan comment: %w", err)
		}
		c.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, c)
	}
	return out, rows.Err()
}
