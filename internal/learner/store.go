package learner

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSuggestionStore persists learned suggestions so they survive
// process restarts, grounded on the teacher's trace.SQLiteStore
// (database/sql + WAL-mode open string). It is optional: the in-memory
// Learner is fully functional without one, per spec.md §4.7's
// non-durable-core requirement — this only adds durability on top.
type SQLiteSuggestionStore struct {
	db *sql.DB
}

// OpenSQLiteSuggestionStore opens (creating if needed) a SQLite database
// at path in WAL mode and ensures its schema exists.
func OpenSQLiteSuggestionStore(path string) (*SQLiteSuggestionStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("learner: open sqlite: %w", err)
	}
	s := &SQLiteSuggestionStore{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSuggestionStore) initialize() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS suggestions (
		id               TEXT PRIMARY KEY,
		pattern          TEXT NOT NULL,
		confidence       REAL NOT NULL,
		reason           TEXT NOT NULL,
		example_actions  TEXT,
		blocked_count    INTEGER NOT NULL,
		suggested_policy TEXT,
		updated_at       DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("learner: create schema: %w", err)
	}
	return nil
}

// Persist upserts every suggestion in suggestions into the store.
func (s *SQLiteSuggestionStore) Persist(suggestions []Suggestion) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("learner: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO suggestions (id, pattern, confidence, reason, example_actions, blocked_count, suggested_policy, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pattern = excluded.pattern,
			confidence = excluded.confidence,
			reason = excluded.reason,
			example_actions = excluded.example_actions,
			blocked_count = excluded.blocked_count,
			suggested_policy = excluded.suggested_policy,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("learner: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, sug := range suggestions {
		pattern, err := json.Marshal(sug.Pattern)
		if err != nil {
			return fmt.Errorf("learner: marshal pattern: %w", err)
		}
		examples, err := json.Marshal(sug.ExampleActions)
		if err != nil {
			return fmt.Errorf("learner: marshal examples: %w", err)
		}
		policy, err := json.Marshal(sug.SuggestedPolicy)
		if err != nil {
			return fmt.Errorf("learner: marshal suggested policy: %w", err)
		}

		if _, err := stmt.Exec(sug.ID, string(pattern), sug.Confidence, sug.Reason, string(examples), sug.BlockedCount, string(policy), time.Now().UTC()); err != nil {
			return fmt.Errorf("learner: upsert suggestion %s: %w", sug.ID, err)
		}
	}

	return tx.Commit()
}

// Load reads every persisted suggestion back out of the store.
func (s *SQLiteSuggestionStore) Load() ([]Suggestion, error) {
	rows, err := s.db.Query(`SELECT id, pattern, confidence, reason, example_actions, blocked_count, suggested_policy FROM suggestions`)
	if err != nil {
		return nil, fmt.Errorf("learner: query suggestions: %w", err)
	}
	defer rows.Close()

	var out []Suggestion
	for rows.Next() {
		var (
			sug                             Suggestion
			patternJSON, examplesJSON, policyJSON string
		)
		if err := rows.Scan(&sug.ID, &patternJSON, &sug.Confidence, &sug.Reason, &examplesJSON, &sug.BlockedCount, &policyJSON); err != nil {
			return nil, fmt.Errorf("learner: scan suggestion row: %w", err)
		}
		if err := json.Unmarshal([]byte(patternJSON), &sug.Pattern); err != nil {
			return nil, fmt.Errorf("learner: unmarshal pattern: %w", err)
		}
		if err := json.Unmarshal([]byte(examplesJSON), &sug.ExampleActions); err != nil {
			return nil, fmt.Errorf("learner: unmarshal examples: %w", err)
		}
		if err := json.Unmarshal([]byte(policyJSON), &sug.SuggestedPolicy); err != nil {
			return nil, fmt.Errorf("learner: unmarshal suggested policy: %w", err)
		}
		out = append(out, sug)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("learner: iterate suggestion rows: %w", err)
	}
	return out, nil
}

// Close closes the underlying database handle.
func (s *SQLiteSuggestionStore) Close() error {
	return s.db.Close()
}
