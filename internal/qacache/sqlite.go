package qacache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps the cache in a single SQLite table. It works with
// either the cgo driver ("sqlite3") or the pure-Go one ("sqlite").
type SQLiteStore struct {
	db    *sql.DB
	locks KeyLocks
}

// NewSQLiteStore opens (or creates) the cache database at dbPath using
// the named driver.
func NewSQLiteStore(driver, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open(driver, sqliteDSN(driver, dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s, err := NewSQLiteStoreWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreWithDB creates a store on an existing connection.
func NewSQLiteStoreWithDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func sqliteDSN(driver, path string) string {
	if path == ":memory:" {
		return path
	}
	if driver == "sqlite" {
		return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	return path + "?_journal_mode=WAL&_busy_timeout=5000"
}

func (s *SQLiteStore) migrate() error {
	// question keeps NOCASE so databases created before question_key
	// existed still enforce case-insensitive uniqueness on their own.
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS qa (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			question TEXT UNIQUE COLLATE NOCASE,
			answer TEXT
		)
	`); err != nil {
		return err
	}

	cols, err := s.columns()
	if err != nil {
		return err
	}
	if !cols["question_key"] {
		if _, err := s.db.Exec(`ALTER TABLE qa ADD COLUMN question_key TEXT`); err != nil {
			return fmt.Errorf("add question_key: %w", err)
		}
	}
	if !cols["updated_at"] {
		if _, err := s.db.Exec(`ALTER TABLE qa ADD COLUMN updated_at TEXT`); err != nil {
			return fmt.Errorf("add updated_at: %w", err)
		}
	}
	if err := s.backfillKeys(); err != nil {
		return fmt.Errorf("backfill question keys: %w", err)
	}

	_, err = s.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_qa_question_key ON qa(question_key)`)
	return err
}

func (s *SQLiteStore) columns() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info('qa')`)
	if err != nil {
		return nil, fmt.Errorf("inspect qa table: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// backfillKeys fills question_key for rows written by older versions.
// The key is computed in Go because SQLite's lower() only folds ASCII.
func (s *SQLiteStore) backfillKeys() error {
	rows, err := s.db.Query(`SELECT id, question FROM qa WHERE question_key IS NULL AND question IS NOT NULL`)
	if err != nil {
		return err
	}
	type pending struct {
		id  int64
		key string
	}
	var todo []pending
	for rows.Next() {
		var p pending
		var q string
		if err := rows.Scan(&p.id, &q); err != nil {
			rows.Close()
			return err
		}
		p.key = NormalizeQuestion(q)
		todo = append(todo, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, p := range todo {
		if _, err := s.db.Exec(`UPDATE qa SET question_key = ? WHERE id = ?`, p.key, p.id); err != nil {
			return err
		}
	}
	return nil
}

// Lookup implements Store.
func (s *SQLiteStore) Lookup(ctx context.Context, question string) (string, bool, error) {
	key := NormalizeQuestion(question)
	if key == "" {
		return "", false, nil
	}

	var answer sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT answer FROM qa WHERE question_key = ?`, key).Scan(&answer)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup: %w", err)
	}
	return answer.String, true, nil
}

// Upsert implements Store. An identical repeat does not touch the row.
func (s *SQLiteStore) Upsert(ctx context.Context, question, answer string) error {
	key := NormalizeQuestion(question)
	if key == "" {
		return ErrEmptyQuestion
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO qa (question_key, question, answer, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(question_key) DO UPDATE SET
			question = excluded.question,
			answer = excluded.answer,
			updated_at = excluded.updated_at
		WHERE qa.answer IS NOT excluded.answer OR qa.question IS NOT excluded.question
	`, key, question, answer, now)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqliteBusy reports SQLITE_BUSY and SQLITE_LOCKED from either driver.
func sqliteBusy(err error) bool {
	var cgoErr sqlite3.Error
	if errors.As(err, &cgoErr) {
		return cgoErr.Code == sqlite3.ErrBusy || cgoErr.Code == sqlite3.ErrLocked
	}

	// modernc.org/sqlite reports extended result codes; the primary
	// code is the low byte.
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		switch coded.Code() & 0xff {
		case 5, 6: // SQLITE_BUSY, SQLITE_LOCKED
			return true
		}
	}
	return false
}
