package qacache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps the cache in PostgreSQL so several chatbot
// processes can share it. Upserts of one key are serialized across
// processes with a transaction-scoped advisory lock.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and ensures the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS qa (
			question_key TEXT PRIMARY KEY,
			question TEXT NOT NULL,
			answer TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Lookup implements Store.
func (s *PostgresStore) Lookup(ctx context.Context, question string) (string, bool, error) {
	key := NormalizeQuestion(question)
	if key == "" {
		return "", false, nil
	}

	var answer string
	err := s.pool.QueryRow(ctx, `SELECT answer FROM qa WHERE question_key = $1`, key).Scan(&answer)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup: %w", err)
	}
	return answer, true, nil
}

// Upsert implements Store.
func (s *PostgresStore) Upsert(ctx context.Context, question, answer string) error {
	key := NormalizeQuestion(question)
	if key == "" {
		return ErrEmptyQuestion
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
			return fmt.Errorf("lock key: %w", err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO qa (question_key, question, answer, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (question_key) DO UPDATE SET
				question = EXCLUDED.question,
				answer = EXCLUDED.answer,
				updated_at = now()
			 WHERE qa.answer IS DISTINCT FROM EXCLUDED.answer
				OR qa.question IS DISTINCT FROM EXCLUDED.question`,
			key, question, answer,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// pgTransient reports connection loss, serialization failures,
// deadlocks and server shutdowns.
func pgTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization, deadlock
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P03": // admin shutdown, cannot connect now
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err)
}
