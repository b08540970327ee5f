package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists records in a local SQLite file. Suitable for a single
// instance; use PostgresStore when several instances share keys.
type SQLiteStore struct {
	db *sql.DB
}

const createSQLiteTableSQL = `
CREATE TABLE IF NOT EXISTS idempotency_records (
    key TEXT PRIMARY KEY,
    status_code INTEGER NOT NULL,
    response BLOB NOT NULL,
    request_hash TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);
`

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createSQLiteTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT status_code, response, request_hash, created_at, expires_at
FROM idempotency_records
WHERE key = ?
`, key)

	var (
		rec                Record
		created, expiresAt int64
	)
	if err := row.Scan(&rec.StatusCode, &rec.Response, &rec.RequestHash, &created, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.ExpiresAt = time.Unix(0, expiresAt).UTC()

	if time.Now().After(rec.ExpiresAt) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE key = ?`, key)
		return nil, nil
	}
	return &rec, nil
}

func (s *SQLiteStore) Save(ctx context.Context, key string, record Record) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO idempotency_records (key, status_code, response, request_hash, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE
SET status_code = excluded.status_code,
    response = excluded.response,
    request_hash = excluded.request_hash,
    created_at = excluded.created_at,
    expires_at = excluded.expires_at
`, key, record.StatusCode, record.Response, record.RequestHash, record.CreatedAt.UnixNano(), record.ExpiresAt.UnixNano())
	return err
}

func (s *SQLiteStore) Reserve(ctx context.Context, key string, record Record) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO idempotency_records (key, status_code, response, request_hash, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE
SET status_code = excluded.status_code,
    response = excluded.response,
    request_hash = excluded.request_hash,
    created_at = excluded.created_at,
    expires_at = excluded.expires_at
WHERE idempotency_records.expires_at < excluded.created_at
`, key, record.StatusCode, nonNil(record.Response), record.RequestHash, record.CreatedAt.UnixNano(), record.ExpiresAt.UnixNano())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) Release(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE key = ? AND status_code = 0`, key)
	return err
}

// nonNil keeps NOT NULL response columns satisfied for reservations.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
