// ABOUTME: SQLite implementation of the kv.Store interface using modernc.org/sqlite
// ABOUTME: Single kv table with expiry column, expired rows hidden and purged periodically

package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"
)

// sqliteBatch bounds the number of placeholders in a single IN clause.
const sqliteBatch = 500

// SQLiteStore implements Store using a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewSQLiteStore opens (or creates) the database at path.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "kv-sqlite")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			expires_at INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		done:   make(chan struct{}),
	}
	go s.purgeLoop()

	logger.Info("SQLite kv store initialized", "path", path)
	return s, nil
}

// Get returns the value stored at key.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, nowMillis(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get %s: %w", key, err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

// MGet returns values for the keys that exist.
func (s *SQLiteStore) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	now := nowMillis()

	for start := 0; start < len(keys); start += sqliteBatch {
		chunk := keys[start:min(start+sqliteBatch, len(keys))]

		args := make([]any, 0, len(chunk)+1)
		for _, k := range chunk {
			args = append(args, k)
		}
		args = append(args, now)

		query := `SELECT key, value FROM kv WHERE key IN (` + placeholders(len(chunk)) +
			`) AND (expires_at IS NULL OR expires_at > ?)`
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("sqlite mget: %w", err)
		}
		for rows.Next() {
			var key string
			var value []byte
			if err := rows.Scan(&key, &value); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning row: %w", err)
			}
			if value == nil {
				value = []byte{}
			}
			out[key] = value
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterating rows: %w", err)
		}
		rows.Close()
	}

	return out, nil
}

// Set upserts value at key.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if _, err := s.db.ExecContext(ctx, upsertSQL, key, nonNil(value), expiry(ttl)); err != nil {
		return fmt.Errorf("sqlite set %s: %w", key, err)
	}
	return nil
}

// SetMany upserts all values in one transaction.
func (s *SQLiteStore) SetMany(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	exp := expiry(ttl)
	for key, value := range values {
		if _, err := stmt.ExecContext(ctx, key, nonNil(value), exp); err != nil {
			return fmt.Errorf("sqlite set %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

// Delete removes keys.
func (s *SQLiteStore) Delete(ctx context.Context, keys ...string) error {
	for start := 0; start < len(keys); start += sqliteBatch {
		chunk := keys[start:min(start+sqliteBatch, len(keys))]
		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = k
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key IN (`+placeholders(len(chunk))+`)`, args...); err != nil {
			return fmt.Errorf("sqlite delete: %w", err)
		}
	}
	return nil
}

// DeletePrefix removes every key under prefix.
func (s *SQLiteStore) DeletePrefix(ctx context.Context, prefix string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE substr(key, 1, ?) = ?`,
		utf8.RuneCountInString(prefix), prefix,
	); err != nil {
		return fmt.Errorf("sqlite delete prefix %s: %w", prefix, err)
	}
	return nil
}

// Keys lists live keys under prefix.
func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? AND (expires_at IS NULL OR expires_at > ?)`,
		utf8.RuneCountInString(prefix), prefix, nowMillis(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite keys %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the purge loop and closes the database. Safe to call twice.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.db.Close()
	})
	return err
}

// purgeLoop periodically deletes expired rows so abandoned records do not
// accumulate on disk.
func (s *SQLiteStore) purgeLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.purgeExpired(context.Background()); err != nil {
				s.logger.Warn("purging expired keys failed", "error", err)
			}
		case <-s.done:
			return
		}
	}
}

// purgeExpired deletes expired rows and returns how many were removed.
func (s *SQLiteStore) purgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`, nowMillis())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const upsertSQL = `
	INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func expiry(ttl time.Duration) sql.NullInt64 {
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: time.Now().Add(ttl).UnixMilli(), Valid: true}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

var _ Store = (*SQLiteStore)(nil)
