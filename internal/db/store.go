package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/g960059/sduisync/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMigrated opens the store and brings the schema up to date.
func OpenMigrated(ctx context.Context, path string) (*Store, error) {
	store, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// LoadMutations returns the persisted queue in FIFO order.
func (s *Store) LoadMutations(ctx context.Context) ([]model.PendingMutation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT mutation_id, endpoint, method, body, enqueued_at
FROM pending_mutations
ORDER BY position ASC
`)
	if err != nil {
		return nil, fmt.Errorf("query pending mutations: %w", err)
	}
	defer rows.Close()

	out := make([]model.PendingMutation, 0)
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter pending mutations: %w", err)
	}
	return out, nil
}

// SaveMutations replaces the persisted queue with mutations, preserving order.
func (s *Store) SaveMutations(ctx context.Context, mutations []model.PendingMutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save mutations tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_mutations`); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("clear pending mutations: %w", err)
	}
	for i, m := range mutations {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO pending_mutations(position, mutation_id, endpoint, method, body, enqueued_at)
VALUES (?, ?, ?, ?, ?, ?)
`, i, m.ID, strings.TrimSpace(m.Endpoint), strings.ToUpper(strings.TrimSpace(m.Method)), nullableBody(m.Body), ts(m.EnqueuedAt)); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("insert pending mutation %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save mutations: %w", err)
	}
	return nil
}

func (s *Store) CountMutations(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_mutations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending mutations: %w", err)
	}
	return n, nil
}

func (s *Store) PutValue(ctx context.Context, key string, value any) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("kv key is required")
	}
	buf, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode kv %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO kv(key, value, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	value = excluded.value,
	updated_at = excluded.updated_at
`, key, string(buf), ts(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("put kv %s: %w", key, err)
	}
	return nil
}

// GetValue decodes the stored value into dst; ErrNotFound when absent.
func (s *Store) GetValue(ctx context.Context, key string, dst any) error {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, strings.TrimSpace(key)).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("get kv %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode kv %s: %w", key, err)
	}
	return nil
}

func (s *Store) DeleteValue(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, strings.TrimSpace(key))
	if err != nil {
		return fmt.Errorf("delete kv %s: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete kv rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMutation(scanner interface{ Scan(dest ...any) error }) (model.PendingMutation, error) {
	var (
		m          model.PendingMutation
		body       sql.NullString
		enqueuedAt string
	)
	if err := scanner.Scan(&m.ID, &m.Endpoint, &m.Method, &body, &enqueuedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PendingMutation{}, ErrNotFound
		}
		return model.PendingMutation{}, fmt.Errorf("scan pending mutation: %w", err)
	}
	if body.Valid && body.String != "" {
		m.Body = []byte(body.String)
	}
	var err error
	m.EnqueuedAt, err = parseTS(enqueuedAt)
	if err != nil {
		return model.PendingMutation{}, fmt.Errorf("parse enqueued_at: %w", err)
	}
	return m, nil
}

func nullableBody(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	return string(body)
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
