package storage

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

// SQLiteBackend stores records in a single-table SQLite database.
type SQLiteBackend struct {
	db     *sql.DB
	dbPath string
	quota  int64
}

// NewSQLiteBackend opens (or creates) the database at dbPath.
// quota <= 0 means unlimited.
func NewSQLiteBackend(dbPath string, quota int64) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; keeps quota checks and upserts serialized.
	db.SetMaxOpenConns(1)

	b := &SQLiteBackend{db: db, dbPath: dbPath, quota: quota}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initSchema() error {
	_, err := b.db.Exec(`
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`)
	return err
}

// Path returns the database file path.
func (b *SQLiteBackend) Path() string {
	return b.dbPath
}

func (b *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (b *SQLiteBackend) Set(ctx context.Context, key string, value []byte) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if b.quota > 0 {
		var used int64
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(LENGTH(key) + LENGTH(value)), 0) FROM kv WHERE key != ?`, key).Scan(&used)
		if err != nil {
			return err
		}
		if used+entrySize(key, value) > b.quota {
			return ErrQuotaExceeded
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (b *SQLiteBackend) Keys(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

var _ Backend = (*SQLiteBackend)(nil)
