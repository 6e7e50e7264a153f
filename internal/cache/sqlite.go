package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createEntriesTable = `
CREATE TABLE IF NOT EXISTS entries (
	key TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL,
	value BLOB NOT NULL
);
`

// sqliteStore 将条目保存在单个 SQLite 文件中；expires_at 为 0 表示不过期。
type sqliteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore 打开（必要时创建）path 指向的数据库。
func NewSQLiteStore(path string) (Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// SQLite 只允许单写者，单连接避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		createEntriesTable,
		"CREATE INDEX IF NOT EXISTS entries_expires_idx ON entries (expires_at)",
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate cache db: %w", err)
		}
	}

	return &sqliteStore{db: db, now: time.Now}, nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var expiresAt int64
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT expires_at, value FROM entries WHERE key = ?", key).
		Scan(&expiresAt, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if expiresAt > 0 && s.now().UnixMilli() >= expiresAt {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE key = ? AND expires_at = ?", key, expiresAt); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *sqliteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).UnixMilli()
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (key, expires_at, value) VALUES (?, ?, ?)",
		key, expiresAt, value)
	return err
}

func (s *sqliteStore) FlushAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries")
	return err
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
