package fleetsync

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteQueueStore is the durable QueueStore backend. Entries survive
// process restarts; ids come from an AUTOINCREMENT key so they are never
// reused, even after the newest entry is removed.
type SQLiteQueueStore struct {
	db   *sql.DB
	path string
}

// OpenSQLiteQueueStore opens (creating if needed) the queue database at path.
func OpenSQLiteQueueStore(path string) (*SQLiteQueueStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create queue directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	// one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := createQueueTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &SQLiteQueueStore{db: db, path: path}, nil
}

func createQueueTables(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS queued_actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT 'POST',
		data TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		idempotency_key TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_queued_actions_timestamp ON queued_actions(timestamp);
	CREATE TABLE IF NOT EXISTS drain_lease (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		holder TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	`
	_, err := db.Exec(query)
	return err
}

// Path returns the database file location.
func (s *SQLiteQueueStore) Path() string {
	return s.path
}

func (s *SQLiteQueueStore) Add(ctx context.Context, action *QueuedAction) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO queued_actions (url, method, data, timestamp, idempotency_key) VALUES (?, ?, ?, ?, ?)`,
		action.URL, action.Method, string(action.Data), action.Timestamp, action.IdempotencyKey)
	if err != nil {
		return 0, fmt.Errorf("failed to insert action: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read action id: %w", err)
	}
	action.ID = id
	return id, nil
}

func (s *SQLiteQueueStore) List(ctx context.Context) ([]QueuedAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, method, data, timestamp, idempotency_key FROM queued_actions ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var out []QueuedAction
	for rows.Next() {
		var a QueuedAction
		var data string
		if err := rows.Scan(&a.ID, &a.URL, &a.Method, &data, &a.Timestamp, &a.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		a.Data = []byte(data)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate actions: %w", err)
	}
	return out, nil
}

func (s *SQLiteQueueStore) Remove(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queued_actions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove action %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteQueueStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queued_actions`); err != nil {
		return fmt.Errorf("failed to clear actions: %w", err)
	}
	return nil
}

func (s *SQLiteQueueStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_actions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count actions: %w", err)
	}
	return n, nil
}

// AcquireDrainLease takes or extends the single lease row. The upsert only
// overwrites a row that holder owns or that has expired.
func (s *SQLiteQueueStore) AcquireDrainLease(ctx context.Context, holder string, ttl time.Duration) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO drain_lease (id, holder, expires_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE drain_lease.holder = excluded.holder OR drain_lease.expires_at <= ?`,
		holder, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to acquire drain lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to acquire drain lease: %w", err)
	}
	if n == 0 {
		return ErrDrainBusy
	}
	return nil
}

func (s *SQLiteQueueStore) ReleaseDrainLease(ctx context.Context, holder string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM drain_lease WHERE id = 1 AND holder = ?`, holder); err != nil {
		return fmt.Errorf("failed to release drain lease: %w", err)
	}
	return nil
}

func (s *SQLiteQueueStore) drainKey() string {
	if abs, err := filepath.Abs(s.path); err == nil {
		return "sqlite:" + abs
	}
	return "sqlite:" + s.path
}

func (s *SQLiteQueueStore) Close() error {
	return s.db.Close()
}
