package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists conversations so history and bargain counts survive
// process restarts.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates/opens the conversation database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create conversation db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes writers, which gives single-writer-per-key
	// for free.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS conversations (
			user_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			bargain_count INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY (user_id, item_id)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages(user_id, item_id, id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init conversation schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) ensure(ctx context.Context, key Key) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations(user_id, item_id, bargain_count, created_at_ms) VALUES(?, ?, 0, ?)`,
		key.UserID, key.ListingID, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("create conversation %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, key Key) (Record, error) {
	if err := key.validate(); err != nil {
		return Record{}, err
	}
	if err := s.ensure(ctx, key); err != nil {
		return Record{}, err
	}
	var bargain int
	var createdMS int64
	err := s.db.QueryRowContext(ctx,
		`SELECT bargain_count, created_at_ms FROM conversations WHERE user_id = ? AND item_id = ?`,
		key.UserID, key.ListingID).Scan(&bargain, &createdMS)
	if err != nil {
		return Record{}, fmt.Errorf("load conversation %s: %w", key, err)
	}
	turns, err := s.History(ctx, key)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Key:          key,
		Turns:        turns,
		BargainCount: bargain,
		CreatedAt:    time.UnixMilli(createdMS),
	}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, key Key, role Role, text string) error {
	if err := key.validate(); err != nil {
		return err
	}
	if err := s.ensure(ctx, key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(user_id, item_id, role, content, created_at_ms) VALUES(?, ?, ?, ?, ?)`,
		key.UserID, key.ListingID, string(role), text, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append turn to %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) History(ctx context.Context, key Key) ([]Turn, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at_ms FROM messages WHERE user_id = ? AND item_id = ? ORDER BY id ASC`,
		key.UserID, key.ListingID)
	if err != nil {
		return nil, fmt.Errorf("query history for %s: %w", key, err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var role string
		var turn Turn
		var createdMS int64
		if err := rows.Scan(&role, &turn.Text, &createdMS); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		turn.Role = Role(role)
		turn.Timestamp = time.UnixMilli(createdMS)
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

func (s *SQLiteStore) IncrementBargain(ctx context.Context, key Key) (int, error) {
	if err := key.validate(); err != nil {
		return 0, err
	}
	if err := s.ensure(ctx, key); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE conversations SET bargain_count = bargain_count + 1 WHERE user_id = ? AND item_id = ? RETURNING bargain_count`,
		key.UserID, key.ListingID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment bargain count for %s: %w", key, err)
	}
	return count, nil
}

func (s *SQLiteStore) BargainCount(ctx context.Context, key Key) (int, error) {
	if err := key.validate(); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT bargain_count FROM conversations WHERE user_id = ? AND item_id = ?`,
		key.UserID, key.ListingID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read bargain count for %s: %w", key, err)
	}
	return count, nil
}
