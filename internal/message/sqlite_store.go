package message

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const createMessagesTable = `
CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	text TEXT NOT NULL,
	user_id TEXT NOT NULL,
	user_name TEXT NOT NULL,
	user_image TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	action TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
`

// OpenSQLite opens (or creates) a sqlite database at path.
func OpenSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// One connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// SQLiteStore persists messages in a sqlite table ordered by insertion.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore wraps an open database. Call Init before use.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// Init creates the messages table if it does not exist.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createMessagesTable); err != nil {
		return fmt.Errorf("create messages table: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, msg *Message) (*Message, error) {
	stored := stamp(msg, s.now())
	_, err := s.db.ExecContext(ctx, `
INSERT INTO messages (id, text, user_id, user_name, user_image, type, action, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID,
		stored.Text,
		stored.User.ID,
		stored.User.Name,
		stored.User.ProfileImage,
		string(stored.Type),
		string(stored.Action),
		stored.Timestamp.UnixMilli(),
	)
	if err != nil {
		return nil, storageErr("insert message", err)
	}
	return stored, nil
}

func (s *SQLiteStore) Page(ctx context.Context, page, size int) (Page, error) {
	if err := checkPage(page, size); err != nil {
		return Page{}, err
	}

	total, err := s.Count(ctx)
	if err != nil {
		return Page{}, err
	}

	msgs, err := s.newestFirst(ctx, size, page*size)
	if err != nil {
		return Page{}, err
	}
	return Page{Messages: msgs, HasMore: page*size+size < total}, nil
}

func (s *SQLiteStore) Recent(ctx context.Context, n int) ([]*Message, error) {
	if n <= 0 {
		return []*Message{}, nil
	}
	return s.newestFirst(ctx, n, 0)
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, storageErr("count messages", err)
	}
	return n, nil
}

// newestFirst reads limit rows skipping the newest offset, and returns them
// oldest first.
func (s *SQLiteStore) newestFirst(ctx context.Context, limit, offset int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, text, user_id, user_name, user_image, type, action, created_at
FROM messages
ORDER BY seq DESC
LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, storageErr("query messages", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, storageErr("scan message", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate messages", err)
	}

	result := make([]*Message, len(msgs))
	for i, m := range msgs {
		result[len(msgs)-1-i] = m
	}
	return result, nil
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	var (
		m      Message
		typ    string
		action string
		millis int64
	)
	if err := rows.Scan(&m.ID, &m.Text, &m.User.ID, &m.User.Name, &m.User.ProfileImage, &typ, &action, &millis); err != nil {
		return nil, err
	}
	m.Type = Type(typ)
	m.Action = Action(action)
	m.Timestamp = time.UnixMilli(millis).UTC()
	return &m, nil
}
