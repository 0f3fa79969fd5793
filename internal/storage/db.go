// Package storage persists chat snapshots. DB keeps them in SQLite; FileStore
// keeps them in a single JSON document.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"

	"github.com/petervdpas/parley/internal/chat"
)

var log = logging.Logger("storage")

// DB wraps a SQLite database holding users, chats and messages.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT NOT NULL,
	username      TEXT PRIMARY KEY,
	email         TEXT DEFAULT '',
	display_name  TEXT DEFAULT '',
	avatar        TEXT,
	bio           TEXT DEFAULT '',
	status        TEXT DEFAULT 'offline',
	password_hash TEXT DEFAULT '',
	created_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS chats (
	id           TEXT PRIMARY KEY,
	participants TEXT NOT NULL,
	is_group     INTEGER DEFAULT 0,
	name         TEXT DEFAULT '',
	created_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	chat_id       TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	sender        TEXT NOT NULL,
	sender_name   TEXT DEFAULT '',
	sender_avatar TEXT,
	content       TEXT DEFAULT '',
	type          TEXT NOT NULL,
	duration      INTEGER,
	ts            INTEGER NOT NULL,
	read_by       TEXT DEFAULT '[]',
	listened_by   TEXT DEFAULT '[]',
	deleted       INTEGER DEFAULT 0,
	deleted_for   TEXT DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS messages_chat_ts ON messages(chat_id, ts);
`

// Open opens or creates the database file at path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; keeps PRAGMAs applied to the only connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &DB{db: db, path: path}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Path() string {
	return d.path
}

// Load reads the whole store.
func (d *DB) Load(ctx context.Context) (chat.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := chat.Snapshot{Users: []chat.User{}, Chats: []chat.Chat{}, Messages: []chat.Message{}}
	var err error
	if s.Users, err = d.loadUsers(ctx); err != nil {
		return chat.Snapshot{}, fmt.Errorf("load users: %w", err)
	}
	if s.Chats, err = d.loadChats(ctx); err != nil {
		return chat.Snapshot{}, fmt.Errorf("load chats: %w", err)
	}
	if s.Messages, err = d.loadMessages(ctx); err != nil {
		return chat.Snapshot{}, fmt.Errorf("load messages: %w", err)
	}
	return s, nil
}

func (d *DB) loadUsers(ctx context.Context) ([]chat.User, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, username, email, display_name, avatar, bio, status, password_hash, created_at
		FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []chat.User{}
	for rows.Next() {
		var u chat.User
		var avatar sql.NullString
		var created int64
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &avatar,
			&u.Bio, &u.Status, &u.PasswordHash, &created); err != nil {
			return nil, err
		}
		if avatar.Valid {
			u.Avatar = &avatar.String
		}
		u.CreatedAt = time.UnixMilli(created)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (d *DB) loadChats(ctx context.Context) ([]chat.Chat, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, participants, is_group, name, created_at FROM chats ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chats := []chat.Chat{}
	for rows.Next() {
		var c chat.Chat
		var participants string
		var isGroup int
		var created int64
		if err := rows.Scan(&c.ID, &participants, &isGroup, &c.Name, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
			return nil, fmt.Errorf("chat %s participants: %w", c.ID, err)
		}
		c.IsGroup = isGroup != 0
		c.CreatedAt = time.UnixMilli(created)
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

func (d *DB) loadMessages(ctx context.Context) ([]chat.Message, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, chat_id, sender, sender_name, sender_avatar, content, type, duration,
		       ts, read_by, listened_by, deleted, deleted_for
		FROM messages ORDER BY chat_id, ts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []chat.Message{}
	for rows.Next() {
		var m chat.Message
		var avatar sql.NullString
		var duration sql.NullInt64
		var ts int64
		var deleted int
		var readBy, listenedBy, deletedFor string
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderUsername, &m.SenderName, &avatar,
			&m.Content, &m.Type, &duration, &ts, &readBy, &listenedBy, &deleted, &deletedFor); err != nil {
			return nil, err
		}
		if avatar.Valid {
			m.SenderAvatar = &avatar.String
		}
		if duration.Valid {
			v := int(duration.Int64)
			m.Duration = &v
		}
		m.Timestamp = time.UnixMilli(ts)
		m.Deleted = deleted != 0
		m.ReadBy = decodeSet(readBy)
		m.ListenedBy = decodeSet(listenedBy)
		m.DeletedFor = decodeSet(deletedFor)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Save replaces the stored contents with s in one transaction.
func (d *DB) Save(ctx context.Context, s chat.Snapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{`DELETE FROM messages`, `DELETE FROM chats`, `DELETE FROM users`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
	}

	userStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO users (id, username, email, display_name, avatar, bio, status, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer userStmt.Close()
	for _, u := range s.Users {
		if _, err := userStmt.ExecContext(ctx, u.ID, u.Username, u.Email, u.DisplayName,
			nullString(u.Avatar), u.Bio, u.Status, u.PasswordHash, u.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert user %s: %w", u.Username, err)
		}
	}

	chatStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chats (id, participants, is_group, name, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer chatStmt.Close()
	for _, c := range s.Chats {
		if _, err := chatStmt.ExecContext(ctx, c.ID, encodeSet(c.Participants), boolInt(c.IsGroup),
			c.Name, c.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert chat %s: %w", c.ID, err)
		}
	}

	msgStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, chat_id, sender, sender_name, sender_avatar, content, type, duration,
		                      ts, read_by, listened_by, deleted, deleted_for)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer msgStmt.Close()
	for _, m := range s.Messages {
		var duration any
		if m.Duration != nil {
			duration = *m.Duration
		}
		if _, err := msgStmt.ExecContext(ctx, m.ID, m.ChatID, m.SenderUsername, m.SenderName,
			nullString(m.SenderAvatar), m.Content, string(m.Type), duration, m.Timestamp.UnixMilli(),
			encodeSet(m.ReadBy), encodeSet(m.ListenedBy), boolInt(m.Deleted), encodeSet(m.DeletedFor)); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	log.Debugf("saved %d users, %d chats, %d messages to %s", len(s.Users), len(s.Chats), len(s.Messages), d.path)
	return nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeSet(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeSet(s string) []string {
	out := []string{}
	if s == "" {
		return out
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		log.Warnf("bad set column %q: %v", s, err)
		return []string{}
	}
	return out
}
