// Package store persists messages, chat metadata, registered groups,
// sessions, router cursors, and scheduled tasks in a local SQLite database.
//
// The router and orchestrator are the only writers of cursor and group
// state; channel callbacks only append messages and chat metadata. That
// single-writer-per-key discipline is what makes the store safe without
// row-level locking.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and applies
// pending migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent orchestrator runs.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// NewMigrator builds a standalone migrator over the database at path, for
// the migrate CLI subcommands. The caller closes both.
func NewMigrator(path string) (*migrate.Migrate, *sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, db, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// StoreMessage inserts or replaces one message.
func (s *Store) StoreMessage(m Message) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO messages
			(id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatJID, m.Sender, m.SenderName, m.Content, m.Timestamp,
		boolInt(m.IsFromMe), boolInt(m.IsBot))
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

// StoreChatMetadata upserts chat metadata, keeping the newest activity time.
func (s *Store) StoreChatMetadata(chat Chat) error {
	_, err := s.db.Exec(`
		INSERT INTO chats (jid, name, channel, is_group, last_message_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			channel = CASE WHEN excluded.channel != '' THEN excluded.channel ELSE chats.channel END,
			is_group = excluded.is_group,
			last_message_time = MAX(chats.last_message_time, excluded.last_message_time)`,
		chat.JID, chat.Name, chat.Channel, boolInt(chat.IsGroup), chat.LastMessageTime)
	if err != nil {
		return fmt.Errorf("store chat metadata: %w", err)
	}
	return nil
}

// MessagesSince returns all user messages across jids with timestamp
// strictly greater than since, ordered by (timestamp, id), plus the new
// high-water mark (unchanged when no rows match). Messages authored by the
// assistant or sent by the account itself are excluded.
func (s *Store) MessagesSince(jids []string, since string) ([]Message, string, error) {
	if len(jids) == 0 {
		return nil, since, nil
	}

	placeholders := strings.Repeat("?,", len(jids)-1) + "?"
	args := make([]any, 0, len(jids)+1)
	for _, jid := range jids {
		args = append(args, jid)
	}
	args = append(args, since)

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		FROM messages
		WHERE chat_jid IN (%s) AND timestamp > ? AND is_from_me = 0 AND is_bot_message = 0
		ORDER BY timestamp, id`, placeholders), args...)
	if err != nil {
		return nil, since, fmt.Errorf("query new messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, since, err
	}

	highWater := since
	if len(msgs) > 0 {
		highWater = msgs[len(msgs)-1].Timestamp
	}
	return msgs, highWater, nil
}

// MessagesSinceJID returns all pending user messages for one conversation
// with timestamp strictly greater than since, ordered by (timestamp, id).
func (s *Store) MessagesSinceJID(jid, since string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		FROM messages
		WHERE chat_jid = ? AND timestamp > ? AND is_from_me = 0 AND is_bot_message = 0
		ORDER BY timestamp, id`, jid, since)
	if err != nil {
		return nil, fmt.Errorf("query messages for %s: %w", jid, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// AllChats returns every known chat ordered by most recent activity.
func (s *Store) AllChats() ([]Chat, error) {
	rows, err := s.db.Query(`
		SELECT jid, name, channel, is_group, last_message_time
		FROM chats ORDER BY last_message_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		var isGroup int
		if err := rows.Scan(&c.JID, &c.Name, &c.Channel, &isGroup, &c.LastMessageTime); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.IsGroup = isGroup != 0
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var fromMe, isBot int
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.Sender, &m.SenderName, &m.Content,
			&m.Timestamp, &fromMe, &isBot); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.IsFromMe = fromMe != 0
		m.IsBot = isBot != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
