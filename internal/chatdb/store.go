// Package chatdb is the read-only adapter over the Messages chat.db
// sqlite database, including the attributedBody decoder and the
// Cocoa-epoch timestamp conversion.
package chatdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Message is the decoded read-through view of one chat.db row.
type Message struct {
	ID           string    `json:"id"`
	ChatID       string    `json:"chat_id,omitempty"`
	Sender       string    `json:"sender"`
	TimestampUTC time.Time `json:"timestamp_utc"`
	Text         string    `json:"text"`
	IsFromMe     bool      `json:"is_from_me"`
	Attachments  int       `json:"attachments"`
	GroupName    string    `json:"group_name,omitempty"`
}

// Group is a group chat summary row.
type Group struct {
	ChatID         string    `json:"chat_id"`
	ChatIdentifier string    `json:"chat_identifier"`
	DisplayName    string    `json:"display_name,omitempty"`
	LastMessageUTC time.Time `json:"last_message_utc"`
	MessageCount   int64     `json:"message_count"`
}

// Store holds the warm read-only chat.db handle. The single underlying
// connection is an exclusive resource; every query serializes on mu so
// concurrent requests cannot interleave on handle state.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open opens chat.db read-only. A missing file or an EPERM from the OS
// sandbox (no Full Disk Access) is reported to the caller as-is so the
// backend can map it to a permission error.
func Open(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("chat.db not accessible at %s: %w", path, err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open chat.db: %w", err)
	}
	// One connection total: the handle is shared with the Messages app's
	// own writer and must not fan out.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open chat.db: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the chat.db location this store reads.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

const messageColumns = `
	m.ROWID,
	m.guid,
	COALESCE(m.text, ''),
	m.attributedBody,
	m.is_from_me,
	m.date,
	COALESCE(h.id, ''),
	COALESCE(c.chat_identifier, ''),
	COALESCE(c.display_name, ''),
	(SELECT COUNT(*) FROM message_attachment_join maj WHERE maj.message_id = m.ROWID)
`

const messageJoins = `
	FROM message m
	LEFT JOIN handle h ON m.handle_id = h.ROWID
	LEFT JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
	LEFT JOIN chat c ON cmj.chat_id = c.ROWID
`

// UnreadCount returns the number of unread inbound messages.
func (s *Store) UnreadCount(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM message m
		WHERE m.is_from_me = 0
		  AND m.date_read = 0
		  AND m.is_read = 0
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unread count query: %w", err)
	}
	return n, nil
}

// Unread returns unread inbound messages, newest first.
func (s *Store) Unread(ctx context.Context, limit int) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+messageJoins+`
		WHERE m.is_from_me = 0
		  AND m.date_read = 0
		  AND m.is_read = 0
		ORDER BY m.date DESC
		LIMIT ?
	`, limit)
}

// Recent returns the most recent messages across all chats.
func (s *Store) Recent(ctx context.Context, limit int) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+messageJoins+`
		ORDER BY m.date DESC
		LIMIT ?
	`, limit)
}

// Search matches the plain-text column with LIKE. Rows whose text lives
// only in attributedBody are not searchable upstream either; the
// decoder still runs on every returned row.
func (s *Store) Search(ctx context.Context, query string, limit int, since *time.Time) ([]Message, error) {
	if since != nil {
		return s.queryMessages(ctx, `
			SELECT `+messageColumns+messageJoins+`
			WHERE m.text LIKE '%' || ? || '%'
			  AND m.date >= ?
			ORDER BY m.date DESC
			LIMIT ?
		`, query, ToCocoa(*since), limit)
	}
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+messageJoins+`
		WHERE m.text LIKE '%' || ? || '%'
		ORDER BY m.date DESC
		LIMIT ?
	`, query, limit)
}

// MessagesByHandle returns the conversation with one handle (phone or
// email), newest first.
func (s *Store) MessagesByHandle(ctx context.Context, handle string, limit int) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+messageJoins+`
		WHERE h.id = ?
		ORDER BY m.date DESC
		LIMIT ?
	`, handle, limit)
}

// GroupMessages returns messages in a group chat by chat_identifier.
func (s *Store) GroupMessages(ctx context.Context, chatIdentifier string, limit int) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM message m
		JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
		JOIN chat c ON cmj.chat_id = c.ROWID
		LEFT JOIN handle h ON m.handle_id = h.ROWID
		WHERE c.chat_identifier = ?
		ORDER BY m.date DESC
		LIMIT ?
	`, chatIdentifier, limit)
}

// Groups lists group chats, most recently active first.
func (s *Store) Groups(ctx context.Context, limit int) ([]Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			c.ROWID,
			c.chat_identifier,
			COALESCE(c.display_name, ''),
			COALESCE((SELECT MAX(m.date) FROM message m
			 JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
			 WHERE cmj.chat_id = c.ROWID), 0) as last_date,
			(SELECT COUNT(*) FROM chat_message_join cmj
			 WHERE cmj.chat_id = c.ROWID) as msg_count
		FROM chat c
		WHERE c.chat_identifier LIKE 'chat%'
		   OR (c.display_name IS NOT NULL AND c.display_name != '')
		ORDER BY last_date DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("groups query: %w", err)
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var g Group
		var rowid int64
		var lastDate int64
		if err := rows.Scan(&rowid, &g.ChatIdentifier, &g.DisplayName, &lastDate, &g.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		g.ChatID = fmt.Sprintf("%d", rowid)
		g.LastMessageUTC = FromCocoa(lastDate)
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating groups: %w", err)
	}
	return out, nil
}

// GroupParticipants returns handle identifiers for a group chat.
func (s *Store) GroupParticipants(ctx context.Context, chatIdentifier string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT h.id
		FROM handle h
		JOIN chat_handle_join chj ON h.ROWID = chj.handle_id
		JOIN chat c ON chj.chat_id = c.ROWID
		WHERE c.chat_identifier = ?
	`, chatIdentifier)
	if err != nil {
		return nil, fmt.Errorf("participants query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("message query: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			rowid      int64
			guid       string
			text       string
			blob       []byte
			isFromMe   int
			date       int64
			handle     string
			chatIdent  string
			groupName  string
			attachment int
		)
		if err := rows.Scan(&rowid, &guid, &text, &blob, &isFromMe, &date, &handle, &chatIdent, &groupName, &attachment); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		sender := handle
		if isFromMe == 1 {
			sender = "me"
		}

		out = append(out, Message{
			ID:           guid,
			ChatID:       chatIdent,
			Sender:       sender,
			TimestampUTC: FromCocoa(date),
			Text:         DecodeBody(text, blob),
			IsFromMe:     isFromMe == 1,
			Attachments:  attachment,
			GroupName:    groupName,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating messages: %w", err)
	}
	return out, nil
}
