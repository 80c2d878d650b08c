// Package store persists the local cache of backend chat messages and the
// journal of task submissions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dvhoward/stackpilot/internal/orchestrator"
)

// MessageStore caches authoritative chat messages locally so the history
// command and the messages endpoint work between realtime refetches.
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore creates a new MessageStore.
func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

// DB returns the underlying database connection.
func (s *MessageStore) DB() *sql.DB {
	return s.db
}

// Upsert writes a batch of authoritative messages, replacing any cached copy
// with the same id.
func (s *MessageStore) Upsert(ctx context.Context, msgs []orchestrator.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	for _, m := range msgs {
		var meta any
		if len(m.Metadata) > 0 {
			meta = string(m.Metadata)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, role, content, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   session_id = excluded.session_id,
			   role       = excluded.role,
			   content    = excluded.content,
			   metadata   = excluded.metadata,
			   created_at = excluded.created_at`,
			m.ID, m.SessionID, m.Role, m.Content, meta,
			m.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("upsert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// ListBySession retrieves cached messages for a session, oldest first, up to
// limit rows (0 means no limit).
func (s *MessageStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]orchestrator.Message, error) {
	query := `SELECT id, session_id, role, content, metadata, created_at
	 FROM messages WHERE session_id = ? ORDER BY created_at ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []orchestrator.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (orchestrator.Message, error) {
	var m orchestrator.Message
	var metadata sql.NullString
	var createdAt string

	if err := s.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &metadata, &createdAt); err != nil {
		return orchestrator.Message{}, fmt.Errorf("scan message: %w", err)
	}

	if metadata.Valid && metadata.String != "" {
		m.Metadata = json.RawMessage(metadata.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		m.CreatedAt = t
	}
	return m, nil
}
