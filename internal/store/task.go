package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskRecord is one journaled submission.
type TaskRecord struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	SessionID   *string    `json:"session_id,omitempty"`
	State       string     `json:"state"`
	Status      *string    `json:"status,omitempty"`
	Message     *string    `json:"message,omitempty"`
	Iterations  int        `json:"iterations"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskStore journals submissions and their terminal outcomes.
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore creates a new TaskStore.
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

// Create journals a new submission in its initial state.
func (s *TaskStore) Create(ctx context.Context, description string) (*TaskRecord, error) {
	now := time.Now().UTC()
	rec := &TaskRecord{
		ID:          uuid.New().String(),
		Description: description,
		State:       "streaming",
		CreatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, description, state, iterations, created_at)
		 VALUES (?, ?, ?, 0, ?)`,
		rec.ID, rec.Description, rec.State, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return rec, nil
}

// Finish records a submission's terminal outcome.
func (s *TaskStore) Finish(ctx context.Context, id, state string, status, message, sessionID *string, iterations int) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, status = COALESCE(?, status), message = COALESCE(?, message),
		 session_id = COALESCE(?, session_id), iterations = ?, completed_at = ?
		 WHERE id = ?`,
		state, status, message, sessionID, iterations, now, id,
	)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	return nil
}

// GetByID retrieves one journaled submission.
func (s *TaskStore) GetByID(ctx context.Context, id string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, description, session_id, state, status, message, iterations, created_at, completed_at
		 FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// List retrieves journaled submissions, newest first.
func (s *TaskStore) List(ctx context.Context, limit int) ([]*TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, description, session_id, state, status, message, iterations, created_at, completed_at
		 FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var recs []*TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanTask(s scanner) (*TaskRecord, error) {
	var rec TaskRecord
	var sessionID, status, message sql.NullString
	var createdAt string
	var completedAt *string

	err := s.Scan(&rec.ID, &rec.Description, &sessionID, &rec.State,
		&status, &message, &rec.Iterations, &createdAt, &completedAt)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if sessionID.Valid {
		v := sessionID.String
		rec.SessionID = &v
	}
	if status.Valid {
		v := status.String
		rec.Status = &v
	}
	if message.Valid {
		v := message.String
		rec.Message = &v
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if completedAt != nil {
		if t, err := time.Parse(time.RFC3339Nano, *completedAt); err == nil {
			rec.CompletedAt = &t
		}
	}
	return &rec, nil
}
