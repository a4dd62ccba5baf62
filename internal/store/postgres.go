package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"todo-realtime/internal/models"
)

// Store wraps pgxpool for Postgres persistence of chat messages and job runs.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateJobRun appends a job outcome row. ID and RunAt are assigned here; RetryCount is kept as given.
func (s *Store) CreateJobRun(ctx context.Context, run models.JobRun) (models.JobRun, error) {
	run.ID = uuid.New().String()
	run.RunAt = time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_runs (id, name, status, message, retry_count, run_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, run.ID, run.Name, run.Status, run.Message, run.RetryCount, run.RunAt)
	if err != nil {
		return models.JobRun{}, fmt.Errorf("insert job run: %w", err)
	}
	return run, nil
}

// GetJobRun fetches a job run by id.
func (s *Store) GetJobRun(ctx context.Context, id string) (models.JobRun, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.JobRun{}, fmt.Errorf("job run %q: %w", id, models.ErrNotFound)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, status, message, retry_count, run_at
		FROM job_runs WHERE id = $1
	`, id)
	return scanJobRun(row, id)
}

// IncrementRetryCount bumps retry_count on an existing row by one and returns the updated row.
func (s *Store) IncrementRetryCount(ctx context.Context, id string) (models.JobRun, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.JobRun{}, fmt.Errorf("job run %q: %w", id, models.ErrNotFound)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE job_runs SET retry_count = retry_count + 1
		WHERE id = $1
		RETURNING id, name, status, message, retry_count, run_at
	`, id)
	return scanJobRun(row, id)
}

// ListRecentJobRuns returns up to limit rows, newest first.
func (s *Store) ListRecentJobRuns(ctx context.Context, limit int) ([]models.JobRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, status, message, retry_count, run_at
		FROM job_runs
		ORDER BY run_at DESC, seq DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query job runs: %w", err)
	}
	defer rows.Close()

	out := make([]models.JobRun, 0, limit)
	for rows.Next() {
		var run models.JobRun
		if err := rows.Scan(&run.ID, &run.Name, &run.Status, &run.Message, &run.RetryCount, &run.RunAt); err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job runs: %w", err)
	}
	return out, nil
}

// CreateMessage persists a chat message and returns it with its assigned id and timestamp.
func (s *Store) CreateMessage(ctx context.Context, userID, text string) (models.ChatMessage, error) {
	msg := models.ChatMessage{
		ID:     uuid.New().String(),
		UserID: userID,
		Text:   text,
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO chat_messages (id, user_id, text)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, msg.ID, msg.UserID, msg.Text).Scan(&msg.CreatedAt)
	if err != nil {
		return models.ChatMessage{}, fmt.Errorf("insert chat message: %w", err)
	}
	return msg, nil
}

// ListMessages returns messages in ascending created_at order, ties broken by insertion order.
// A positive limit keeps only the newest limit messages.
func (s *Store) ListMessages(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	query := `
		SELECT id, user_id, text, created_at FROM chat_messages
		ORDER BY created_at ASC, seq ASC`
	args := []any{}
	if limit > 0 {
		query = `
		SELECT id, user_id, text, created_at FROM (
			SELECT id, user_id, text, created_at, seq FROM chat_messages
			ORDER BY created_at DESC, seq DESC
			LIMIT $1
		) recent
		ORDER BY created_at ASC, seq ASC`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer rows.Close()

	var out []models.ChatMessage
	for rows.Next() {
		var msg models.ChatMessage
		if err := rows.Scan(&msg.ID, &msg.UserID, &msg.Text, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return out, nil
}

// CountTodos returns the number of ToDo rows.
func (s *Store) CountTodos(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM todos`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count todos: %w", err)
	}
	return n, nil
}

func scanJobRun(row pgx.Row, id string) (models.JobRun, error) {
	var run models.JobRun
	if err := row.Scan(&run.ID, &run.Name, &run.Status, &run.Message, &run.RetryCount, &run.RunAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JobRun{}, fmt.Errorf("job run %q: %w", id, models.ErrNotFound)
		}
		return models.JobRun{}, fmt.Errorf("scan job run: %w", err)
	}
	return run, nil
}
