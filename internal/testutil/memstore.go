// Package testutil provides in-memory stand-ins for the Postgres store used by package tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"todo-realtime/internal/models"
)

// MemStore implements the message, job-run and todo-count surfaces of store.Store in memory.
// Setting one of the Err fields makes the matching call fail. CreateMessage fails on a done
// context the way the pgx pool does.
type MemStore struct {
	mu       sync.Mutex
	messages []models.ChatMessage
	runs     []models.JobRun
	todos    int64

	Now func() time.Time

	CreateMessageErr error
	ListMessagesErr  error
	CreateJobRunErr  error
	ListJobRunsErr   error
	CountTodosErr    error

	// OnCreateJobRun observes each persisted run before CreateJobRun returns.
	OnCreateJobRun func(models.JobRun)
}

func NewMemStore() *MemStore {
	return &MemStore{Now: func() time.Time { return time.Now().UTC() }}
}

func (m *MemStore) SetTodos(n int64) {
	m.mu.Lock()
	m.todos = n
	m.mu.Unlock()
}

func (m *MemStore) CountTodos(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CountTodosErr != nil {
		return 0, m.CountTodosErr
	}
	return m.todos, nil
}

func (m *MemStore) CreateMessage(ctx context.Context, userID, text string) (models.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return models.ChatMessage{}, fmt.Errorf("insert chat message: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateMessageErr != nil {
		return models.ChatMessage{}, m.CreateMessageErr
	}
	msg := models.ChatMessage{
		ID:        uuid.New().String(),
		UserID:    userID,
		Text:      text,
		CreatedAt: m.Now(),
	}
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *MemStore) ListMessages(_ context.Context, limit int) ([]models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListMessagesErr != nil {
		return nil, m.ListMessagesErr
	}
	out := append([]models.ChatMessage(nil), m.messages...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MemStore) CreateJobRun(_ context.Context, run models.JobRun) (models.JobRun, error) {
	m.mu.Lock()
	if m.CreateJobRunErr != nil {
		m.mu.Unlock()
		return models.JobRun{}, m.CreateJobRunErr
	}
	run.ID = uuid.New().String()
	run.RunAt = m.Now()
	m.runs = append(m.runs, run)
	hook := m.OnCreateJobRun
	m.mu.Unlock()

	if hook != nil {
		hook(run)
	}
	return run, nil
}

// AddJobRun seeds a row directly.
func (m *MemStore) AddJobRun(run models.JobRun) models.JobRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.RunAt.IsZero() {
		run.RunAt = m.Now()
	}
	m.runs = append(m.runs, run)
	return run
}

func (m *MemStore) GetJobRun(_ context.Context, id string) (models.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.runs {
		if run.ID == id {
			return run, nil
		}
	}
	return models.JobRun{}, fmt.Errorf("job run %q: %w", id, models.ErrNotFound)
}

func (m *MemStore) IncrementRetryCount(_ context.Context, id string) (models.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == id {
			m.runs[i].RetryCount++
			return m.runs[i], nil
		}
	}
	return models.JobRun{}, fmt.Errorf("job run %q: %w", id, models.ErrNotFound)
}

func (m *MemStore) ListRecentJobRuns(_ context.Context, limit int) ([]models.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListJobRunsErr != nil {
		return nil, m.ListJobRunsErr
	}
	out := make([]models.JobRun, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0; i-- {
		out = append(out, m.runs[i])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RunAt.After(out[j].RunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// JobRuns returns every stored run in insertion order.
func (m *MemStore) JobRuns() []models.JobRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.JobRun(nil), m.runs...)
}
