package starttask

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperr "github.com/relaydev/relay/internal/common/errors"
)

// MemoryStore is an in-memory task store for tests and single-process
// development setups.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// CreateTask stores a new task.
func (s *MemoryStore) CreateTask(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	s.tasks[task.ID] = task.Clone()
	return nil
}

// GetTask returns a copy of the stored task.
func (s *MemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, apperr.NotFound("start task", id)
	}
	return task.Clone(), nil
}

// UpdateTask overwrites the stored task.
func (s *MemoryStore) UpdateTask(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; !ok {
		return apperr.NotFound("start task", task.ID)
	}
	task.UpdatedAt = time.Now().UTC()
	s.tasks[task.ID] = task.Clone()
	return nil
}

// SearchTasks returns matching tasks, newest first.
func (s *MemoryStore) SearchTasks(_ context.Context, opts SearchOptions) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Task
	for _, task := range s.tasks {
		if opts.Status != "" && task.Status != opts.Status {
			continue
		}
		matched = append(matched, task.Clone())
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// DeleteTerminalBefore purges terminal tasks last updated before threshold.
func (s *MemoryStore) DeleteTerminalBefore(_ context.Context, threshold time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, task := range s.tasks {
		if task.Terminal() && task.UpdatedAt.Before(threshold) {
			delete(s.tasks, id)
			purged++
		}
	}
	return purged, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
