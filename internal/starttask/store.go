package starttask

import (
	"context"
	"time"
)

// SearchOptions filters task searches.
type SearchOptions struct {
	Status Status
	Limit  int
	Offset int
}

// Store persists start tasks.
type Store interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
	SearchTasks(ctx context.Context, opts SearchOptions) ([]*Task, error)

	// DeleteTerminalBefore purges terminal tasks last updated before the
	// threshold. Idempotent, best-effort.
	DeleteTerminalBefore(ctx context.Context, threshold time.Time) (int, error)

	Close() error
}
