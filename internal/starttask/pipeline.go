package starttask

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/config"
	apperr "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/events"
	"github.com/relaydev/relay/internal/events/bus"
)

// Pipeline is the public surface of the start-task subsystem: submit a task,
// inspect it, search, and stream its transitions. The actual work happens in
// the Worker consuming the shared queue.
type Pipeline struct {
	store    Store
	queue    *Queue
	notifier *Notifier
	bus      bus.EventBus
	cfg      config.StartTaskConfig
	logger   *logger.Logger
}

// NewPipeline wires the pipeline around a store, queue, notifier and bus.
func NewPipeline(store Store, queue *Queue, notifier *Notifier, eventBus bus.EventBus, cfg config.StartTaskConfig, log *logger.Logger) *Pipeline {
	return &Pipeline{
		store:    store,
		queue:    queue,
		notifier: notifier,
		bus:      eventBus,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "starttask-pipeline")),
	}
}

// Submit validates and persists a new task, enqueues it for the worker, and
// returns the queued task. The caller observes progress via Subscribe or
// polling GetTask.
func (p *Pipeline) Submit(ctx context.Context, req *StartRequest) (*Task, error) {
	if req == nil || req.Repository == "" {
		return nil, apperr.Validation("repository", "repository is required")
	}

	task := &Task{
		Status:  StatusWorking,
		Detail:  "queued",
		Request: req,
	}
	if err := p.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	p.queue.Enqueue(task.ID)
	p.publish(ctx, events.StartTaskQueued, task)
	p.logger.Info("start task queued",
		zap.String("task_id", task.ID),
		zap.String("repository", req.Repository))
	return task.Clone(), nil
}

// GetTask returns the current task state.
func (p *Pipeline) GetTask(ctx context.Context, id string) (*Task, error) {
	return p.store.GetTask(ctx, id)
}

// SearchTasks lists tasks, purging expired terminal tasks first so search
// results never include records past their retention window.
func (p *Pipeline) SearchTasks(ctx context.Context, opts SearchOptions) ([]*Task, error) {
	threshold := time.Now().UTC().Add(-p.cfg.Retention())
	if purged, err := p.store.DeleteTerminalBefore(ctx, threshold); err != nil {
		p.logger.Warn("start task cleanup failed", zap.Error(err))
	} else if purged > 0 {
		p.logger.Debug("purged expired start tasks", zap.Int("count", purged))
	}
	return p.store.SearchTasks(ctx, opts)
}

// Subscribe streams every transition of a task, beginning with its current
// state. The channel closes when the task reaches a terminal state or the
// cancel function is called. A task already terminal yields exactly one
// snapshot before closing.
func (p *Pipeline) Subscribe(ctx context.Context, id string) (<-chan *Task, func(), error) {
	task, err := p.store.GetTask(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := p.notifier.Subscribe(task)
	if task.Terminal() {
		return ch, cancel, nil
	}

	// The worker may have finished the task between the read and the
	// registration; that terminal broadcast evicted the task before this
	// subscriber joined and nothing will ever be published to it again.
	// Re-read and replay the terminal state so the channel still closes.
	latest, err := p.store.GetTask(ctx, id)
	if err == nil && latest.Terminal() {
		p.notifier.Publish(latest)
	}
	return ch, cancel, nil
}

// publish emits a task event on the task-scoped subject so one subscription
// can follow a single task's lifecycle.
func (p *Pipeline) publish(ctx context.Context, eventType string, task *Task) {
	event := bus.NewEvent(eventType, "starttask-pipeline", map[string]interface{}{
		"task_id": task.ID,
		"status":  string(task.Status),
	})
	if err := p.bus.Publish(ctx, events.BuildStartTaskSubject(task.ID), event); err != nil {
		p.logger.Warn("failed to publish start task event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
