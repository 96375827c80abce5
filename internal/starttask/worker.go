package starttask

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/conversation/models"
	"github.com/relaydev/relay/internal/conversation/service"
	"github.com/relaydev/relay/internal/events"
	"github.com/relaydev/relay/internal/events/bus"
	"github.com/relaydev/relay/internal/sandbox"
)

// ConversationStarter is the slice of the conversation service the worker
// needs: create a conversation bound to a runtime and start it.
type ConversationStarter interface {
	CreateConversation(ctx context.Context, req service.CreateRequest) (*models.Conversation, error)
	StartConversation(ctx context.Context, id, sessionKey string) (*models.Conversation, error)
}

// Worker is the single consumer of the start-task queue. It drives each task
// through the pipeline stages, persisting and broadcasting every transition.
// A stage failure terminates that task with an Error status; the worker loop
// itself never stops on task errors.
type Worker struct {
	store         Store
	queue         *Queue
	notifier      *Notifier
	bus           bus.EventBus
	conversations ConversationStarter
	provisioner   sandbox.Provisioner
	logger        *logger.Logger
}

// NewWorker creates a worker. The provisioner may be nil, in which case
// sandbox provisioning is skipped and tasks run against the configured
// runtime gateway directly.
func NewWorker(store Store, queue *Queue, notifier *Notifier, eventBus bus.EventBus,
	conversations ConversationStarter, provisioner sandbox.Provisioner, log *logger.Logger) *Worker {
	return &Worker{
		store:         store,
		queue:         queue,
		notifier:      notifier,
		bus:           eventBus,
		conversations: conversations,
		provisioner:   provisioner,
		logger:        log.WithFields(zap.String("component", "starttask-worker")),
	}
}

// Run consumes the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("start task worker running")
	for {
		taskID, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.logger.Info("start task worker stopping", zap.Error(err))
			return
		}
		w.processTask(ctx, taskID)
	}
}

func (w *Worker) processTask(ctx context.Context, taskID string) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("start task processing panicked",
				zap.String("task_id", taskID), zap.Any("panic", r))
		}
	}()

	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		w.logger.Warn("dequeued unknown start task",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if task.Terminal() {
		w.logger.Debug("skipping terminal start task", zap.String("task_id", taskID))
		return
	}
	if task.Request == nil {
		w.fail(ctx, task, "task has no request payload", nil)
		return
	}

	sb, err := w.provisionSandbox(ctx, task)
	if err != nil {
		return
	}

	if err := w.transition(ctx, task, StatusPreparingRepository, "preparing repository "+task.Request.Repository); err != nil {
		return
	}
	setupDetail := "no setup script configured"
	if task.Request.SetupScript != "" {
		setupDetail = "running setup script"
	}
	if err := w.transition(ctx, task, StatusRunningSetupScript, setupDetail); err != nil {
		return
	}
	if err := w.transition(ctx, task, StatusSettingUpGitHooks, "installing git hooks"); err != nil {
		return
	}

	if err := w.transition(ctx, task, StatusStartingConversation, "starting conversation"); err != nil {
		return
	}
	conv, err := w.startConversation(ctx, task, sb)
	if err != nil {
		w.fail(ctx, task, "failed to start conversation", err)
		return
	}

	task.AppConversationID = conv.ID
	_ = w.transition(ctx, task, StatusReady, "conversation ready")
	w.logger.Info("start task completed",
		zap.String("task_id", task.ID),
		zap.String("conversation_id", conv.ID))
}

// provisionSandbox runs the sandbox stage. Provisioning is best-effort: on
// failure the task degrades to running without a sandbox instead of ending
// in Error. The stage transition itself is not best-effort: a persistence
// failure has already moved the task to Error and must stop the pipeline.
func (w *Worker) provisionSandbox(ctx context.Context, task *Task) (*sandbox.Sandbox, error) {
	if err := w.transition(ctx, task, StatusWaitingForSandbox, "provisioning sandbox"); err != nil {
		return nil, err
	}
	if w.provisioner == nil {
		w.logger.Debug("no sandbox provisioner configured", zap.String("task_id", task.ID))
		return nil, nil
	}

	spec := &sandbox.Spec{
		ConversationID: task.ID,
		Repository:     task.Request.Repository,
		Branch:         task.Request.Branch,
		SetupScript:    task.Request.SetupScript,
		Env:            task.Request.Env,
	}
	sb, err := w.provisioner.StartSandbox(ctx, spec)
	if err != nil {
		w.logger.Warn("sandbox provisioning failed, continuing without sandbox",
			zap.String("task_id", task.ID), zap.Error(err))
		return nil, nil
	}

	task.SandboxID = sb.ID
	if err := w.store.UpdateTask(ctx, task); err != nil {
		w.logger.Warn("failed to record sandbox id",
			zap.String("task_id", task.ID), zap.Error(err))
	}
	w.logger.Info("sandbox ready",
		zap.String("task_id", task.ID), zap.String("sandbox_id", sb.ID))
	return sb, nil
}

func (w *Worker) startConversation(ctx context.Context, task *Task, sb *sandbox.Sandbox) (*models.Conversation, error) {
	req := service.CreateRequest{
		CreatedByUserID: task.Request.CreatedByUserID,
		Title:           task.Request.Title,
		Trigger:         "start-task",
		Repository:      task.Request.Repository,
		Branch:          task.Request.Branch,
		GitProvider:     task.Request.GitProvider,
		InitialMessage:  task.Request.InitialMessage,
	}
	if sb != nil {
		req.Metadata = map[string]interface{}{
			"sandbox_id":  sb.ID,
			"runtime_url": sb.RuntimeURL,
		}
	}

	conv, err := w.conversations.CreateConversation(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	started, err := w.conversations.StartConversation(ctx, conv.ID, conv.SessionAPIKey)
	if err != nil {
		return nil, fmt.Errorf("start conversation %s: %w", conv.ID, err)
	}
	return started, nil
}

// transition persists the new stage and broadcasts it to subscribers and the
// event bus. A persistence failure ends the task in Error.
func (w *Worker) transition(ctx context.Context, task *Task, status Status, detail string) error {
	task.Status = status
	task.Detail = detail
	if err := w.store.UpdateTask(ctx, task); err != nil {
		w.logger.Error("failed to persist start task transition",
			zap.String("task_id", task.ID),
			zap.String("status", string(status)),
			zap.Error(err))
		w.fail(ctx, task, "failed to persist state transition", err)
		return err
	}
	w.broadcast(ctx, task)
	return nil
}

// fail moves the task to terminal Error and broadcasts it. Never returns an
// error so stage code can bail out with a bare return.
func (w *Worker) fail(ctx context.Context, task *Task, detail string, cause error) {
	task.Status = StatusError
	task.FailureDetail = detail
	if cause != nil {
		task.BackendError = cause.Error()
	}
	if err := w.store.UpdateTask(ctx, task); err != nil {
		w.logger.Error("failed to persist start task failure",
			zap.String("task_id", task.ID), zap.Error(err))
	}
	w.broadcast(ctx, task)
	w.logger.Warn("start task failed",
		zap.String("task_id", task.ID),
		zap.String("detail", detail),
		zap.Error(cause))
}

func (w *Worker) broadcast(ctx context.Context, task *Task) {
	w.notifier.Publish(task)

	eventType := events.StartTaskUpdated
	if task.Terminal() {
		eventType = events.StartTaskFinished
	}
	event := bus.NewEvent(eventType, "starttask-worker", map[string]interface{}{
		"task_id": task.ID,
		"status":  string(task.Status),
		"detail":  task.Detail,
	})
	if err := w.bus.Publish(ctx, events.BuildStartTaskSubject(task.ID), event); err != nil {
		w.logger.Warn("failed to publish start task event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
