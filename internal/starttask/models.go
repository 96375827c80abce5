// Package starttask implements the asynchronous start-task pipeline: an
// unbounded work queue, a single background worker, and a per-task fan-out
// notifier broadcasting every status transition to subscribers.
package starttask

import (
	"time"
)

// Status is the pipeline stage of a start task.
type Status string

const (
	StatusWorking              Status = "WORKING"
	StatusWaitingForSandbox    Status = "WAITING_FOR_SANDBOX"
	StatusPreparingRepository  Status = "PREPARING_REPOSITORY"
	StatusRunningSetupScript   Status = "RUNNING_SETUP_SCRIPT"
	StatusSettingUpGitHooks    Status = "SETTING_UP_GIT_HOOKS"
	StatusStartingConversation Status = "STARTING_CONVERSATION"
	StatusReady                Status = "READY"
	StatusError                Status = "ERROR"
)

// Terminal reports whether the status ends the pipeline for a task.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusError
}

// StartRequest is the original caller request, serialized with the task so
// the worker can replay it stage by stage.
type StartRequest struct {
	CreatedByUserID string            `json:"created_by_user_id,omitempty"`
	Title           string            `json:"title,omitempty"`
	Repository      string            `json:"repository,omitempty"`
	Branch          string            `json:"branch,omitempty"`
	GitProvider     string            `json:"git_provider,omitempty"`
	InitialMessage  string            `json:"initial_message,omitempty"`
	SetupScript     string            `json:"setup_script,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
}

// Task is one unit of asynchronous start work. Created on enqueue, mutated
// once per stage, terminal once Ready or Error.
type Task struct {
	ID     string `json:"id"`
	Status Status `json:"status"`

	// Detail is free-text progress for the current stage. FailureDetail and
	// BackendError are set only on terminal Error.
	Detail        string `json:"detail,omitempty"`
	FailureDetail string `json:"failure_detail,omitempty"`
	BackendError  string `json:"backend_error,omitempty"`

	SandboxID         string `json:"sandbox_id,omitempty"`
	AppConversationID string `json:"app_conversation_id,omitempty"`

	Request *StartRequest `json:"request,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the task has finished.
func (t *Task) Terminal() bool {
	return t.Status.Terminal()
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Request != nil {
		req := *t.Request
		if t.Request.Env != nil {
			req.Env = make(map[string]string, len(t.Request.Env))
			for k, v := range t.Request.Env {
				req.Env[k] = v
			}
		}
		cp.Request = &req
	}
	return &cp
}
