package gateway

import (
	"io"
	"time"
)

// Target is a resolved conversation endpoint: the conversation URL returned
// at creation time plus the session key scoping access to it.
type Target struct {
	URL           string
	SessionAPIKey string
}

// InitializeRequest asks the runtime to bring up a new conversation session.
type InitializeRequest struct {
	ConversationID string                 `json:"conversation_id,omitempty"`
	Repository     string                 `json:"repository,omitempty"`
	Branch         string                 `json:"branch,omitempty"`
	GitProvider    string                 `json:"git_provider,omitempty"`
	InitialMessage string                 `json:"initial_message,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// InitializeResult is the runtime's view of a freshly created session.
type InitializeResult struct {
	ConversationID string            `json:"conversation_id"`
	URL            string            `json:"url"`
	SessionAPIKey  string            `json:"session_api_key"`
	RuntimeID      string            `json:"runtime_id"`
	SessionID      string            `json:"session_id"`
	RuntimeStatus  string            `json:"runtime_status"`
	Title          string            `json:"title,omitempty"`
	Trigger        string            `json:"trigger,omitempty"`
	Hosts          map[string]string `json:"hosts,omitempty"`
	Providers      []string          `json:"providers,omitempty"`
	Events         []*RawEvent       `json:"events,omitempty"`
}

// ActionResult is the runtime's response to a lifecycle action.
type ActionResult struct {
	RuntimeStatus string `json:"runtime_status"`
	Detail        string `json:"detail,omitempty"`
}

// RawEvent is one journal entry as reported by the runtime.
type RawEvent struct {
	ID        int64                  `json:"id"`
	Type      string                 `json:"type,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// EventsPage is one page of the runtime's event journal.
type EventsPage struct {
	Events  []*RawEvent `json:"events"`
	HasMore bool        `json:"has_more"`
}

// RuntimeConfig is the runtime-reported session configuration.
type RuntimeConfig struct {
	RuntimeID     string            `json:"runtime_id"`
	SessionID     string            `json:"session_id"`
	RuntimeStatus string            `json:"runtime_status"`
	Hosts         map[string]string `json:"hosts,omitempty"`
	Providers     []string          `json:"providers,omitempty"`
}

// MicroagentInfo describes one runtime-side helper prompt.
type MicroagentInfo struct {
	Name     string   `json:"name"`
	Type     string   `json:"type,omitempty"`
	Content  string   `json:"content,omitempty"`
	Triggers []string `json:"triggers,omitempty"`
}

// GitChange is one changed path in the runtime workspace.
type GitChange struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

// GitDiff is the diff of one path in the runtime workspace.
type GitDiff struct {
	Path     string `json:"path"`
	Original string `json:"original,omitempty"`
	Modified string `json:"modified,omitempty"`
}

// UploadFile is one file in a multipart upload. Content is streamed, not
// buffered.
type UploadFile struct {
	Name    string
	Content io.Reader
}
