// Package events provides event types and utilities for the Relay event system.
package events

// Event types for conversations
const (
	ConversationCreated       = "conversation.created"
	ConversationDeleted       = "conversation.deleted"
	ConversationStatusChanged = "conversation.status.changed"
)

// Event types for conversation journal entries
const (
	ConversationEventAdded = "conversation.event.added"
)

// Event types for start tasks
const (
	StartTaskQueued   = "starttask.queued"
	StartTaskUpdated  = "starttask.updated"
	StartTaskFinished = "starttask.finished"
)

// BuildConversationEventSubject creates a journal event subject for a specific conversation
func BuildConversationEventSubject(conversationID string) string {
	return ConversationEventAdded + "." + conversationID
}

// BuildConversationEventWildcardSubject creates a wildcard subscription for all journal events
func BuildConversationEventWildcardSubject() string {
	return ConversationEventAdded + ".*"
}

// BuildConversationStatusSubject creates a status subject for a specific conversation
func BuildConversationStatusSubject(conversationID string) string {
	return ConversationStatusChanged + "." + conversationID
}

// BuildConversationStatusWildcardSubject creates a wildcard subscription for all status changes
func BuildConversationStatusWildcardSubject() string {
	return ConversationStatusChanged + ".*"
}

// BuildStartTaskSubject creates the per-task subject carrying every lifecycle
// event of one start task (queued, updated, finished)
func BuildStartTaskSubject(taskID string) string {
	return StartTaskUpdated + "." + taskID
}

// BuildStartTaskWildcardSubject creates a wildcard subscription for all start task events
func BuildStartTaskWildcardSubject() string {
	return StartTaskUpdated + ".*"
}
