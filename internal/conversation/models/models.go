// Package models defines the conversation domain model.
package models

import (
	"time"
)

// ConversationStatus is the canonical lifecycle status of a conversation.
type ConversationStatus string

const (
	// StatusStarting indicates the runtime session is being brought up
	StatusStarting ConversationStatus = "STARTING"
	// StatusRunning indicates the runtime reported a ready/running token
	StatusRunning ConversationStatus = "RUNNING"
	// StatusStopped indicates the runtime reported a stopped token
	StatusStopped ConversationStatus = "STOPPED"
	// StatusError indicates the runtime reported an error
	StatusError ConversationStatus = "ERROR"
)

// Conversation represents a persisted session binding a user/repository
// context to a runtime-executed agent. Status is a cache derived from
// RuntimeStatus token matching, never an independent source of truth.
type Conversation struct {
	ID              string             `json:"id"`
	CreatedByUserID string             `json:"created_by_user_id"`
	Title           string             `json:"title"`
	Trigger         string             `json:"trigger,omitempty"`
	URL             string             `json:"url,omitempty"`
	SessionAPIKey   string             `json:"session_api_key,omitempty"`
	RuntimeID       string             `json:"runtime_id,omitempty"`
	SessionID       string             `json:"session_id,omitempty"`
	VSCodeURL       string             `json:"vscode_url,omitempty"`
	Status          ConversationStatus `json:"status"`
	RuntimeStatus   string             `json:"runtime_status,omitempty"`
	Repository      string             `json:"repository,omitempty"`
	Branch          string             `json:"branch,omitempty"`
	GitProvider     string             `json:"git_provider,omitempty"`
	Runtime         *RuntimeInstance   `json:"runtime,omitempty"`

	// Version guards optimistic-concurrency writes. Incremented on every save.
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EnsureRuntime returns the conversation's runtime instance, creating an
// empty one if no runtime has attached yet. Many code paths touch the
// instance before a runtime exists.
func (c *Conversation) EnsureRuntime() *RuntimeInstance {
	if c.Runtime == nil {
		c.Runtime = &RuntimeInstance{
			ConversationID: c.ID,
			Hosts:          map[string]string{},
		}
	}
	if c.Runtime.Hosts == nil {
		c.Runtime.Hosts = map[string]string{}
	}
	return c.Runtime
}

// Clone returns a deep copy of the conversation. The concurrency retry loop
// computes next state over a copy so a failed save never leaves a
// half-mutated record behind.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	if c.Runtime != nil {
		cp.Runtime = c.Runtime.Clone()
	}
	return &cp
}

// RuntimeInstance holds the routing identity and host map reported by the
// runtime for one conversation.
type RuntimeInstance struct {
	ConversationID string            `json:"conversation_id"`
	RuntimeID      string            `json:"runtime_id,omitempty"`
	URL            string            `json:"url,omitempty"`
	SessionAPIKey  string            `json:"session_api_key,omitempty"`
	RuntimeStatus  string            `json:"runtime_status,omitempty"`
	Hosts          map[string]string `json:"hosts,omitempty"`
	Providers      []string          `json:"providers,omitempty"`

	// Placeholder marks an identity synthesized while the gateway was
	// unreachable. Placeholder data never overwrites authoritative fields.
	Placeholder bool `json:"placeholder,omitempty"`
}

// Clone returns a deep copy of the runtime instance.
func (r *RuntimeInstance) Clone() *RuntimeInstance {
	cp := *r
	if r.Hosts != nil {
		cp.Hosts = make(map[string]string, len(r.Hosts))
		for k, v := range r.Hosts {
			cp.Hosts[k] = v
		}
	}
	if r.Providers != nil {
		cp.Providers = append([]string(nil), r.Providers...)
	}
	return &cp
}

// Apply replaces the instance's fields from an authoritative runtime update.
// Hosts and Providers are fully replaced, not merged. When the update is a
// placeholder only previously-empty fields are backfilled and the instance is
// marked placeholder, unless it already holds an authoritative identity.
func (r *RuntimeInstance) Apply(update *RuntimeInstance) {
	if update == nil {
		return
	}
	if update.Placeholder {
		if r.RuntimeID == "" && r.URL == "" {
			r.Placeholder = true
		}
		if r.RuntimeID == "" {
			r.RuntimeID = update.RuntimeID
		}
		if r.URL == "" {
			r.URL = update.URL
		}
		if r.SessionAPIKey == "" {
			r.SessionAPIKey = update.SessionAPIKey
		}
		if r.RuntimeStatus == "" {
			r.RuntimeStatus = update.RuntimeStatus
		}
		if len(r.Hosts) == 0 && len(update.Hosts) > 0 {
			r.Hosts = update.Hosts
		}
		if len(r.Providers) == 0 && len(update.Providers) > 0 {
			r.Providers = update.Providers
		}
		return
	}
	r.RuntimeID = update.RuntimeID
	r.URL = update.URL
	r.SessionAPIKey = update.SessionAPIKey
	r.RuntimeStatus = update.RuntimeStatus
	r.Hosts = update.Hosts
	r.Providers = update.Providers
	r.Placeholder = false
}

// Event is one immutable entry in a conversation's journal. IDs are strictly
// increasing within a conversation, assigned by the runtime or by journal
// order for persisted fallback entries.
type Event struct {
	ID             int64                  `json:"id"`
	ConversationID string                 `json:"conversation_id"`
	Type           string                 `json:"type,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
}

// Hidden reports whether the event carries a hidden=true flag in its payload
// or its extras sub-object. Hidden events are retained in storage but
// excluded from default listings.
func (e *Event) Hidden() bool {
	if flagSet(e.Payload, "hidden") {
		return true
	}
	if extras, ok := e.Payload["extras"].(map[string]interface{}); ok {
		return flagSet(extras, "hidden")
	}
	return false
}

func flagSet(m map[string]interface{}, key string) bool {
	if m == nil {
		return false
	}
	v, ok := m[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// Microagent is a runtime-side helper prompt attached to a conversation.
type Microagent struct {
	Name     string   `json:"name"`
	Type     string   `json:"type,omitempty"`
	Content  string   `json:"content,omitempty"`
	Triggers []string `json:"triggers,omitempty"`
}

// FeedbackEntry is a user feedback record with the conversation trajectory
// attached at submission time.
type FeedbackEntry struct {
	ID             string                 `json:"id"`
	ConversationID string                 `json:"conversation_id"`
	Polarity       string                 `json:"polarity"` // "positive" or "negative"
	Reason         string                 `json:"reason,omitempty"`
	Trajectory     []*Event               `json:"trajectory,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}
