package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperr "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/conversation/models"
)

// MemoryStore is an in-memory Store used for tests and single-process
// development setups.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	events        map[string][]*models.Event
	feedback      map[string][]*models.FeedbackEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*models.Conversation),
		events:        make(map[string][]*models.Event),
		feedback:      make(map[string][]*models.FeedbackEntry),
	}
}

// CreateConversation stores a new conversation record.
func (s *MemoryStore) CreateConversation(_ context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if _, exists := s.conversations[conv.ID]; exists {
		return apperr.Conflict("conversation already exists: " + conv.ID)
	}

	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	conv.Version = 1

	s.conversations[conv.ID] = conv.Clone()
	return nil
}

// GetConversation returns a copy of the stored conversation.
func (s *MemoryStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, apperr.NotFound("conversation", id)
	}
	return conv.Clone(), nil
}

// SaveConversation persists an updated conversation under optimistic
// concurrency: the caller's version must match the stored version.
func (s *MemoryStore) SaveConversation(_ context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.conversations[conv.ID]
	if !ok {
		return apperr.NotFound("conversation", conv.ID)
	}
	if current.Version != conv.Version {
		return apperr.Conflict("conversation was updated by another process")
	}

	conv.Version++
	conv.UpdatedAt = time.Now().UTC()
	s.conversations[conv.ID] = conv.Clone()
	return nil
}

// DeleteConversation removes the conversation and its owned collections.
func (s *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return apperr.NotFound("conversation", id)
	}
	delete(s.conversations, id)
	delete(s.events, id)
	delete(s.feedback, id)
	return nil
}

// ListConversations returns conversations matching the options, newest first.
func (s *MemoryStore) ListConversations(_ context.Context, opts ListOptions) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Conversation
	for _, conv := range s.conversations {
		if opts.Status != "" && conv.Status != opts.Status {
			continue
		}
		if opts.Repository != "" && conv.Repository != opts.Repository {
			continue
		}
		if opts.Query != "" && !strings.Contains(strings.ToLower(conv.Title), strings.ToLower(opts.Query)) {
			continue
		}
		matched = append(matched, conv.Clone())
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

// AppendEvents appends journal entries, assigning identifiers in journal
// order when the entry has none.
func (s *MemoryStore) AppendEvents(_ context.Context, conversationID string, events []*models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := int64(0)
	for _, ev := range s.events[conversationID] {
		if ev.ID >= next {
			next = ev.ID + 1
		}
	}

	for _, ev := range events {
		cp := *ev
		cp.ConversationID = conversationID
		if cp.ID == 0 {
			cp.ID = next
			next++
		} else if cp.ID >= next {
			next = cp.ID + 1
		}
		if cp.Timestamp.IsZero() {
			cp.Timestamp = time.Now().UTC()
		}
		s.events[conversationID] = append(s.events[conversationID], &cp)
	}
	return nil
}

// GetEvents pages the persisted journal from startID.
func (s *MemoryStore) GetEvents(_ context.Context, conversationID string, startID int64, reverse bool, limit int) ([]*models.Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := append([]*models.Event(nil), s.events[conversationID]...)
	sort.Slice(all, func(i, j int) bool {
		if reverse {
			return all[i].ID > all[j].ID
		}
		return all[i].ID < all[j].ID
	})

	var page []*models.Event
	remaining := 0
	for _, ev := range all {
		if !reverse && ev.ID < startID || reverse && ev.ID > startID {
			continue
		}
		remaining++
		if limit <= 0 || len(page) < limit {
			page = append(page, ev)
		}
	}
	return page, remaining > len(page), nil
}

// AppendFeedback appends a feedback record.
func (s *MemoryStore) AppendFeedback(_ context.Context, entry *models.FeedbackEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.feedback[entry.ConversationID] = append(s.feedback[entry.ConversationID], entry)
	return nil
}

// Feedback returns stored feedback for a conversation. Test helper.
func (s *MemoryStore) Feedback(conversationID string) []*models.FeedbackEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*models.FeedbackEntry(nil), s.feedback[conversationID]...)
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
