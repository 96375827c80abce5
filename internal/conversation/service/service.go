// Package service implements the conversation lifecycle: status derivation,
// runtime attach/detach, optimistic-concurrency persistence, and the
// higher-level operations built on the gateway and journal.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperr "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/conversation/models"
	"github.com/relaydev/relay/internal/conversation/store"
	"github.com/relaydev/relay/internal/events"
	"github.com/relaydev/relay/internal/events/bus"
	"github.com/relaydev/relay/internal/runtime/gateway"
)

// Service orchestrates conversation sessions against the runtime gateway
// and the conversation store.
type Service struct {
	store  store.Store
	gw     *gateway.Client
	bus    bus.EventBus
	logger *logger.Logger
}

// NewService creates the conversation service.
func NewService(st store.Store, gw *gateway.Client, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		gw:     gw,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "conversation-service")),
	}
}

// CreateRequest carries the caller-supplied defaults for a new conversation.
type CreateRequest struct {
	CreatedByUserID string
	Title           string
	Trigger         string
	Repository      string
	Branch          string
	GitProvider     string
	InitialMessage  string
	Metadata        map[string]interface{}
}

// CreateConversation initializes a runtime session and persists the new
// conversation. When the gateway is unreachable the conversation is still
// created with a placeholder runtime identity; a record always exists after
// this call.
func (s *Service) CreateConversation(ctx context.Context, req CreateRequest) (*models.Conversation, error) {
	conv := &models.Conversation{
		ID:              uuid.New().String(),
		CreatedByUserID: req.CreatedByUserID,
		Title:           req.Title,
		Trigger:         req.Trigger,
		Repository:      req.Repository,
		Branch:          req.Branch,
		GitProvider:     req.GitProvider,
		Status:          models.StatusStarting,
	}

	result, err := s.gw.Initialize(ctx, &gateway.InitializeRequest{
		ConversationID: conv.ID,
		Repository:     req.Repository,
		Branch:         req.Branch,
		GitProvider:    req.GitProvider,
		InitialMessage: req.InitialMessage,
		Metadata:       req.Metadata,
	})
	if err != nil {
		s.logger.Warn("runtime unreachable during conversation create, degrading to placeholder",
			zap.String("conversation_id", conv.ID), zap.Error(err))
		result = s.placeholderResult(conv.ID)
	}

	s.applyInitializeResult(conv, result, err != nil)

	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, apperr.Wrap(err, "failed to persist conversation")
	}
	if err := s.seedJournal(ctx, conv, result, req.InitialMessage); err != nil {
		// The conversation record exists; a journal seeding failure is not
		// fatal to creation.
		s.logger.Error("failed to seed conversation journal",
			zap.String("conversation_id", conv.ID), zap.Error(err))
	}

	s.publish(ctx, events.ConversationCreated, conv)
	return conv, nil
}

// placeholderResult synthesizes a degraded runtime identity when the gateway
// cannot be reached. The identity is backfill-only: it never overwrites
// authoritative data later reported by the runtime.
func (s *Service) placeholderResult(conversationID string) *gateway.InitializeResult {
	return &gateway.InitializeResult{
		ConversationID: conversationID,
		SessionAPIKey:  uuid.New().String(),
		RuntimeID:      "placeholder-" + uuid.New().String(),
	}
}

func (s *Service) applyInitializeResult(conv *models.Conversation, result *gateway.InitializeResult, placeholder bool) {
	if result.ConversationID != "" {
		conv.ID = result.ConversationID
	}
	conv.URL = result.URL
	conv.SessionAPIKey = result.SessionAPIKey
	conv.RuntimeID = result.RuntimeID
	conv.SessionID = result.SessionID
	conv.RuntimeStatus = result.RuntimeStatus
	if result.Title != "" {
		conv.Title = result.Title
	}
	if result.Trigger != "" {
		conv.Trigger = result.Trigger
	}
	conv.Status = nextStatus(conv.Status, result.RuntimeStatus, placeholder)

	ri := conv.EnsureRuntime()
	ri.Apply(&models.RuntimeInstance{
		RuntimeID:     result.RuntimeID,
		URL:           result.URL,
		SessionAPIKey: result.SessionAPIKey,
		RuntimeStatus: result.RuntimeStatus,
		Hosts:         result.Hosts,
		Providers:     result.Providers,
		Placeholder:   placeholder,
	})
}

// seedJournal persists the runtime-reported initial events, or synthesizes
// the two bootstrap events (user message and workspace-context recall) when
// the runtime has no session history.
func (s *Service) seedJournal(ctx context.Context, conv *models.Conversation, result *gateway.InitializeResult, initialMessage string) error {
	if len(result.Events) > 0 {
		seed := make([]*models.Event, 0, len(result.Events))
		for _, raw := range result.Events {
			seed = append(seed, &models.Event{
				ID:        raw.ID,
				Type:      raw.Type,
				Timestamp: raw.Timestamp,
				Payload:   raw.Payload,
			})
		}
		return s.store.AppendEvents(ctx, conv.ID, seed)
	}

	now := time.Now().UTC()
	return s.store.AppendEvents(ctx, conv.ID, []*models.Event{
		{
			Type:      "message",
			Timestamp: now,
			Payload: map[string]interface{}{
				"source":  "user",
				"content": initialMessage,
			},
		},
		{
			Type:      "recall",
			Timestamp: now,
			Payload: map[string]interface{}{
				"source":     "system",
				"recall":     "workspace_context",
				"repository": conv.Repository,
				"branch":     conv.Branch,
			},
		},
	})
}

// GetConversation loads one conversation.
func (s *Service) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// ListConversations lists conversations matching the filter options.
func (s *Service) ListConversations(ctx context.Context, opts store.ListOptions) ([]*models.Conversation, error) {
	return s.store.ListConversations(ctx, opts)
}

// DeleteConversation removes a conversation and its owned collections.
func (s *Service) DeleteConversation(ctx context.Context, id string) error {
	if err := s.store.DeleteConversation(ctx, id); err != nil {
		return err
	}
	event := busEvent(events.ConversationDeleted, map[string]interface{}{"conversation_id": id})
	if err := s.bus.Publish(ctx, events.ConversationDeleted, event); err != nil {
		s.logger.Warn("failed to publish conversation deleted event", zap.Error(err))
	}
	return nil
}

// checkSessionKey enforces the claim rule: a conversation with a stored key
// requires an exact match; one with no stored key has not been claimed and
// accepts any caller.
func checkSessionKey(conv *models.Conversation, sessionKey string) error {
	if conv.SessionAPIKey != "" && sessionKey != conv.SessionAPIKey {
		return apperr.Unauthorized("session key does not match conversation")
	}
	return nil
}

// target resolves the gateway target for a conversation.
func target(conv *models.Conversation) gateway.Target {
	return gateway.Target{URL: conv.URL, SessionAPIKey: conv.SessionAPIKey}
}

// publish emits a lifecycle event for a conversation. Status changes go out
// on the conversation-scoped subject so one subscription can follow a single
// conversation. Best-effort; delivery failures are logged, never surfaced to
// the caller.
func (s *Service) publish(ctx context.Context, eventType string, conv *models.Conversation) {
	subject := eventType
	if eventType == events.ConversationStatusChanged {
		subject = events.BuildConversationStatusSubject(conv.ID)
	}
	event := busEvent(eventType, map[string]interface{}{
		"conversation_id": conv.ID,
		"status":          string(conv.Status),
		"runtime_status":  conv.RuntimeStatus,
	})
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		s.logger.Warn("failed to publish conversation event",
			zap.String("subject", subject), zap.Error(err))
	}
}

func busEvent(eventType string, data map[string]interface{}) *bus.Event {
	return bus.NewEvent(eventType, "conversation-service", data)
}
