package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperr "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/conversation/journal"
	"github.com/relaydev/relay/internal/conversation/models"
	"github.com/relaydev/relay/internal/events"
	"github.com/relaydev/relay/internal/runtime/gateway"
)

// trajectoryBatch is the page size used when collecting a full trajectory
// for feedback submission.
const trajectoryBatch = 500

// runtimeHandle is a short-lived attachment to a conversation's runtime.
// Handles are acquired per operation and always released, even when the
// delegated call fails.
type runtimeHandle struct {
	conversationID string
	target         gateway.Target
}

func (s *Service) attach(conv *models.Conversation) *runtimeHandle {
	s.logger.Debug("attaching runtime handle", zap.String("conversation_id", conv.ID))
	return &runtimeHandle{conversationID: conv.ID, target: target(conv)}
}

func (s *Service) detach(h *runtimeHandle) {
	s.logger.Debug("detaching runtime handle", zap.String("conversation_id", h.conversationID))
}

// withRuntime loads the conversation, checks the session key, and runs fn
// with an attached runtime handle. The handle is detached on every path.
func (s *Service) withRuntime(ctx context.Context, id, sessionKey string, fn func(h *runtimeHandle) error) error {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if err := checkSessionKey(conv, sessionKey); err != nil {
		return err
	}
	h := s.attach(conv)
	defer s.detach(h)
	return fn(h)
}

// AddMessage delivers a user message to the runtime session and mirrors it
// into the persisted journal so the fallback path can serve it later.
func (s *Service) AddMessage(ctx context.Context, id, sessionKey, content string, metadata map[string]interface{}) error {
	if content == "" {
		return apperr.Validation("content", "must not be empty")
	}
	return s.withRuntime(ctx, id, sessionKey, func(h *runtimeHandle) error {
		if err := s.gw.PostMessage(ctx, h.target, content, metadata); err != nil {
			return mapGatewayError(err, "add message")
		}
		s.mirrorEvent(ctx, id, &models.Event{
			Type:      "message",
			Timestamp: time.Now().UTC(),
			Payload: map[string]interface{}{
				"source":  "user",
				"content": content,
			},
		})
		s.publishEventAdded(ctx, id)
		return nil
	})
}

// AddEvent delivers a raw event payload to the runtime session.
func (s *Service) AddEvent(ctx context.Context, id, sessionKey string, payload map[string]interface{}) error {
	if len(payload) == 0 {
		return apperr.Validation("payload", "must not be empty")
	}
	return s.withRuntime(ctx, id, sessionKey, func(h *runtimeHandle) error {
		if err := s.gw.PostEvent(ctx, h.target, payload); err != nil {
			return mapGatewayError(err, "add event")
		}
		eventType, _ := payload["type"].(string)
		s.mirrorEvent(ctx, id, &models.Event{
			Type:      eventType,
			Timestamp: time.Now().UTC(),
			Payload:   payload,
		})
		s.publishEventAdded(ctx, id)
		return nil
	})
}

// mirrorEvent appends a copy of a delivered event to the persisted journal.
// Best-effort: the runtime already accepted the event.
func (s *Service) mirrorEvent(ctx context.Context, conversationID string, ev *models.Event) {
	if err := s.store.AppendEvents(ctx, conversationID, []*models.Event{ev}); err != nil {
		s.logger.Warn("failed to mirror event into journal",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func (s *Service) publishEventAdded(ctx context.Context, conversationID string) {
	event := busEvent(events.ConversationEventAdded, map[string]interface{}{
		"conversation_id": conversationID,
	})
	subject := events.BuildConversationEventSubject(conversationID)
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		s.logger.Warn("failed to publish event-added notification", zap.Error(err))
	}
}

// EventsPage is one page of visible journal events.
type EventsPage struct {
	Events  []*models.Event `json:"events"`
	HasMore bool            `json:"has_more"`
}

// GetEvents pages through the conversation journal. The live runtime is the
// preferred source; when it cannot be reached the persisted journal serves
// the same query. Paging an unknown conversation from the journal start
// yields an empty page rather than an error, so pollers started before the
// record exists do not fail.
func (s *Service) GetEvents(ctx context.Context, id string, q journal.Query) (*EventsPage, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		if apperr.IsNotFound(err) && q.StartID <= 0 {
			return &EventsPage{Events: []*models.Event{}, HasMore: false}, nil
		}
		return nil, err
	}

	live := &journal.GatewaySource{Client: s.gw, Target: target(conv)}
	evs, hasMore, err := journal.FetchVisible(ctx, live, q)
	if err == nil {
		return &EventsPage{Events: evs, HasMore: hasMore}, nil
	}
	if apperr.IsValidation(err) {
		return nil, err
	}

	s.logger.Debug("live event fetch failed, serving persisted journal",
		zap.String("conversation_id", id), zap.Error(err))
	fallback := &journal.StoreSource{Pager: s.store, ConversationID: id}
	evs, hasMore, err = journal.FetchVisible(ctx, fallback, q)
	if err != nil {
		return nil, err
	}
	return &EventsPage{Events: evs, HasMore: hasMore}, nil
}

// SubmitFeedback records a rating for the conversation together with the
// full visible trajectory at submission time.
func (s *Service) SubmitFeedback(ctx context.Context, id, polarity, reason string, metadata map[string]interface{}) (*models.FeedbackEntry, error) {
	if polarity != "positive" && polarity != "negative" {
		return nil, apperr.Validation("polarity", "must be 'positive' or 'negative'")
	}
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}

	h := s.attach(conv)
	defer s.detach(h)

	trajectory, err := s.fetchTrajectory(ctx, conv)
	if err != nil {
		return nil, err
	}

	entry := &models.FeedbackEntry{
		ConversationID: id,
		Polarity:       polarity,
		Reason:         reason,
		Trajectory:     trajectory,
		Metadata:       metadata,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.AppendFeedback(ctx, entry); err != nil {
		return nil, apperr.Wrap(err, "failed to persist feedback")
	}
	return entry, nil
}

// fetchTrajectory walks the whole visible journal from the start, falling
// back to the persisted journal per page when the runtime is unreachable.
func (s *Service) fetchTrajectory(ctx context.Context, conv *models.Conversation) ([]*models.Event, error) {
	var all []*models.Event
	cursor := int64(0)
	for {
		page, err := s.GetEvents(ctx, conv.ID, journal.Query{
			StartID:       cursor,
			Limit:         trajectoryBatch,
			ExcludeHidden: true,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page.Events...)
		if !page.HasMore || len(page.Events) == 0 {
			break
		}
		cursor = page.Events[len(page.Events)-1].ID + 1
	}
	return all, nil
}
