package service

import (
	"context"

	"go.uber.org/zap"

	apperr "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/conversation/models"
	"github.com/relaydev/relay/internal/conversation/status"
	"github.com/relaydev/relay/internal/events"
	"github.com/relaydev/relay/internal/runtime/gateway"
)

// saveAttempts bounds the reload-and-reapply loop when an optimistic save
// loses a race with a concurrent writer.
const saveAttempts = 3

// StartConversation asks the runtime to start the session and persists the
// resulting status transition.
func (s *Service) StartConversation(ctx context.Context, id, sessionKey string) (*models.Conversation, error) {
	return s.runtimeAction(ctx, id, sessionKey, "start", s.gw.Start)
}

// StopConversation asks the runtime to stop the session and persists the
// resulting status transition. Stopping an already stopped conversation is
// idempotent: the runtime reports its current state and the derived status
// stays Stopped.
func (s *Service) StopConversation(ctx context.Context, id, sessionKey string) (*models.Conversation, error) {
	return s.runtimeAction(ctx, id, sessionKey, "stop", s.gw.Stop)
}

// runtimeAction runs a lifecycle action against the runtime and folds the
// reported runtime status into the stored record.
func (s *Service) runtimeAction(ctx context.Context, id, sessionKey, action string,
	call func(ctx context.Context, t gateway.Target) (*gateway.ActionResult, error)) (*models.Conversation, error) {

	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkSessionKey(conv, sessionKey); err != nil {
		return nil, err
	}

	result, err := call(ctx, target(conv))
	if err != nil {
		return nil, mapGatewayError(err, action)
	}

	placeholder := conv.Runtime != nil && conv.Runtime.Placeholder
	updated, err := s.persistWithRetry(ctx, id, func(c *models.Conversation) {
		c.RuntimeStatus = result.RuntimeStatus
		c.Status = nextStatus(c.Status, result.RuntimeStatus, placeholder)
		if c.Runtime != nil {
			c.Runtime.RuntimeStatus = result.RuntimeStatus
		}
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("conversation lifecycle action applied",
		zap.String("conversation_id", id),
		zap.String("action", action),
		zap.String("runtime_status", updated.RuntimeStatus),
		zap.String("status", string(updated.Status)))
	s.publish(ctx, events.ConversationStatusChanged, updated)
	return updated, nil
}

// persistWithRetry applies a mutation to a fresh copy of the conversation and
// saves it, reloading and reapplying when a concurrent writer bumped the
// version first. After saveAttempts losses the conversation is reported
// unavailable rather than looping forever.
func (s *Service) persistWithRetry(ctx context.Context, id string, apply func(*models.Conversation)) (*models.Conversation, error) {
	var lastErr error
	for attempt := 0; attempt < saveAttempts; attempt++ {
		conv, err := s.store.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		apply(conv)
		if err := s.store.SaveConversation(ctx, conv); err != nil {
			if apperr.IsConflict(err) {
				lastErr = err
				s.logger.Debug("optimistic save lost race, retrying",
					zap.String("conversation_id", id), zap.Int("attempt", attempt+1))
				continue
			}
			return nil, err
		}
		return conv, nil
	}
	return nil, apperr.RuntimeUnavailable("conversation was updated by another process", lastErr)
}

// nextStatus derives the next coarse status from a runtime status token.
// Placeholder runtimes never advance a conversation to an active state; their
// reports only transition to Stopped or Error.
func nextStatus(prior models.ConversationStatus, runtimeStatus string, placeholder bool) models.ConversationStatus {
	derived := status.Derive(runtimeStatus, prior)
	if placeholder && derived != models.StatusStopped && derived != models.StatusError {
		return models.StatusStopped
	}
	return derived
}
