package journal

import (
	"context"

	"github.com/relaydev/relay/internal/conversation/models"
	"github.com/relaydev/relay/internal/runtime/gateway"
)

// GatewaySource pages events from the live runtime.
type GatewaySource struct {
	Client *gateway.Client
	Target gateway.Target
}

// Page implements EventSource over the runtime gateway.
func (s *GatewaySource) Page(ctx context.Context, cursor int64, reverse bool, limit int) ([]*models.Event, bool, error) {
	page, err := s.Client.GetEvents(ctx, s.Target, cursor, reverse, limit)
	if err != nil {
		return nil, false, err
	}

	events := make([]*models.Event, 0, len(page.Events))
	for _, raw := range page.Events {
		events = append(events, &models.Event{
			ID:        raw.ID,
			Type:      raw.Type,
			Timestamp: raw.Timestamp,
			Payload:   raw.Payload,
		})
	}
	return events, page.HasMore, nil
}

// EventPager pages persisted events for one conversation. The conversation
// store implements it.
type EventPager interface {
	GetEvents(ctx context.Context, conversationID string, startID int64, reverse bool, limit int) ([]*models.Event, bool, error)
}

// StoreSource pages events from the persisted journal. It serves the
// fallback path when the runtime is unreachable, with the same pagination
// contract as the gateway source.
type StoreSource struct {
	Pager          EventPager
	ConversationID string
}

// Page implements EventSource over the persisted journal.
func (s *StoreSource) Page(ctx context.Context, cursor int64, reverse bool, limit int) ([]*models.Event, bool, error) {
	return s.Pager.GetEvents(ctx, s.ConversationID, cursor, reverse, limit)
}
