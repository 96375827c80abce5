// Package journal implements cursor-based pagination over a conversation's
// event journal. The same walk runs against the live runtime gateway or a
// persisted fallback store; callers cannot observe which source served a
// page.
package journal

import (
	"context"

	apperr "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/conversation/models"
)

const (
	// pageSize is the raw page size requested from a source per round trip.
	pageSize = 100
	// rawEventCap bounds worst-case fan-out when a long run of hidden
	// events precedes any visible one.
	rawEventCap = 1000
)

// EventSource serves raw journal pages for one conversation.
type EventSource interface {
	// Page returns up to limit raw events starting at cursor, in journal
	// order (reversed when reverse is set), plus whether more pages exist
	// past the returned ones.
	Page(ctx context.Context, cursor int64, reverse bool, limit int) ([]*models.Event, bool, error)
}

// Query describes one visible-event fetch.
type Query struct {
	StartID int64
	// EndID bounds the walk; 0 or negative means unbounded. The boundary is
	// evaluated against raw event identity, before hidden filtering.
	EndID         int64
	Reverse       bool
	Limit         int
	ExcludeHidden bool
}

// FetchVisible walks src from q.StartID collecting visible events until the
// requested limit is satisfied, the end boundary is crossed, the source is
// exhausted, or the raw-event safety cap is hit. It collects limit+1 events
// internally to decide hasMore without an extra round trip.
func FetchVisible(ctx context.Context, src EventSource, q Query) ([]*models.Event, bool, error) {
	if q.Limit < 1 {
		return nil, false, apperr.Validation("limit", "must be at least 1")
	}

	target := q.Limit + 1
	cursor := q.StartID
	collected := make([]*models.Event, 0, q.Limit)
	rawSeen := 0

	for {
		if q.Reverse && cursor < 0 {
			// Start of journal, not an error.
			break
		}

		events, morePages, err := src.Page(ctx, cursor, q.Reverse, pageSize)
		if err != nil {
			return nil, false, err
		}
		if len(events) == 0 {
			break
		}

		boundaryCrossed := false
		full := false
		minSeen, maxSeen := events[0].ID, events[0].ID

		for _, ev := range events {
			rawSeen++
			if ev.ID < minSeen {
				minSeen = ev.ID
			}
			if ev.ID > maxSeen {
				maxSeen = ev.ID
			}

			if q.EndID > 0 {
				if !q.Reverse && ev.ID > q.EndID || q.Reverse && ev.ID < q.EndID {
					boundaryCrossed = true
					break
				}
			}

			if q.ExcludeHidden && ev.Hidden() {
				continue
			}

			collected = append(collected, ev)
			if len(collected) == target {
				full = true
				break
			}
		}

		if full || boundaryCrossed || !morePages || rawSeen >= rawEventCap {
			break
		}

		if q.Reverse {
			cursor = minSeen - 1
		} else {
			cursor = maxSeen + 1
		}
	}

	hasMore := false
	if len(collected) > q.Limit {
		collected = collected[:q.Limit]
		hasMore = true
	}
	return collected, hasMore, nil
}
