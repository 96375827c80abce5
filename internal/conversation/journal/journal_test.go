package journal

import (
	"context"
	"errors"
	"sort"
	"testing"

	apperr "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/conversation/models"
)

// sliceSource serves pages out of an in-memory journal the way the runtime
// does: events ordered by id, paged from a cursor.
type sliceSource struct {
	events   []*models.Event
	pageCalls int
	failNow  bool
}

func (s *sliceSource) Page(_ context.Context, cursor int64, reverse bool, limit int) ([]*models.Event, bool, error) {
	s.pageCalls++
	if s.failNow {
		return nil, false, errors.New("source down")
	}

	sorted := append([]*models.Event(nil), s.events...)
	sort.Slice(sorted, func(i, j int) bool {
		if reverse {
			return sorted[i].ID > sorted[j].ID
		}
		return sorted[i].ID < sorted[j].ID
	})

	var page []*models.Event
	for _, ev := range sorted {
		if !reverse && ev.ID < cursor || reverse && ev.ID > cursor {
			continue
		}
		page = append(page, ev)
		if len(page) == limit {
			break
		}
	}

	remaining := 0
	for _, ev := range sorted {
		if !reverse && ev.ID < cursor || reverse && ev.ID > cursor {
			continue
		}
		remaining++
	}
	return page, remaining > len(page), nil
}

func makeEvents(ids ...int64) []*models.Event {
	events := make([]*models.Event, 0, len(ids))
	for _, id := range ids {
		events = append(events, &models.Event{ID: id, Type: "message"})
	}
	return events
}

func hide(ev *models.Event) *models.Event {
	ev.Payload = map[string]interface{}{"hidden": true}
	return ev
}

func ids(events []*models.Event) []int64 {
	out := make([]int64, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.ID)
	}
	return out
}

func TestFetchVisible_RejectsBadLimit(t *testing.T) {
	src := &sliceSource{}
	_, _, err := FetchVisible(context.Background(), src, Query{Limit: 0})
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFetchVisible_Forward(t *testing.T) {
	src := &sliceSource{events: makeEvents(1, 2, 3, 4, 5)}

	events, hasMore, err := FetchVisible(context.Background(), src, Query{StartID: 2, Limit: 3})
	if err != nil {
		t.Fatalf("FetchVisible failed: %v", err)
	}
	if got := ids(events); len(got) != 3 || got[0] != 2 || got[2] != 4 {
		t.Errorf("expected [2 3 4], got %v", got)
	}
	if !hasMore {
		t.Error("expected hasMore for remaining event 5")
	}
}

func TestFetchVisible_ExactLimitNoMore(t *testing.T) {
	src := &sliceSource{events: makeEvents(1, 2, 3)}

	events, hasMore, err := FetchVisible(context.Background(), src, Query{StartID: 1, Limit: 3})
	if err != nil {
		t.Fatalf("FetchVisible failed: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("expected 3 events, got %d", len(events))
	}
	if hasMore {
		t.Error("expected hasMore=false when journal is exhausted at the limit")
	}
}

func TestFetchVisible_HiddenFiltered(t *testing.T) {
	src := &sliceSource{events: []*models.Event{
		{ID: 1, Type: "message"},
		hide(&models.Event{ID: 2}),
		{ID: 3, Type: "message"},
		hide(&models.Event{ID: 4}),
		{ID: 5, Type: "message"},
	}}

	events, hasMore, err := FetchVisible(context.Background(), src, Query{StartID: 1, Limit: 10, ExcludeHidden: true})
	if err != nil {
		t.Fatalf("FetchVisible failed: %v", err)
	}
	if got := ids(events); len(got) != 3 || got[0] != 1 || got[1] != 3 || got[2] != 5 {
		t.Errorf("expected [1 3 5], got %v", got)
	}
	if hasMore {
		t.Error("expected hasMore=false")
	}
}

func TestFetchVisible_EndBoundaryBeforeVisibility(t *testing.T) {
	// Event 4 is hidden but still crosses the end boundary check as a raw
	// event; events past endID must never be collected.
	src := &sliceSource{events: []*models.Event{
		{ID: 1}, {ID: 2}, hide(&models.Event{ID: 3}), {ID: 4}, {ID: 5},
	}}

	events, hasMore, err := FetchVisible(context.Background(), src, Query{StartID: 1, EndID: 3, Limit: 10, ExcludeHidden: true})
	if err != nil {
		t.Fatalf("FetchVisible failed: %v", err)
	}
	if got := ids(events); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("expected [1 2], got %v", got)
	}
	if hasMore {
		t.Error("expected hasMore=false past end boundary")
	}
}

func TestFetchVisible_Reverse(t *testing.T) {
	src := &sliceSource{events: makeEvents(1, 2, 3, 4, 5)}

	events, hasMore, err := FetchVisible(context.Background(), src, Query{StartID: 4, Reverse: true, Limit: 2})
	if err != nil {
		t.Fatalf("FetchVisible failed: %v", err)
	}
	if got := ids(events); len(got) != 2 || got[0] != 4 || got[1] != 3 {
		t.Errorf("expected [4 3], got %v", got)
	}
	if !hasMore {
		t.Error("expected hasMore for remaining events")
	}
}

func TestFetchVisible_ReverseToStartOfJournal(t *testing.T) {
	src := &sliceSource{events: makeEvents(0, 1, 2)}

	events, hasMore, err := FetchVisible(context.Background(), src, Query{StartID: 2, Reverse: true, Limit: 10})
	if err != nil {
		t.Fatalf("FetchVisible failed: %v", err)
	}
	if got := ids(events); len(got) != 3 || got[0] != 2 || got[2] != 0 {
		t.Errorf("expected [2 1 0], got %v", got)
	}
	if hasMore {
		t.Error("reaching start of journal must report hasMore=false")
	}
}

func TestFetchVisible_EmptySource(t *testing.T) {
	src := &sliceSource{}

	events, hasMore, err := FetchVisible(context.Background(), src, Query{StartID: 0, Limit: 20})
	if err != nil {
		t.Fatalf("FetchVisible failed: %v", err)
	}
	if len(events) != 0 || hasMore {
		t.Errorf("expected empty page without hasMore, got %d events hasMore=%v", len(events), hasMore)
	}
}

func TestFetchVisible_RawEventCap(t *testing.T) {
	// 1200 hidden events followed by one visible; the cap must stop the walk
	// before the visible event is reached.
	events := make([]*models.Event, 0, 1201)
	for i := int64(1); i <= 1200; i++ {
		events = append(events, hide(&models.Event{ID: i}))
	}
	events = append(events, &models.Event{ID: 1201})
	src := &sliceSource{events: events}

	got, hasMore, err := FetchVisible(context.Background(), src, Query{StartID: 1, Limit: 5, ExcludeHidden: true})
	if err != nil {
		t.Fatalf("FetchVisible failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no visible events under the cap, got %v", ids(got))
	}
	if hasMore {
		t.Error("expected hasMore=false when the cap terminates the walk")
	}
	if src.pageCalls > 10 {
		t.Errorf("expected the cap to bound page fetches, got %d calls", src.pageCalls)
	}
}

func TestFetchVisible_SourceErrorPropagates(t *testing.T) {
	src := &sliceSource{failNow: true}
	_, _, err := FetchVisible(context.Background(), src, Query{StartID: 0, Limit: 5})
	if err == nil {
		t.Fatal("expected source error to propagate")
	}
}

func TestFetchVisible_RoundTrip(t *testing.T) {
	// Concatenating all pages via the implied next cursor yields every
	// visible event exactly once, in order.
	src := &sliceSource{events: []*models.Event{
		{ID: 1}, hide(&models.Event{ID: 2}), {ID: 3}, {ID: 4},
		hide(&models.Event{ID: 5}), {ID: 6}, {ID: 7}, {ID: 8},
	}}

	var all []int64
	cursor := int64(1)
	for {
		events, hasMore, err := FetchVisible(context.Background(), src, Query{StartID: cursor, Limit: 2, ExcludeHidden: true})
		if err != nil {
			t.Fatalf("FetchVisible failed: %v", err)
		}
		all = append(all, ids(events)...)
		if !hasMore {
			break
		}
		cursor = events[len(events)-1].ID + 1
	}

	want := []int64{1, 3, 4, 6, 7, 8}
	if len(all) != len(want) {
		t.Fatalf("expected %v, got %v", want, all)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, all)
		}
	}
}
