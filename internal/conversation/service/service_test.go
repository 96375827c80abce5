package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/common/config"
	apperr "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/conversation/journal"
	"github.com/relaydev/relay/internal/conversation/models"
	"github.com/relaydev/relay/internal/conversation/store"
	"github.com/relaydev/relay/internal/events"
	"github.com/relaydev/relay/internal/events/bus"
	"github.com/relaydev/relay/internal/runtime/gateway"
)

// deadEndpoint refuses connections immediately; it simulates an unreachable
// runtime without waiting on timeouts.
const deadEndpoint = "http://127.0.0.1:1"

func newTestService(t *testing.T, baseURL string) (*Service, *store.MemoryStore) {
	svc, st, _ := newTestServiceWithBus(t, baseURL)
	return svc, st
}

func newTestServiceWithBus(t *testing.T, baseURL string) (*Service, *store.MemoryStore, bus.EventBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	st := store.NewMemoryStore()
	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)

	gw := gateway.NewClient(config.RuntimeConfig{
		BaseURL:          baseURL,
		RequestTimeout:   2,
		SessionKeyHeader: "X-Session-API-Key",
	}, log)
	return NewService(st, gw, b, log), st, b
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func seedConversation(t *testing.T, st *store.MemoryStore, conv *models.Conversation) *models.Conversation {
	t.Helper()
	require.NoError(t, st.CreateConversation(context.Background(), conv))
	return conv
}

func TestCreateConversation_RuntimeAvailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/conversations", r.URL.Path)
		writeJSON(w, map[string]interface{}{
			"conversation_id": "conv-1",
			"url":             "http://runtime/conversations/conv-1",
			"session_api_key": "key-1",
			"runtime_id":      "rt-1",
			"runtime_status":  "READY",
		})
	}))
	defer server.Close()

	svc, st := newTestService(t, server.URL)
	conv, err := svc.CreateConversation(context.Background(), CreateRequest{
		Title:          "fix the build",
		Repository:     "org/app",
		Branch:         "main",
		InitialMessage: "please fix CI",
	})
	require.NoError(t, err)

	assert.Equal(t, "conv-1", conv.ID)
	assert.Equal(t, models.StatusRunning, conv.Status)
	assert.Equal(t, "key-1", conv.SessionAPIKey)
	require.NotNil(t, conv.Runtime)
	assert.False(t, conv.Runtime.Placeholder)

	stored, err := st.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, stored.Status)

	// No runtime session history: two bootstrap events are synthesized.
	seeded, _, err := st.GetEvents(context.Background(), "conv-1", 0, false, 10)
	require.NoError(t, err)
	require.Len(t, seeded, 2)
	assert.Equal(t, "message", seeded[0].Type)
	assert.Equal(t, "please fix CI", seeded[0].Payload["content"])
	assert.Equal(t, "recall", seeded[1].Type)
}

func TestCreateConversation_SeedsRuntimeEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"conversation_id": "conv-2",
			"runtime_status":  "READY",
			"events": []map[string]interface{}{
				{"id": 0, "type": "message", "payload": map[string]interface{}{"content": "hi"}},
				{"id": 1, "type": "observation"},
			},
		})
	}))
	defer server.Close()

	svc, st := newTestService(t, server.URL)
	_, err := svc.CreateConversation(context.Background(), CreateRequest{InitialMessage: "hi"})
	require.NoError(t, err)

	seeded, _, err := st.GetEvents(context.Background(), "conv-2", 0, false, 10)
	require.NoError(t, err)
	require.Len(t, seeded, 2)
	assert.Equal(t, "observation", seeded[1].Type)
}

func TestCreateConversation_RuntimeDownDegradesToPlaceholder(t *testing.T) {
	svc, st := newTestService(t, deadEndpoint)

	conv, err := svc.CreateConversation(context.Background(), CreateRequest{
		Title:          "offline create",
		InitialMessage: "hello",
	})
	require.NoError(t, err, "creation must succeed even with the runtime down")

	assert.Equal(t, models.StatusStopped, conv.Status, "placeholder never yields an active status")
	assert.NotEmpty(t, conv.SessionAPIKey)
	require.NotNil(t, conv.Runtime)
	assert.True(t, conv.Runtime.Placeholder)

	seeded, _, err := st.GetEvents(context.Background(), conv.ID, 0, false, 10)
	require.NoError(t, err)
	assert.Len(t, seeded, 2)
}

func TestStartConversation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/conv/start", r.URL.Path)
		require.Equal(t, "key-1", r.Header.Get("X-Session-API-Key"))
		writeJSON(w, map[string]interface{}{"runtime_status": "RUNNING"})
	}))
	defer server.Close()

	svc, st := newTestService(t, server.URL)
	conv := seedConversation(t, st, &models.Conversation{
		URL:           server.URL + "/conv",
		SessionAPIKey: "key-1",
		Status:        models.StatusStopped,
	})

	updated, err := svc.StartConversation(context.Background(), conv.ID, "key-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, updated.Status)
	assert.Equal(t, "RUNNING", updated.RuntimeStatus)
	assert.Equal(t, 2, updated.Version, "save must bump the version")
}

func TestStartConversation_SessionKeyMismatch(t *testing.T) {
	svc, st := newTestService(t, deadEndpoint)
	conv := seedConversation(t, st, &models.Conversation{SessionAPIKey: "right"})

	_, err := svc.StartConversation(context.Background(), conv.ID, "wrong")
	assert.True(t, apperr.IsUnauthorized(err), "expected unauthorized, got %v", err)
}

func TestStartConversation_UnclaimedAcceptsAnyKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"runtime_status": "RUNNING"})
	}))
	defer server.Close()

	svc, st := newTestService(t, server.URL)
	conv := seedConversation(t, st, &models.Conversation{URL: server.URL + "/conv"})

	_, err := svc.StartConversation(context.Background(), conv.ID, "anything")
	require.NoError(t, err)
}

func TestStopConversation_Idempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"runtime_status": "STOPPED"})
	}))
	defer server.Close()

	svc, st := newTestService(t, server.URL)
	conv := seedConversation(t, st, &models.Conversation{
		URL:    server.URL + "/conv",
		Status: models.StatusRunning,
	})

	for i := 0; i < 2; i++ {
		updated, err := svc.StopConversation(context.Background(), conv.ID, "")
		require.NoError(t, err)
		assert.Equal(t, models.StatusStopped, updated.Status)
	}
}

func TestBusCarriesConversationScopedSubjects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/conv/start":
			writeJSON(w, map[string]interface{}{"runtime_status": "RUNNING"})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	svc, st, b := newTestServiceWithBus(t, server.URL)
	conv := seedConversation(t, st, &models.Conversation{
		URL:    server.URL + "/conv",
		Status: models.StatusStopped,
	})

	var mu sync.Mutex
	var statusEvents, journalEvents []string
	subStatus, err := b.Subscribe(events.BuildConversationStatusWildcardSubject(), func(_ context.Context, e *bus.Event) error {
		mu.Lock()
		statusEvents = append(statusEvents, e.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = subStatus.Unsubscribe() })

	subJournal, err := b.Subscribe(events.BuildConversationEventSubject(conv.ID), func(_ context.Context, e *bus.Event) error {
		mu.Lock()
		journalEvents = append(journalEvents, e.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = subJournal.Unsubscribe() })

	_, err = svc.StartConversation(context.Background(), conv.ID, "")
	require.NoError(t, err)
	require.NoError(t, svc.AddMessage(context.Background(), conv.ID, "", "hello", nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statusEvents) > 0 && len(journalEvents) > 0
	}, 2*time.Second, 10*time.Millisecond, "scoped subscriptions must see the conversation's events")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, statusEvents, events.ConversationStatusChanged)
	assert.Contains(t, journalEvents, events.ConversationEventAdded)
}

func TestRuntimeAction_UnreachableRuntime(t *testing.T) {
	svc, st := newTestService(t, deadEndpoint)
	conv := seedConversation(t, st, &models.Conversation{URL: deadEndpoint})

	_, err := svc.StartConversation(context.Background(), conv.ID, "")
	assert.True(t, apperr.IsRuntimeUnavailable(err), "expected runtime unavailable, got %v", err)
}

func TestRuntimeAction_UnknownConversation(t *testing.T) {
	svc, _ := newTestService(t, deadEndpoint)

	_, err := svc.StartConversation(context.Background(), "missing", "")
	assert.True(t, apperr.IsNotFound(err))
}

// conflictStore injects optimistic-save conflicts before delegating.
type conflictStore struct {
	store.Store
	failures int
}

func (c *conflictStore) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	if c.failures > 0 {
		c.failures--
		return apperr.Conflict("stale version")
	}
	return c.Store.SaveConversation(ctx, conv)
}

func TestPersistWithRetry_RecoversFromConflicts(t *testing.T) {
	svc, st := newTestService(t, deadEndpoint)
	conv := seedConversation(t, st, &models.Conversation{Title: "a"})
	svc.store = &conflictStore{Store: st, failures: 2}

	updated, err := svc.persistWithRetry(context.Background(), conv.ID, func(c *models.Conversation) {
		c.Status = models.StatusStopped
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, updated.Status)
}

func TestPersistWithRetry_GivesUpAfterBudget(t *testing.T) {
	svc, st := newTestService(t, deadEndpoint)
	conv := seedConversation(t, st, &models.Conversation{Title: "a"})
	svc.store = &conflictStore{Store: st, failures: saveAttempts}

	_, err := svc.persistWithRetry(context.Background(), conv.ID, func(c *models.Conversation) {
		c.Status = models.StatusStopped
	})
	assert.True(t, apperr.IsRuntimeUnavailable(err), "expected unavailable after exhausting retries, got %v", err)
}

func TestGetEvents_LiveSourceFiltersHidden(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/conv/events", r.URL.Path)
		writeJSON(w, map[string]interface{}{
			"events": []map[string]interface{}{
				{"id": 0, "type": "message"},
				{"id": 1, "type": "recall", "payload": map[string]interface{}{"hidden": true}},
				{"id": 2, "type": "message"},
			},
			"has_more": false,
		})
	}))
	defer server.Close()

	svc, st := newTestService(t, server.URL)
	conv := seedConversation(t, st, &models.Conversation{URL: server.URL + "/conv"})

	page, err := svc.GetEvents(context.Background(), conv.ID, journal.Query{Limit: 10, ExcludeHidden: true})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, int64(0), page.Events[0].ID)
	assert.Equal(t, int64(2), page.Events[1].ID)
	assert.False(t, page.HasMore)
}

func TestGetEvents_FallsBackToPersistedJournal(t *testing.T) {
	svc, st := newTestService(t, deadEndpoint)
	conv := seedConversation(t, st, &models.Conversation{URL: deadEndpoint})
	require.NoError(t, st.AppendEvents(context.Background(), conv.ID, []*models.Event{
		{Type: "message"},
		{Type: "recall", Payload: map[string]interface{}{"hidden": true}},
		{Type: "message"},
	}))

	page, err := svc.GetEvents(context.Background(), conv.ID, journal.Query{Limit: 10, ExcludeHidden: true})
	require.NoError(t, err)
	require.Len(t, page.Events, 2, "fallback must serve the same filtered contract")
}

func TestGetEvents_UnknownConversationFromStart(t *testing.T) {
	svc, _ := newTestService(t, deadEndpoint)

	page, err := svc.GetEvents(context.Background(), "missing", journal.Query{StartID: 0, Limit: 10})
	require.NoError(t, err, "polling an unknown conversation from the journal start is not an error")
	assert.Empty(t, page.Events)
	assert.False(t, page.HasMore)
}

func TestGetEvents_UnknownConversationMidJournal(t *testing.T) {
	svc, _ := newTestService(t, deadEndpoint)

	_, err := svc.GetEvents(context.Background(), "missing", journal.Query{StartID: 5, Limit: 10})
	assert.True(t, apperr.IsNotFound(err))
}

func TestGetEvents_InvalidLimit(t *testing.T) {
	svc, st := newTestService(t, deadEndpoint)
	conv := seedConversation(t, st, &models.Conversation{URL: deadEndpoint})

	_, err := svc.GetEvents(context.Background(), conv.ID, journal.Query{Limit: 0})
	assert.True(t, apperr.IsValidation(err))
}

func TestAddMessage(t *testing.T) {
	var received struct {
		Content string `json:"content"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/conv/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc, st := newTestService(t, server.URL)
	conv := seedConversation(t, st, &models.Conversation{URL: server.URL + "/conv"})

	require.NoError(t, svc.AddMessage(context.Background(), conv.ID, "", "run the tests", nil))
	assert.Equal(t, "run the tests", received.Content)

	// Delivered messages are mirrored into the persisted journal.
	mirrored, _, err := st.GetEvents(context.Background(), conv.ID, 0, false, 10)
	require.NoError(t, err)
	require.Len(t, mirrored, 1)
	assert.Equal(t, "run the tests", mirrored[0].Payload["content"])
}

func TestAddMessage_EmptyContent(t *testing.T) {
	svc, st := newTestService(t, deadEndpoint)
	conv := seedConversation(t, st, &models.Conversation{})

	err := svc.AddMessage(context.Background(), conv.ID, "", "", nil)
	assert.True(t, apperr.IsValidation(err))
}

func TestAddEvent_EmptyPayload(t *testing.T) {
	svc, st := newTestService(t, deadEndpoint)
	conv := seedConversation(t, st, &models.Conversation{})

	err := svc.AddEvent(context.Background(), conv.ID, "", nil)
	assert.True(t, apperr.IsValidation(err))
}

func TestGetWebHosts_EmptyLiveResultKeepsCache(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"hosts": map[string]string{}})
	}))
	defer server.Close()

	svc, st := newTestService(t, server.URL)
	conv := seedConversation(t, st, &models.Conversation{
		URL:     server.URL + "/conv",
		Runtime: &models.RuntimeInstance{Hosts: map[string]string{"app": "http://app"}},
	})

	hosts, err := svc.GetWebHosts(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://app", hosts["app"], "known hosts must survive an empty live result")
}

func TestGetWebHosts_MergesAndPersistsChanges(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"hosts": map[string]string{"app": "http://app-v2", "docs": "http://docs"},
		})
	}))
	defer server.Close()

	svc, st := newTestService(t, server.URL)
	conv := seedConversation(t, st, &models.Conversation{
		URL:     server.URL + "/conv",
		Runtime: &models.RuntimeInstance{Hosts: map[string]string{"app": "http://app"}},
	})

	hosts, err := svc.GetWebHosts(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://app-v2", hosts["app"])

	stored, err := st.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://docs", stored.Runtime.Hosts["docs"], "changed hosts must be persisted")
}

func TestGetVSCodeURL_FailureReturnsCached(t *testing.T) {
	svc, st := newTestService(t, deadEndpoint)
	conv := seedConversation(t, st, &models.Conversation{
		URL:       deadEndpoint,
		VSCodeURL: "http://cached-vscode",
	})

	url, err := svc.GetVSCodeURL(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://cached-vscode", url)
}

func TestGetRuntimeConfig_FailureReturnsCachedWithoutPersisting(t *testing.T) {
	svc, st := newTestService(t, deadEndpoint)
	conv := seedConversation(t, st, &models.Conversation{
		URL:     deadEndpoint,
		Runtime: &models.RuntimeInstance{RuntimeID: "rt-cached"},
	})

	ri, err := svc.GetRuntimeConfig(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "rt-cached", ri.RuntimeID)

	stored, err := st.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Version, "a failed fetch must not write anything")
}

func TestGetRuntimeConfig_PersistsChangedFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"runtime_id":     "rt-new",
			"runtime_status": "RUNNING",
			"hosts":          map[string]string{"app": "http://app"},
		})
	}))
	defer server.Close()

	svc, st := newTestService(t, server.URL)
	conv := seedConversation(t, st, &models.Conversation{
		URL:    server.URL + "/conv",
		Status: models.StatusStarting,
	})

	ri, err := svc.GetRuntimeConfig(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "rt-new", ri.RuntimeID)

	stored, err := st.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, stored.Status, "status must be re-derived from the reported token")
	assert.Equal(t, "http://app", stored.Runtime.Hosts["app"])
}

func TestListFiles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/conv/list-files":
			writeJSON(w, map[string]interface{}{"files": []string{
				"src/main.go",
				"src/main.go",
				"README.md",
				".git/config",
				"node_modules/react/index.js",
				"debug.log",
			}})
		case "/conv/select-file":
			require.Equal(t, ".gitignore", r.URL.Query().Get("file"))
			writeJSON(w, map[string]string{"code": "*.log\n"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	svc, st := newTestService(t, server.URL)
	conv := seedConversation(t, st, &models.Conversation{URL: server.URL + "/conv"})

	files, err := svc.ListFiles(context.Background(), conv.ID, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md", "src/main.go"}, files)
}

func TestSubmitFeedback(t *testing.T) {
	svc, st := newTestService(t, deadEndpoint)
	conv := seedConversation(t, st, &models.Conversation{URL: deadEndpoint})
	require.NoError(t, st.AppendEvents(context.Background(), conv.ID, []*models.Event{
		{Type: "message"},
		{Type: "observation"},
	}))

	entry, err := svc.SubmitFeedback(context.Background(), conv.ID, "negative", "wrong fix", nil)
	require.NoError(t, err)
	assert.Equal(t, "negative", entry.Polarity)
	assert.Len(t, entry.Trajectory, 2, "the full trajectory is attached at submission time")
}

func TestSubmitFeedback_InvalidPolarity(t *testing.T) {
	svc, st := newTestService(t, deadEndpoint)
	conv := seedConversation(t, st, &models.Conversation{})

	_, err := svc.SubmitFeedback(context.Background(), conv.ID, "meh", "", nil)
	assert.True(t, apperr.IsValidation(err))
}

func TestGitDiff_UnknownPathIsResourceNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	svc, st := newTestService(t, server.URL)
	conv := seedConversation(t, st, &models.Conversation{URL: server.URL + "/conv"})

	_, err := svc.GitDiff(context.Background(), conv.ID, "missing.go")
	assert.True(t, apperr.IsNotFound(err))
}
