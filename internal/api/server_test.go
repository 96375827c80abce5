package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/conversation/models"
	"github.com/relaydev/relay/internal/conversation/service"
	"github.com/relaydev/relay/internal/conversation/store"
	"github.com/relaydev/relay/internal/events/bus"
	"github.com/relaydev/relay/internal/runtime/gateway"
	"github.com/relaydev/relay/internal/starttask"
)

type testEnv struct {
	server    *Server
	convStore *store.MemoryStore
	taskStore *starttask.MemoryStore
	runtime   *httptest.Server
}

// fakeRuntime serves the minimal gateway surface the handlers exercise.
func fakeRuntime(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var base string

	mux.HandleFunc("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]interface{}{
			"conversation_id": "rt-conv-1",
			"url":             base + "/api/conversations/rt-conv-1",
			"session_api_key": "secret",
			"runtime_id":      "rt-1",
			"session_id":      "sess-1",
			"runtime_status":  "READY",
		})
	})
	mux.HandleFunc("/api/conversations/rt-conv-1/start", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]interface{}{"runtime_status": "READY"})
	})
	mux.HandleFunc("/api/conversations/rt-conv-1/stop", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]interface{}{"runtime_status": "STOPPED"})
	})
	mux.HandleFunc("/api/conversations/rt-conv-1/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeJSON(t, w, map[string]interface{}{
			"events":   []map[string]interface{}{{"id": 0, "type": "message", "payload": map[string]interface{}{"content": "hello"}}},
			"has_more": false,
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	base = srv.URL
	return srv
}

func writeJSON(t *testing.T, w http.ResponseWriter, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	runtime := fakeRuntime(t)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	convStore := store.NewMemoryStore()
	gw := gateway.NewClient(config.RuntimeConfig{
		BaseURL:          runtime.URL,
		RequestTimeout:   2,
		SessionKeyHeader: "X-Session-API-Key",
	}, log)
	conversations := service.NewService(convStore, gw, eventBus, log)

	taskStore := starttask.NewMemoryStore()
	queue := starttask.NewQueue()
	notifier := starttask.NewNotifier()
	pipeline := starttask.NewPipeline(taskStore, queue, notifier, eventBus,
		config.StartTaskConfig{RetentionMinutes: 60}, log)
	worker := starttask.NewWorker(taskStore, queue, notifier, eventBus, conversations, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-workerDone
	})

	return &testEnv{
		server:    NewServer(config.ServerConfig{Port: 0}, conversations, pipeline, log),
		convStore: convStore,
		taskStore: taskStore,
		runtime:   runtime,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAndGetConversation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/conversations", map[string]interface{}{
		"title":           "fix the tests",
		"repository":      "org/repo",
		"initial_message": "please fix CI",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var conv models.Conversation
	decodeBody(t, rec, &conv)
	require.NotEmpty(t, conv.ID)
	assert.Equal(t, models.StatusRunning, conv.Status)

	rec = env.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetConversation_NotFoundShape(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/conversations/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]interface{}
	decodeBody(t, rec, &body)
	assert.Equal(t, "NOT_FOUND", body["code"])
	assert.Contains(t, body["message"], "nope")
}

func TestCreateConversation_InvalidBody(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations", strings.NewReader("{broken"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.server.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartAndStopConversation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/conversations", map[string]interface{}{
		"repository": "org/repo",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var conv models.Conversation
	decodeBody(t, rec, &conv)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/"+conv.ID+"/start", nil)
	req.Header.Set(sessionKeyHeader, "secret")
	rec = httptest.NewRecorder()
	env.server.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Wrong session key on a claimed conversation is rejected.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/conversations/"+conv.ID+"/stop", nil)
	req.Header.Set(sessionKeyHeader, "wrong")
	rec = httptest.NewRecorder()
	env.server.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetEvents_DefaultsToEmptyPageForUnknownConversation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/conversations/unknown/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Events  []interface{} `json:"events"`
		HasMore bool          `json:"has_more"`
	}
	decodeBody(t, rec, &page)
	assert.Empty(t, page.Events)
	assert.False(t, page.HasMore)
}

func TestSubmitStartTaskAndSearch(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/start-tasks", map[string]interface{}{
		"repository":      "org/repo",
		"initial_message": "do the thing",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var task starttask.Task
	decodeBody(t, rec, &task)
	require.NotEmpty(t, task.ID)

	rec = env.do(t, http.MethodGet, "/api/v1/start-tasks/"+task.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/start-tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Tasks []starttask.Task `json:"tasks"`
		Total int              `json:"total"`
	}
	decodeBody(t, rec, &list)
	require.Equal(t, 1, list.Total)
}

func TestSubmitStartTask_MissingRepository(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/start-tasks", map[string]interface{}{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartTaskStream_ClosesOnTerminalState(t *testing.T) {
	env := newTestEnv(t)

	srv := httptest.NewServer(env.server.Engine())
	defer srv.Close()

	rec := env.do(t, http.MethodPost, "/api/v1/start-tasks", map[string]interface{}{
		"repository": "org/repo",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var task starttask.Task
	decodeBody(t, rec, &task)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/start-tasks/" + task.ID + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = conn.Close() }()

	var statuses []starttask.Status
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var update starttask.Task
		if err := conn.ReadJSON(&update); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			t.Fatalf("stream read failed after %v: %v", statuses, err)
		}
		statuses = append(statuses, update.Status)
		if update.Status.Terminal() {
			// The server closes next; keep reading until the close frame.
			continue
		}
	}

	require.NotEmpty(t, statuses)
	last := statuses[len(statuses)-1]
	assert.True(t, last.Terminal(), "stream must end on a terminal status, got %v", statuses)
}

func TestStartTaskStream_UnknownTask(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/start-tasks/missing/stream", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
