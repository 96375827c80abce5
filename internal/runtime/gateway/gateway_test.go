package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	return NewClient(config.RuntimeConfig{
		BaseURL:          baseURL,
		RequestTimeout:   5,
		SessionKeyHeader: "X-Session-API-Key",
	}, log)
}

func TestInitialize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/conversations", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"conversation_id": "conv-1",
			"url": "http://runtime/conversations/conv-1",
			"session_api_key": "key-1",
			"runtime_id": "rt-1",
			"runtime_status": "READY",
			"hosts": {"app": "http://app"}
		}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	result, err := client.Initialize(context.Background(), &InitializeRequest{Repository: "org/repo"})
	require.NoError(t, err)

	assert.Equal(t, "conv-1", result.ConversationID)
	assert.Equal(t, "key-1", result.SessionAPIKey)
	assert.Equal(t, "READY", result.RuntimeStatus)
	assert.Equal(t, "http://app", result.Hosts["app"])
}

func TestStart_SendsSessionKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret-key", r.Header.Get("X-Session-API-Key"))
		assert.True(t, strings.HasSuffix(r.URL.Path, "/start"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"runtime_status": "RUNNING"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	result, err := client.Start(context.Background(), Target{
		URL:           server.URL + "/conversations/conv-1",
		SessionAPIKey: "secret-key",
	})
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", result.RuntimeStatus)
}

func TestGetEvents_QueryParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "42", r.URL.Query().Get("start_id"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		assert.Equal(t, "true", r.URL.Query().Get("reverse"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"events": [{"id": 42, "type": "message"}], "has_more": true}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	page, err := client.GetEvents(context.Background(), Target{URL: server.URL + "/conversations/c"}, 42, true, 100)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, int64(42), page.Events[0].ID)
	assert.True(t, page.HasMore)
}

func TestGatewayError_CarriesStatusAndBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("runtime not reachable"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Stop(context.Background(), Target{URL: server.URL + "/conversations/c"})
	require.Error(t, err)

	ge, ok := AsGatewayError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, ge.StatusCode)
	assert.Contains(t, ge.Body, "runtime not reachable")
}

func TestGatewayError_TransportFailureIsNotGatewayError(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:1")
	_, err := client.GetConfig(context.Background(), Target{URL: "http://127.0.0.1:1/conversations/c"})
	require.Error(t, err)

	_, ok := AsGatewayError(err)
	assert.False(t, ok, "transport failures must not carry an upstream status")
}

func TestUploadFiles_Multipart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		files := r.MultipartForm.File["files"]
		require.Len(t, files, 2)
		assert.Equal(t, "a.txt", files[0].Filename)
		assert.Equal(t, "b.txt", files[1].Filename)

		f, err := files[0].Open()
		require.NoError(t, err)
		defer func() { _ = f.Close() }()
		buf := make([]byte, 16)
		n, _ := f.Read(buf)
		assert.Equal(t, "hello", string(buf[:n]))

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	err := client.UploadFiles(context.Background(), Target{URL: server.URL + "/conversations/c"}, []UploadFile{
		{Name: "a.txt", Content: strings.NewReader("hello")},
		{Name: "b.txt", Content: strings.NewReader("world")},
	})
	require.NoError(t, err)
}

func TestZipWorkspace_ReturnsRawBody(t *testing.T) {
	payload := []byte{'P', 'K', 0x03, 0x04, 0x00}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	data, err := client.ZipWorkspace(context.Background(), Target{URL: server.URL + "/conversations/c"})
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestListFiles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "src", r.URL.Query().Get("path"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"files": ["src/main.go", "src/util.go"]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	files, err := client.ListFiles(context.Background(), Target{URL: server.URL + "/conversations/c"}, "src")
	require.NoError(t, err)
	assert.Equal(t, []string{"src/main.go", "src/util.go"}, files)
}

func TestGitDiff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "main.go", r.URL.Query().Get("path"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"path": "main.go", "original": "a", "modified": "b"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	diff, err := client.GitDiff(context.Background(), Target{URL: server.URL + "/conversations/c"}, "main.go")
	require.NoError(t, err)
	assert.Equal(t, "a", diff.Original)
	assert.Equal(t, "b", diff.Modified)
}
