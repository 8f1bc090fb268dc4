package opencode

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/13ty/agor-sub000/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	c := NewClient(server.URL, "/work", "secret", testLogger(t))
	t.Cleanup(c.Close)
	return c
}

func TestRequestCarriesAuthAndDirectory(t *testing.T) {
	var gotAuth, gotDirHeader, gotDirQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotDirHeader = r.Header.Get("X-OpenCode-Directory")
		gotDirQuery = r.URL.Query().Get("directory")
		_ = json.NewEncoder(w).Encode(HealthResponse{Healthy: true})
	}))
	defer server.Close()

	client := testClient(t, server)
	require.NoError(t, client.WaitForHealth(context.Background()))

	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("opencode:secret"))
	assert.Equal(t, wantAuth, gotAuth)
	assert.Equal(t, "/work", gotDirHeader)
	assert.Equal(t, "/work", gotDirQuery)
}

func TestWaitForHealthRetriesUntilHealthy(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		healthy := calls >= 3
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(HealthResponse{Healthy: healthy, Version: "0.1"})
	}))
	defer server.Close()

	client := testClient(t, server)
	require.NoError(t, client.WaitForHealth(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, calls, 3)
}

func TestCreateSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/session", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(SessionResponse{ID: "ses-42"})
	}))
	defer server.Close()

	id, err := testClient(t, server).CreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ses-42", id)
}

func TestSendPromptBody(t *testing.T) {
	var got PromptRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/session/ses-1/message", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"info":{"id":"msg-1"},"parts":[]}`))
	}))
	defer server.Close()

	model := &ModelSpec{ProviderID: "anthropic", ModelID: "claude"}
	err := testClient(t, server).SendPrompt(context.Background(), "ses-1", "do the thing", model, "build", "")
	require.NoError(t, err)

	require.Len(t, got.Parts, 1)
	assert.Equal(t, "text", got.Parts[0].Type)
	assert.Equal(t, "do the thing", got.Parts[0].Text)
	assert.Equal(t, "build", got.Agent)
	require.NotNil(t, got.Model)
	assert.Equal(t, "anthropic", got.Model.ProviderID)
}

func TestSendPromptSurfacesNamedError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"ProviderAuthError","data":{"message":"bad api key"}}`))
	}))
	defer server.Close()

	err := testClient(t, server).SendPrompt(context.Background(), "ses-1", "hi", nil, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ProviderAuthError")
	assert.Contains(t, err.Error(), "bad api key")
}

func TestReplyPermissionDefaultsRejectMessage(t *testing.T) {
	var got PermissionReplyRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/permission/perm-9/reply", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer server.Close()

	err := testClient(t, server).ReplyPermission(context.Background(), "perm-9", PermissionReplyReject, nil)
	require.NoError(t, err)
	assert.Equal(t, PermissionReplyReject, got.Reply)
	assert.Equal(t, "User denied this tool use request", got.Message)
}

func TestEventStreamFiltersBySession(t *testing.T) {
	events := []string{
		`{"type":"message.part.updated","properties":{"part":{"id":"p1","type":"text","sessionID":"ses-1","text":"mine"}}}`,
		`{"type":"message.part.updated","properties":{"part":{"id":"p2","type":"text","sessionID":"ses-2","text":"other"}}}`,
		`{"type":"session.idle","properties":{"sessionID":"ses-1"}}`,
		`{"type":"server.connected"}`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/event" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			_, _ = io.WriteString(w, "data: "+ev+"\n\n")
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
	defer server.Close()

	client := testClient(t, server)
	var mu sync.Mutex
	var got []*SDKEventEnvelope
	client.SetEventHandler(func(event *SDKEventEnvelope) {
		mu.Lock()
		got = append(got, event)
		mu.Unlock()
	})

	require.NoError(t, client.StartEventStream(context.Background(), "ses-1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, SDKEventMessagePartUpdated, got[0].Type)
	var part MessagePartUpdatedProperties
	require.NoError(t, json.Unmarshal(got[0].Properties, &part))
	assert.Equal(t, "mine", part.Part.Text)
	assert.Equal(t, SDKEventSessionIdle, got[1].Type)
	// Events without a session id pass through.
	assert.Equal(t, "server.connected", got[2].Type)
}

func TestStartEventStreamTwiceIsNoOp(t *testing.T) {
	var mu sync.Mutex
	connects := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		connects++
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	client := testClient(t, server)
	require.NoError(t, client.StartEventStream(context.Background(), "ses-1"))
	require.NoError(t, client.StartEventStream(context.Background(), "ses-1"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, connects)
}

func TestCloseIsIdempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	client := NewClient(server.URL, "/work", "secret", testLogger(t))
	require.NoError(t, client.StartEventStream(context.Background(), "ses-1"))
	client.Close()
	client.Close()
}

func TestGenerateServerPassword(t *testing.T) {
	a := GenerateServerPassword()
	b := GenerateServerPassword()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
	assert.False(t, strings.ContainsAny(a, "+/="))
}

func TestSDKErrorMessagePrefersNestedData(t *testing.T) {
	err := &SDKError{
		Name:    "UnknownError",
		Message: "outer",
		Data:    &struct {
			Message string `json:"message,omitempty"`
		}{Message: "inner detail"},
	}
	assert.Equal(t, "inner detail", err.GetMessage())

	bare := &SDKError{Message: "outer only"}
	assert.Equal(t, "outer only", bare.GetMessage())
}
