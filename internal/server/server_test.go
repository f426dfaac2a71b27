package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatrelay/internal/budget"
	"chatrelay/internal/cache"
	"chatrelay/internal/conversation"
	"chatrelay/internal/limiter"
	"chatrelay/internal/orchestrator"
	"chatrelay/internal/provider"
	"chatrelay/internal/retrieval"
)

type stubRetriever struct{}

func (stubRetriever) Retrieve(ctx context.Context, query string, mode retrieval.Mode) (retrieval.Result, error) {
	return retrieval.Result{Context: "stub context"}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	store := conversation.NewStore(time.Hour, 10, zap.NewNop())
	lim := limiter.New(5, time.Hour)
	respCache := cache.New(5*time.Minute, 100, zap.NewNop())
	scheduler, err := budget.NewScheduler(nil, budget.Options{})
	require.NoError(t, err)

	// No network backends; the static responder answers everything.
	executor := provider.NewExecutor(nil, provider.NewStatic("stub answer"), zap.NewNop())

	orch := orchestrator.New(store, lim, respCache, scheduler, stubRetriever{}, executor,
		orchestrator.Options{}, zap.NewNop())
	return New(":0", orch, store, lim, respCache, executor, zap.NewNop())
}

func postChat(t *testing.T, s *Server, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestChatEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := postChat(t, s, orchestrator.Request{UserID: "alice", Message: "hello there"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp orchestrator.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "stub answer", resp.Answer)
	assert.Equal(t, "static", resp.Model)
	assert.NotEmpty(t, resp.ConversationID)
}

func TestChatEndpoint_UserIDFromHeader(t *testing.T) {
	s := newTestServer(t)

	data, _ := json.Marshal(map[string]string{"message": "hello there"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "header-user")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestChatEndpoint_AnonymousRequestAdmitted(t *testing.T) {
	s := newTestServer(t)

	w := postChat(t, s, orchestrator.Request{Message: "who are you"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp orchestrator.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ConversationID)
}

func TestChatEndpoint_BadRequests(t *testing.T) {
	s := newTestServer(t)

	w := postChat(t, s, orchestrator.Request{UserID: "alice", Message: ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewReader([]byte("{not json")))
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatEndpoint_RateLimited(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 5; i++ {
		w := postChat(t, s, orchestrator.Request{
			UserID:  "bob",
			Message: fmt.Sprintf("question %d of several", i),
		})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := postChat(t, s, orchestrator.Request{UserID: "bob", Message: "over the line"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status    string                  `json:"status"`
		Providers provider.SelfTestReport `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	// Static-only chain answers but is not healthy.
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, []string{"static"}, body.Providers.Tried)
}

func TestConversationEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := postChat(t, s, orchestrator.Request{UserID: "alice", Message: "start talking"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp orchestrator.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	id := resp.ConversationID

	// List includes the new conversation.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	w2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(w2, req)
	require.Equal(t, http.StatusOK, w2.Code)
	assert.Contains(t, w2.Body.String(), id)

	// Fetch returns both turn halves.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/conversations/"+id, nil)
	w2 = httptest.NewRecorder()
	s.Handler().ServeHTTP(w2, req)
	require.Equal(t, http.StatusOK, w2.Code)
	var got struct {
		Messages []conversation.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &got))
	assert.Len(t, got.Messages, 2)

	// Delete, then fetch 404s.
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/conversations/"+id, nil)
	w2 = httptest.NewRecorder()
	s.Handler().ServeHTTP(w2, req)
	assert.Equal(t, http.StatusNoContent, w2.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/conversations/"+id, nil)
	w2 = httptest.NewRecorder()
	s.Handler().ServeHTTP(w2, req)
	assert.Equal(t, http.StatusNotFound, w2.Code)
}

func TestClearConversations(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 3; i++ {
		w := postChat(t, s, orchestrator.Request{
			UserID:  "alice",
			Message: fmt.Sprintf("conversation starter %d", i),
		})
		require.Equal(t, http.StatusOK, w.Code)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/conversations", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Removed int `json:"removed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Removed)
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t)

	postChat(t, s, orchestrator.Request{UserID: "alice", Message: "warm things up"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "cache")
	assert.Contains(t, body, "conversations")
	assert.Contains(t, body, "limiter")
}
