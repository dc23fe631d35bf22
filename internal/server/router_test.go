package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatcore/internal/auth"
	"chatcore/internal/config"
	"chatcore/internal/pubsub"
	"chatcore/internal/realtime"
	"chatcore/internal/service"
	"chatcore/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testSecret = "router-test-secret"

type apiEnv struct {
	engine *gin.Engine
	st     *store.MemoryStore
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.NewMemoryStore()
	reg := realtime.NewRegistry()
	core := service.New(st, reg, pubsub.NewLocalBus(), service.Options{})
	cfg := config.Config{Port: "0", DatabaseDSN: config.MemoryDSN, JWTSecret: testSecret, Env: "test"}
	for _, u := range []string{"alice", "bob", "carol"} {
		_, err := st.UpsertUser(context.Background(), u, u)
		require.NoError(t, err)
	}
	return &apiEnv{engine: SetupRouter(cfg, Deps{Store: st, Registry: reg, Core: core}), st: st}
}

func (e *apiEnv) call(t *testing.T, user, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := auth.GenerateAccessToken(user, user, testSecret, 5)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	var out map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func (e *apiEnv) direct(t *testing.T, a, b string) string {
	t.Helper()
	w, out := e.call(t, a, http.MethodPost, "/api/v1/conversations/direct", gin.H{"user_id": b})
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, w.Code)
	return out["conversation"].(map[string]any)["id"].(string)
}

func TestHealthz(t *testing.T) {
	e := newAPI(t)
	w, out := e.call(t, "", http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", out["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	e := newAPI(t)
	e.call(t, "", http.MethodGet, "/healthz", nil)
	w, _ := e.call(t, "", http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "http_requests_total")
}

func TestAPI_RequiresToken(t *testing.T) {
	e := newAPI(t)
	w, out := e.call(t, "", http.MethodGet, "/api/v1/conversations", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, service.CodeUnauthenticated, out["code"])
}

func TestAPI_DirectIsReused(t *testing.T) {
	e := newAPI(t)
	w, first := e.call(t, "alice", http.MethodPost, "/api/v1/conversations/direct", gin.H{"user_id": "bob"})
	require.Equal(t, http.StatusCreated, w.Code)
	w, second := e.call(t, "bob", http.MethodPost, "/api/v1/conversations/direct", gin.H{"user_id": "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, first["conversation"].(map[string]any)["id"], second["conversation"].(map[string]any)["id"])

	w, out := e.call(t, "alice", http.MethodPost, "/api/v1/conversations/direct", gin.H{"user_id": "alice"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, service.CodeValidation, out["code"])

	w, _ = e.call(t, "alice", http.MethodPost, "/api/v1/conversations/direct", gin.H{"user_id": "nobody"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_MessagesLifecycle(t *testing.T) {
	e := newAPI(t)
	convID := e.direct(t, "alice", "bob")
	base := "/api/v1/conversations/" + convID

	w, out := e.call(t, "alice", http.MethodPost, base+"/messages", gin.H{"content": "hello", "client_id": "c1"})
	require.Equal(t, http.StatusCreated, w.Code)
	msgID := out["message"].(map[string]any)["id"].(string)

	w, out = e.call(t, "bob", http.MethodGet, base+"/messages?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	msgs := out["messages"].([]any)
	require.Len(t, msgs, 1)
	require.Equal(t, "hello", msgs[0].(map[string]any)["content"])

	w, out = e.call(t, "bob", http.MethodPatch, "/api/v1/messages/"+msgID, gin.H{"content": "hijack"})
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, service.CodeForbidden, out["code"])

	w, out = e.call(t, "alice", http.MethodPatch, "/api/v1/messages/"+msgID, gin.H{"content": "hello!"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "hello!", out["message"].(map[string]any)["content"])

	w, _ = e.call(t, "alice", http.MethodDelete, "/api/v1/messages/"+msgID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w, _ = e.call(t, "alice", http.MethodDelete, "/api/v1/messages/"+msgID, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w, _ = e.call(t, "bob", http.MethodPost, base+"/read", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestAPI_ErrorMapping(t *testing.T) {
	e := newAPI(t)
	convID := e.direct(t, "alice", "bob")

	tests := []struct {
		name   string
		user   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"outsider reads history", "carol", http.MethodGet, "/api/v1/conversations/" + convID + "/messages", nil, http.StatusForbidden, service.CodeNotParticipant},
		{"outsider sends", "carol", http.MethodPost, "/api/v1/conversations/" + convID + "/messages", gin.H{"content": "x"}, http.StatusForbidden, service.CodeNotParticipant},
		{"malformed conversation id", "alice", http.MethodGet, "/api/v1/conversations/nope/messages", nil, http.StatusBadRequest, service.CodeValidation},
		{"unknown conversation", "alice", http.MethodGet, "/api/v1/conversations/" + uuid.NewString() + "/messages", nil, http.StatusNotFound, service.CodeNotFound},
		{"blank content", "alice", http.MethodPost, "/api/v1/conversations/" + convID + "/messages", gin.H{"content": "  "}, http.StatusBadRequest, service.CodeValidation},
		{"bad cursor", "alice", http.MethodGet, "/api/v1/conversations/" + convID + "/messages?before_id=zzz", nil, http.StatusBadRequest, service.CodeValidation},
		{"malformed message id", "alice", http.MethodDelete, "/api/v1/messages/zzz", nil, http.StatusBadRequest, service.CodeValidation},
		{"bad json", "alice", http.MethodPost, "/api/v1/conversations/direct", "not an object", http.StatusBadRequest, service.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, out := e.call(t, tt.user, tt.method, tt.path, tt.body)
			require.Equal(t, tt.status, w.Code)
			require.Equal(t, tt.code, out["code"])
		})
	}
}

func TestAPI_GroupMembership(t *testing.T) {
	e := newAPI(t)
	w, out := e.call(t, "alice", http.MethodPost, "/api/v1/conversations", gin.H{"name": "team", "member_ids": []string{"bob"}})
	require.Equal(t, http.StatusCreated, w.Code)
	convID := out["conversation"].(map[string]any)["id"].(string)
	base := "/api/v1/conversations/" + convID

	w, _ = e.call(t, "bob", http.MethodPost, base+"/participants", gin.H{"user_id": "carol"})
	require.Equal(t, http.StatusForbidden, w.Code)

	w, _ = e.call(t, "alice", http.MethodPost, base+"/participants", gin.H{"user_id": "carol"})
	require.Equal(t, http.StatusNoContent, w.Code)

	w, out = e.call(t, "carol", http.MethodGet, base+"/participants", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, out["participants"].([]any), 3)

	w, _ = e.call(t, "carol", http.MethodDelete, base+"/participants/me", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w, _ = e.call(t, "carol", http.MethodGet, base+"/participants", nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w, out = e.call(t, "bob", http.MethodGet, "/api/v1/conversations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, out["conversations"].([]any), 1)
}
