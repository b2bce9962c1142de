package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/chatrelay/internal/bus"
	"github.com/streamspace-dev/chatrelay/internal/config"
	"github.com/streamspace-dev/chatrelay/internal/messaging"
	"github.com/streamspace-dev/chatrelay/internal/metrics"
	"github.com/streamspace-dev/chatrelay/internal/model"
	"github.com/streamspace-dev/chatrelay/internal/queue"
	"github.com/streamspace-dev/chatrelay/internal/store"
	"github.com/streamspace-dev/chatrelay/internal/wsrelay"
)

func newTestRouter(t *testing.T) (*gin.Engine, store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Config{Environment: config.EnvDev, AdminUserIDs: []string{"+15550000000"}}
	st := store.NewMemory()
	b := bus.NewMemory()
	q := queue.NewMemory()
	manager := wsrelay.NewManager("test-instance", 0, st, b, zerolog.Nop())
	svc := messaging.NewService(st, b, q, manager, nil, zerolog.Nop())
	reg := metrics.NewRegistry()
	authr := wsrelay.NewAuthenticator(cfg)

	return NewRouter(Deps{Config: cfg, Store: st, Service: svc, Manager: manager, Authr: authr, Metrics: reg, Log: zerolog.Nop()}), st
}

func do(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealth_NoAuthRequired(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := do(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWhoami_RequiresAuth(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil)
	rec := do(r, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil)
	req.Header.Set("Authorization", "+15551234567")
	rec = do(r, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body whoamiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "+15551234567", body.UserID)
}

func TestCreateAndSendMessage(t *testing.T) {
	r, st := newTestRouter(t)
	alice := "+15551234567"
	bob := "+15557654321"

	reqBody, _ := json.Marshal(createConversationRequest{
		Type:         model.ConversationDirect,
		Participants: []string{alice, bob},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations", bytes.NewReader(reqBody))
	req.Header.Set("Authorization", alice)
	req.Header.Set("Content-Type", "application/json")
	rec := do(r, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var created createConversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.False(t, created.Existed)

	msgBody, _ := json.Marshal(sendMessageRequest{Content: "hello bob", MessageType: model.MessageText})
	req = httptest.NewRequest(http.MethodPost, "/api/v1/conversations/"+created.Conversation.ID+"/messages", bytes.NewReader(msgBody))
	req.Header.Set("Authorization", alice)
	req.Header.Set("Content-Type", "application/json")
	rec = do(r, req)
	require.Equal(t, http.StatusOK, rec.Code)

	msgs, err := st.ListMessages(context.Background(), created.Conversation.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hello bob", msgs[0].Content)
}

// Requests built from raw JSON, so the documented wire field names are
// what's exercised rather than this package's own struct tags.
func TestWireFieldNames(t *testing.T) {
	r, st := newTestRouter(t)
	alice := "+15551234567"
	bob := "+15557654321"

	body := []byte(`{
		"type": "direct",
		"participants": ["` + alice + `", "` + bob + `"],
		"initial_message": "hello",
		"metadata": {"origin": "invite-link"}
	}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations", bytes.NewReader(body))
	req.Header.Set("Authorization", alice)
	req.Header.Set("Content-Type", "application/json")
	rec := do(r, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var created createConversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	convID := created.Conversation.ID

	conv, err := st.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	require.Equal(t, "invite-link", conv.Metadata["origin"])

	msgs, err := st.ListMessages(context.Background(), convID, 1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hello", msgs[0].Content)

	// The initial message seeded bob's unread count, so the
	// unread_only filter keeps the conversation for bob but drops it
	// for alice.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/conversations?unread_only=true", nil)
	req.Header.Set("Authorization", bob)
	rec = do(r, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed listConversationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Conversations, 1)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/conversations?unread_only=true", nil)
	req.Header.Set("Authorization", alice)
	rec = do(r, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Empty(t, listed.Conversations)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/conversations/"+convID+"/messages/"+msgs[0].ID+"/reactions",
		bytes.NewReader([]byte(`{"reaction": "👍"}`)))
	req.Header.Set("Authorization", bob)
	req.Header.Set("Content-Type", "application/json")
	rec = do(r, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var reacted setReactionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reacted))
	require.Equal(t, map[string]string{bob: "👍"}, reacted.Reactions)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/maintenance/recompute_unread?conversation_id="+convID, nil)
	req.Header.Set("Authorization", bob)
	rec = do(r, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var recomputed recomputeUnreadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recomputed))
	require.EqualValues(t, 1, recomputed.UnreadCount)
}

func TestMaintenance_RequiresAdmin(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/maintenance/find_inconsistencies", nil)
	req.Header.Set("Authorization", "+15559990000")
	rec := do(r, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/maintenance/find_inconsistencies", nil)
	req.Header.Set("Authorization", "+15550000000")
	rec = do(r, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
