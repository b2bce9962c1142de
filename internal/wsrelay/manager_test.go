package wsrelay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/chatrelay/internal/bus"
	"github.com/streamspace-dev/chatrelay/internal/model"
	"github.com/streamspace-dev/chatrelay/internal/store"
)

func modelUser(id string) model.User {
	return model.User{ID: id, Status: model.StatusOffline}
}

// dial wires an httptest server whose handler upgrades every request
// through the given Manager, returning a connected client socket.
func dial(t *testing.T, m *Manager, userID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		client, err := m.Accept(context.Background(), conn, userID, "127.0.0.1")
		require.NoError(t, err)
		client.ReadPump(func(ev Event) { m.HandleFrame(context.Background(), client, ev) })
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestManager(t *testing.T, st store.Store, b bus.Bus) *Manager {
	return NewManager("instance-test", 50*time.Millisecond, st, b, zerolog.Nop())
}

func TestAccept_MarksUserOnlineOnFirstConnection(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.UpsertUser(context.Background(), modelUser("alice")))
	b := bus.NewMemory()
	m := newTestManager(t, st, b)

	conn := dial(t, m, "alice")
	require.Eventually(t, func() bool { return m.ConnectionCount("alice") == 1 }, time.Second, time.Millisecond)

	u, err := st.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, u.IsOnline)

	conn.Close()
}

func TestHandleFrame_HeartbeatGetsAcked(t *testing.T) {
	st := store.NewMemory()
	b := bus.NewMemory()
	m := newTestManager(t, st, b)

	conn := dial(t, m, "bob")
	require.Eventually(t, func() bool { return m.ConnectionCount("bob") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, conn.WriteJSON(Event{Event: EventHeartbeat}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack Event
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, EventHeartbeatAck, ack.Event)
}

func TestOnBusEvent_ForwardsToLocalParticipant(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	res, err := st.CreateConversation(ctx, store.CreateConversationInput{
		Type:         "direct",
		Participants: []string{"alice", "carol"},
		SenderID:     "alice",
	})
	require.NoError(t, err)

	b := bus.NewMemory()
	m := newTestManager(t, st, b)

	conn := dial(t, m, "carol")
	require.Eventually(t, func() bool { return m.ConnectionCount("carol") == 1 }, time.Second, time.Millisecond)

	ev := Event{Event: EventNewMessage, ConversationID: res.Conversation.ID, SenderID: "alice", Content: "hi"}
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	m.OnBusEvent(ctx, bus.ConversationChannel(res.Conversation.ID), payload)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, "hi", got.Content)
}

func TestDisconnect_SchedulesOfflineGrace(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.UpsertUser(context.Background(), modelUser("dave")))
	b := bus.NewMemory()
	m := newTestManager(t, st, b)

	conn := dial(t, m, "dave")
	require.Eventually(t, func() bool { return m.ConnectionCount("dave") == 1 }, time.Second, time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return m.ConnectionCount("dave") == 0 }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		u, err := st.GetUser(context.Background(), "dave")
		return err == nil && !u.IsOnline
	}, time.Second, 5*time.Millisecond)
}
