package notifier

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/chatrelay/internal/model"
	"github.com/streamspace-dev/chatrelay/internal/push"
	"github.com/streamspace-dev/chatrelay/internal/queue"
	"github.com/streamspace-dev/chatrelay/internal/store"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Memory, *queue.Memory, *push.MemorySender) {
	t.Helper()
	st := store.NewMemory()
	q := queue.NewMemory()
	sender := push.NewMemorySender()
	d := NewDispatcher(st, q, sender, nil, 500, zerolog.Nop())
	return d, st, q, sender
}

func mustCreateConversation(t *testing.T, st *store.Memory, participants []string) model.Conversation {
	t.Helper()
	res, err := st.CreateConversation(context.Background(), store.CreateConversationInput{
		Type:         model.ConversationDirect,
		Participants: participants,
		SenderID:     participants[0],
	})
	require.NoError(t, err)
	return res.Conversation
}

// An offline recipient gets a push and a Notification row with
// unreadNotifications incremented by exactly 1.
func TestHandleNewMessage_OfflineRecipientGetsPushAndNotification(t *testing.T) {
	d, st, _, sender := newTestDispatcher(t)
	ctx := context.Background()

	conv := mustCreateConversation(t, st, []string{"+840000001", "+840000002"})
	require.NoError(t, st.UpsertUser(ctx, model.User{ID: "+840000002", IsOnline: false}))
	require.NoError(t, st.UpsertDeviceToken(ctx, model.DeviceToken{UserID: "+840000002", Token: "tok-1", DeviceType: model.DeviceAndroid}))

	ev := Event{
		Event:          EventNewMessage,
		MessageID:      "m1",
		ConversationID: conv.ID,
		SenderID:       "+840000001",
		Content:        "ping",
		Participants:   []string{"+840000002"},
		Timestamp:      time.Now(),
	}

	ok := d.handleNewMessage(ctx, ev)
	assert.True(t, ok)

	assert.Len(t, sender.Sent, 1)
	assert.Equal(t, []string{"tok-1"}, sender.Sent[0].Tokens)

	notifs := st.Notifications()
	require.Len(t, notifs, 1)
	assert.Equal(t, "+840000002", notifs[0].UserID)
	assert.Equal(t, model.NotificationNewMessage, notifs[0].Type)

	recipient, err := st.GetUser(ctx, "+840000002")
	require.NoError(t, err)
	assert.EqualValues(t, 1, recipient.UnreadNotifications)
}

// An invalid-token FCM response deletes the device token before the
// handler returns.
func TestSendPush_InvalidTokenDeletedImmediately(t *testing.T) {
	d, st, _, sender := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertUser(ctx, model.User{ID: "+840000002", IsOnline: false}))
	require.NoError(t, st.UpsertDeviceToken(ctx, model.DeviceToken{UserID: "+840000002", Token: "dead-token", DeviceType: model.DeviceIOS}))
	sender.Fail["dead-token"] = assertErr{"registration-token-not-registered"}
	sender.Invalid["dead-token"] = true

	d.sendPush(ctx, "+840000002", "t", "b", nil)

	tokens, err := st.ListDeviceTokens(ctx, "+840000002")
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

// Online recipients never get a push but still get a Notification row.
func TestHandleNewMessage_OnlineRecipientNoPush(t *testing.T) {
	d, st, _, sender := newTestDispatcher(t)
	ctx := context.Background()

	conv := mustCreateConversation(t, st, []string{"+840000001", "+840000003"})
	require.NoError(t, st.UpsertUser(ctx, model.User{ID: "+840000003", IsOnline: true}))

	ev := Event{
		Event:          EventNewMessage,
		MessageID:      "m2",
		ConversationID: conv.ID,
		SenderID:       "+840000001",
		Content:        "hi",
		Participants:   []string{"+840000003"},
	}
	ok := d.handleNewMessage(ctx, ev)
	assert.True(t, ok)
	assert.Empty(t, sender.Sent)
	assert.Len(t, st.Notifications(), 1)
}

// Preference gating: pushEnabled=false suppresses the push entirely.
func TestPushAllowed_RespectsPushEnabledAndMute(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertNotificationPref(ctx, model.NotificationPref{UserID: "u1", PushEnabled: false}))
	allowed, err := d.pushAllowed(ctx, "u1", model.NotificationNewMessage, model.ConversationDirect)
	require.NoError(t, err)
	assert.False(t, allowed)

	future := time.Now().Add(time.Hour)
	require.NoError(t, st.UpsertNotificationPref(ctx, model.NotificationPref{UserID: "u2", PushEnabled: true, MessageNotifications: true, MuteUntil: &future}))
	allowed, err = d.pushAllowed(ctx, "u2", model.NotificationNewMessage, model.ConversationDirect)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = d.pushAllowed(ctx, "never-set", model.NotificationNewMessage, model.ConversationDirect)
	require.NoError(t, err)
	assert.True(t, allowed)
}

// Unknown event types are dropped, not retried.
func TestDispatch_UnknownEventDropped(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	body, _ := json.Marshal(map[string]string{"event": "something_unheard_of"})
	outcome, _ := d.Dispatch(context.Background(), body)
	assert.Equal(t, OutcomeDrop, outcome)
}

// Malformed JSON is dropped.
func TestDispatch_MalformedJSONDropped(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	outcome, _ := d.Dispatch(context.Background(), []byte("{not json"))
	assert.Equal(t, OutcomeDrop, outcome)
}

// Each of the first MaxRetries failures schedules a retry, and the
// failure past MaxRetries dead-letters without scheduling a further retry.
func TestRetrySend_DeadLettersAfterMaxRetries(t *testing.T) {
	d, _, q, _ := newTestDispatcher(t)
	ctx := context.Background()

	ev := Event{Event: EventNewMessage, MessageID: "stuck"}
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		require.NoError(t, d.RetrySend(ctx, ev))
		ev.RetryCount = attempt
	}
	// Five attempts have now been scheduled (none dead-lettered yet);
	// the 6th failure is the one that exceeds MaxRetries.
	require.Equal(t, 0, q.Depth(queue.DLQ))

	require.NoError(t, d.RetrySend(ctx, ev))
	require.Equal(t, 1, q.Depth(queue.DLQ))
	require.Equal(t, MaxRetries, q.Depth(queue.Retry))
}

func TestRetryDelay_FollowsBackoffSchedule(t *testing.T) {
	want := []time.Duration{67 * time.Second, 144 * time.Second, 261 * time.Second, 388 * time.Second, 525 * time.Second}
	for attempt, w := range want {
		assert.Equal(t, w, RetryDelay(attempt+1))
	}
	// Monotonic across the whole schedule.
	for attempt := 2; attempt <= MaxRetries; attempt++ {
		assert.Greater(t, RetryDelay(attempt), RetryDelay(attempt-1))
	}
}

func TestRetryDelay_CapsAt3600Seconds(t *testing.T) {
	assert.Equal(t, 3600*time.Second, RetryDelay(20))
	assert.Equal(t, RetryDelay(1), RetryDelay(0))
}

type assertErr struct{ code string }

func (e assertErr) Error() string { return e.code }
