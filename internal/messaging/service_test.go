package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/chatrelay/internal/bus"
	"github.com/streamspace-dev/chatrelay/internal/model"
	"github.com/streamspace-dev/chatrelay/internal/notifier"
	"github.com/streamspace-dev/chatrelay/internal/push"
	"github.com/streamspace-dev/chatrelay/internal/queue"
	"github.com/streamspace-dev/chatrelay/internal/store"
)

func newHarness(t *testing.T) (*Service, *store.Memory, *bus.Memory, *queue.Memory) {
	t.Helper()
	st := store.NewMemory()
	b := bus.NewMemory()
	q := queue.NewMemory()
	d := notifier.NewDispatcher(st, q, push.NewMemorySender(), nil, 500, zerolog.Nop())
	svc := NewService(st, b, q, nil, d, zerolog.Nop())
	return svc, st, b, q
}

func mustConversation(t *testing.T, st *store.Memory, participants []string) model.Conversation {
	t.Helper()
	res, err := st.CreateConversation(context.Background(), store.CreateConversationInput{
		Type:         model.ConversationDirect,
		Participants: participants,
		SenderID:     participants[0],
	})
	require.NoError(t, err)
	return res.Conversation
}

// Each send bumps the recipient's unread count; the sender's stays at zero.
func TestSendMessage_BumpsUnreadForRecipientsNotSender(t *testing.T) {
	svc, st, _, _ := newHarness(t)
	ctx := context.Background()
	conv := mustConversation(t, st, []string{"A", "B"})

	_, _, err := svc.SendMessage(ctx, conv.ID, "A", "m1", model.MessageText, nil)
	require.Nil(t, err)
	count, e := st.GetUnreadCount(ctx, conv.ID, "B")
	require.NoError(t, e)
	assert.EqualValues(t, 1, count)

	_, _, err = svc.SendMessage(ctx, conv.ID, "A", "m2", model.MessageText, nil)
	require.Nil(t, err)
	count, e = st.GetUnreadCount(ctx, conv.ID, "B")
	require.NoError(t, e)
	assert.EqualValues(t, 2, count)

	senderCount, e := st.GetUnreadCount(ctx, conv.ID, "A")
	require.NoError(t, e)
	assert.EqualValues(t, 0, senderCount)
}

func TestSendMessage_RejectsEmptyContent(t *testing.T) {
	svc, st, _, _ := newHarness(t)
	ctx := context.Background()
	conv := mustConversation(t, st, []string{"A", "B"})

	_, _, err := svc.SendMessage(ctx, conv.ID, "A", "", model.MessageText, nil)
	require.NotNil(t, err)
	assert.Equal(t, 400, err.StatusCode)
}

func TestSendMessage_RejectsNonParticipant(t *testing.T) {
	svc, st, _, _ := newHarness(t)
	ctx := context.Background()
	conv := mustConversation(t, st, []string{"A", "B"})

	_, _, err := svc.SendMessage(ctx, conv.ID, "intruder", "hi", model.MessageText, nil)
	require.NotNil(t, err)
	assert.Equal(t, 403, err.StatusCode)
}

// MarkRead twice is idempotent: the second call observes no change.
func TestMarkRead_IdempotentOnSecondCall(t *testing.T) {
	svc, st, _, _ := newHarness(t)
	ctx := context.Background()
	conv := mustConversation(t, st, []string{"A", "B"})

	mid, _, err := svc.SendMessage(ctx, conv.ID, "A", "hello", model.MessageText, nil)
	require.Nil(t, err)

	require.NoError(t, svc.MarkRead(ctx, conv.ID, mid, "B"))
	count, _ := st.GetUnreadCount(ctx, conv.ID, "B")
	assert.EqualValues(t, 0, count)

	require.NoError(t, svc.MarkRead(ctx, conv.ID, mid, "B"))
	count, _ = st.GetUnreadCount(ctx, conv.ID, "B")
	assert.EqualValues(t, 0, count)
}

func TestMarkAllRead_ResetsUnreadToZero(t *testing.T) {
	svc, st, _, _ := newHarness(t)
	ctx := context.Background()
	conv := mustConversation(t, st, []string{"A", "B"})

	_, _, err := svc.SendMessage(ctx, conv.ID, "A", "m1", model.MessageText, nil)
	require.Nil(t, err)
	_, _, err = svc.SendMessage(ctx, conv.ID, "A", "m2", model.MessageText, nil)
	require.Nil(t, err)

	n, markErr := svc.MarkAllRead(ctx, conv.ID, "B")
	require.NoError(t, markErr)
	assert.Equal(t, 2, n)

	count, _ := st.GetUnreadCount(ctx, conv.ID, "B")
	assert.EqualValues(t, 0, count)
}

// Offline recipients enqueue exactly one new_message event to the main queue.
func TestSendMessage_EnqueuesOfflineNotification(t *testing.T) {
	svc, st, _, q := newHarness(t)
	ctx := context.Background()
	conv := mustConversation(t, st, []string{"A", "B"})

	_, _, err := svc.SendMessage(ctx, conv.ID, "A", "ping", model.MessageText, nil)
	require.Nil(t, err)

	require.Eventually(t, func() bool {
		return q.Depth(queue.Main) == 1
	}, time.Second, time.Millisecond)
}

// Direct-conversation get-or-create returns the same id on repeat.
func TestCreateConversation_DirectGetOrCreateIsIdempotent(t *testing.T) {
	svc, _, _, _ := newHarness(t)
	ctx := context.Background()

	in := store.CreateConversationInput{
		Type:         model.ConversationDirect,
		Participants: []string{"+84900000001", "+84900000002"},
		InitialMessage: "hi",
		InitialType:    model.MessageText,
		SenderID:       "+84900000001",
	}
	first, err := svc.CreateConversation(ctx, in)
	require.Nil(t, err)

	second, err := svc.CreateConversation(ctx, in)
	require.Nil(t, err)

	assert.Equal(t, first.Conversation.ID, second.Conversation.ID)
	assert.True(t, second.Existed)
}

// Creating a conversation enqueues a conversation-created event for the
// offline non-creators; the idempotent repeat enqueues nothing new.
func TestCreateConversation_EnqueuesCreatedNotificationOnce(t *testing.T) {
	svc, _, _, q := newHarness(t)
	ctx := context.Background()

	in := store.CreateConversationInput{
		Type:         model.ConversationDirect,
		Participants: []string{"A", "B"},
		SenderID:     "A",
	}
	_, err := svc.CreateConversation(ctx, in)
	require.Nil(t, err)
	require.Eventually(t, func() bool {
		return q.Depth(queue.Main) == 1
	}, time.Second, time.Millisecond)

	_, err = svc.CreateConversation(ctx, in)
	require.Nil(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, q.Depth(queue.Main))
}
