package store

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/chatrelay/internal/apperr"
	"github.com/streamspace-dev/chatrelay/internal/model"
)

func newConv(t *testing.T, st *Memory, typ model.ConversationType, participants []string) model.Conversation {
	t.Helper()
	res, err := st.CreateConversation(context.Background(), CreateConversationInput{
		Type:         typ,
		Participants: participants,
		SenderID:     participants[0],
		Name:         "room",
	})
	require.NoError(t, err)
	return res.Conversation
}

func TestCreateConversation_DirectPairIsUnique(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()

	first, err := st.CreateConversation(ctx, CreateConversationInput{
		Type: model.ConversationDirect, Participants: []string{"a", "b"}, SenderID: "a",
	})
	require.NoError(t, err)
	require.False(t, first.Existed)

	// Same pair in reverse order resolves to the same conversation.
	second, err := st.CreateConversation(ctx, CreateConversationInput{
		Type: model.ConversationDirect, Participants: []string{"b", "a"}, SenderID: "b",
	})
	require.NoError(t, err)
	assert.True(t, second.Existed)
	assert.Equal(t, first.Conversation.ID, second.Conversation.ID)
}

func TestCreateConversation_GroupDefaultsCreatorAsAdmin(t *testing.T) {
	st := NewMemory()
	conv := newConv(t, st, model.ConversationGroup, []string{"a", "b", "c"})
	assert.Equal(t, []string{"a"}, conv.Admins)
}

func TestCreateConversation_InitialMessageSeedsUnread(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	res, err := st.CreateConversation(ctx, CreateConversationInput{
		Type: model.ConversationDirect, Participants: []string{"a", "b"},
		SenderID: "a", InitialMessage: "hello",
	})
	require.NoError(t, err)

	senderUnread, err := st.GetUnreadCount(ctx, res.Conversation.ID, "a")
	require.NoError(t, err)
	assert.EqualValues(t, 0, senderUnread)

	recipientUnread, err := st.GetUnreadCount(ctx, res.Conversation.ID, "b")
	require.NoError(t, err)
	assert.EqualValues(t, 1, recipientUnread)

	msgs, err := st.ListMessages(ctx, res.Conversation.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].ReadBy, "a")
}

func TestAppendMessage_SenderInReadBy(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	conv := newConv(t, st, model.ConversationDirect, []string{"a", "b"})

	id, ts, err := st.AppendMessage(ctx, conv.ID, "a", "hi", model.MessageText, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.False(t, ts.IsZero())

	msg, err := st.GetMessage(ctx, conv.ID, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, msg.ReadBy)
}

func TestAddToReadBy_ReportsActuallyAdded(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	conv := newConv(t, st, model.ConversationDirect, []string{"a", "b"})
	id, _, err := st.AppendMessage(ctx, conv.ID, "a", "hi", model.MessageText, nil)
	require.NoError(t, err)

	added, err := st.AddToReadBy(ctx, conv.ID, id, "b")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = st.AddToReadBy(ctx, conv.ID, id, "b")
	require.NoError(t, err)
	assert.False(t, added)

	_, err = st.AddToReadBy(ctx, conv.ID, "no-such-message", "b")
	assert.True(t, apperr.IsNotFound(err))
}

func TestDecrementUnread_ClampsAtZero(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	conv := newConv(t, st, model.ConversationDirect, []string{"a", "b"})

	require.NoError(t, st.BumpUnread(ctx, conv.ID, []string{"b"}))
	require.NoError(t, st.DecrementUnread(ctx, conv.ID, "b"))
	require.NoError(t, st.DecrementUnread(ctx, conv.ID, "b"))

	count, err := st.GetUnreadCount(ctx, conv.ID, "b")
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
}

func TestRecomputeUnread_RepairsDrift(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	conv := newConv(t, st, model.ConversationDirect, []string{"a", "b"})

	_, _, err := st.AppendMessage(ctx, conv.ID, "a", "m1", model.MessageText, nil)
	require.NoError(t, err)
	_, _, err = st.AppendMessage(ctx, conv.ID, "a", "m2", model.MessageText, nil)
	require.NoError(t, err)

	// Simulate drift: the counter was never bumped.
	count, err := st.RecomputeUnread(ctx, conv.ID, "b")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	stored, err := st.GetUnreadCount(ctx, conv.ID, "b")
	require.NoError(t, err)
	assert.EqualValues(t, 2, stored)
}

func TestUpdateConversationPreview_Truncates(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	conv := newConv(t, st, model.ConversationDirect, []string{"a", "b"})

	long := strings.Repeat("x", 80)
	require.NoError(t, st.UpdateConversationPreview(ctx, conv.ID, long, model.MessageText, "a", conv.CreatedAt))

	got, err := st.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 50)+"...", got.LastMessagePreview)
}

func TestSetReaction_SetAndClear(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	conv := newConv(t, st, model.ConversationDirect, []string{"a", "b"})
	id, _, err := st.AppendMessage(ctx, conv.ID, "a", "hi", model.MessageText, nil)
	require.NoError(t, err)

	emoji := "👍"
	reactions, err := st.SetReaction(ctx, conv.ID, id, "b", &emoji)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b": "👍"}, reactions)

	reactions, err = st.SetReaction(ctx, conv.ID, id, "b", nil)
	require.NoError(t, err)
	assert.Empty(t, reactions)
}

func TestListConversations_OrderAndUnreadFilter(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()

	c1 := newConv(t, st, model.ConversationDirect, []string{"a", "b"})
	c2, err := st.CreateConversation(ctx, CreateConversationInput{
		Type: model.ConversationDirect, Participants: []string{"a", "c"}, SenderID: "a",
	})
	require.NoError(t, err)

	_, ts, err := st.AppendMessage(ctx, c2.Conversation.ID, "c", "newest", model.MessageText, nil)
	require.NoError(t, err)
	require.NoError(t, st.UpdateConversationPreview(ctx, c2.Conversation.ID, "newest", model.MessageText, "c", ts))
	require.NoError(t, st.BumpUnread(ctx, c2.Conversation.ID, []string{"a"}))

	page, err := st.ListConversations(ctx, "a", "", 1, 50, false)
	require.NoError(t, err)
	require.Len(t, page.Conversations, 2)
	assert.Equal(t, c2.Conversation.ID, page.Conversations[0].ID)
	assert.Equal(t, c1.ID, page.Conversations[1].ID)
	assert.EqualValues(t, 1, page.UnreadByConv[c2.Conversation.ID])

	unreadOnly, err := st.ListConversations(ctx, "a", "", 1, 50, true)
	require.NoError(t, err)
	require.Len(t, unreadOnly.Conversations, 1)
	assert.Equal(t, c2.Conversation.ID, unreadOnly.Conversations[0].ID)
}

func TestCreateNotification_UpsertsByID(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()

	n := model.Notification{ID: "stable-id", UserID: "u1", Type: model.NotificationNewMessage}
	require.NoError(t, st.CreateNotification(ctx, n))
	require.NoError(t, st.CreateNotification(ctx, n))
	assert.Len(t, st.Notifications(), 1)
}

func TestDeviceTokens_UniqueOnUserAndToken(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()

	require.NoError(t, st.UpsertDeviceToken(ctx, model.DeviceToken{UserID: "u1", Token: "t1", DeviceType: model.DeviceIOS}))
	require.NoError(t, st.UpsertDeviceToken(ctx, model.DeviceToken{UserID: "u1", Token: "t1", DeviceType: model.DeviceAndroid}))

	tokens, err := st.ListDeviceTokens(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, model.DeviceAndroid, tokens[0].DeviceType)

	require.NoError(t, st.DeleteDeviceToken(ctx, "u1", "t1"))
	tokens, err = st.ListDeviceTokens(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, tokens)
}
